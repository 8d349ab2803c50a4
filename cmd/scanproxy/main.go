package main

import "github.com/glimps-re/scan-proxy/cmd/cli"

func main() {
	cli.Main()
}
