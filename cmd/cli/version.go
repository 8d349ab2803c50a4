package cli

import (
	"fmt"

	"github.com/glimps-re/scan-proxy/pkg/config"
	"github.com/spf13/cobra"
)

var versionRemote bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print scan proxy version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		fmt.Fprintf(cmd.OutOrStdout(), "scan proxy version: %d\n", config.Version)
		if !versionRemote {
			return
		}
		c, err := newClient()
		if err != nil {
			return
		}
		remote, err := c.Version(cmd.Context())
		if err != nil {
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "remote version: %d (%s)\n", remote, proxyConfig.Client.URL)
		return
	},
}
