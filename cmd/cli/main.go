package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

func Main() {
	if err := main_(); err != nil {
		os.Exit(1)
	}
}

var setupOnce sync.Once

func setup() {
	setupOnce.Do(func() {
		initRoot(rootCmd)
		rootCmd.AddCommand(serveCmd)
		rootCmd.AddCommand(scanCmd)
		rootCmd.AddCommand(watchCmd)
		rootCmd.AddCommand(loginCmd)
		rootCmd.AddCommand(registerCmd)
		rootCmd.AddCommand(versionCmd)
	})
}

func main_() (err error) {
	setup()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return
}
