package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimps-re/scan-proxy/pkg/handler"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scan proxy HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		initDebug()
		logger.Debug("config", slog.Any("config", redacted(proxyConfig)))
		h, err := handler.NewHandler(cmd.Context(), proxyConfig)
		if err != nil {
			logger.Error("could not init scan proxy properly", slog.String("error", err.Error()))
			return
		}
		if err = h.Start(cmd.Context()); err != nil {
			return fmt.Errorf("could not start scan proxy, err: %w", err)
		}
		defer func() {
			if e := h.Stop(context.Background()); e != nil {
				logger.Error("error stopping scan proxy", slog.String("error", e.Error()))
			}
		}()
		select {
		case <-cmd.Context().Done():
		case e, ok := <-h.Done():
			if ok && e != nil {
				err = fmt.Errorf("scan proxy stopped unexpectedly: %w", e)
			}
		}
		return
	},
}
