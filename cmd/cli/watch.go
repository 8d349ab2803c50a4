package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/glimps-re/scan-proxy/pkg/filesystem"
	"github.com/glimps-re/scan-proxy/pkg/monitor"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [folders]",
	Short: "Watch folders and scan files through the scan proxy once they are written",
	Args:  checkFiles,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		initDebug()
		for _, arg := range args {
			if filesystem.IsS3Path(arg) {
				return fmt.Errorf("could not watch %s: only local folders can be watched", arg)
			}
		}
		conn, cleanup, err := newConnector(cmd, args, true)
		if err != nil {
			return
		}
		defer cleanup()
		defer conn.Close()

		watch := proxyConfig.Client.Watch
		m, err := monitor.NewMonitor(conn.ScanFile, monitor.Config{
			PreScan:           watch.PreScan,
			Period:            watch.Period,
			ModificationDelay: watch.ModificationDelay,
		})
		if err != nil {
			return fmt.Errorf("could not start watcher: %w", err)
		}
		// the monitor must be closed before the connector
		defer m.Close()
		m.Start()
		for _, arg := range args {
			if err = m.Add(filepath.Clean(arg)); err != nil {
				return fmt.Errorf("could not watch %s: %w", arg, err)
			}
			logger.Info("watching folder", slog.String("folder", arg))
		}
		<-cmd.Context().Done()
		return
	},
}
