package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/glimps-re/scan-proxy/pkg/cache"
	"github.com/glimps-re/scan-proxy/pkg/client"
	"github.com/glimps-re/scan-proxy/pkg/datamodel"
	"github.com/glimps-re/scan-proxy/pkg/filesystem"
	"github.com/glimps-re/scan-proxy/pkg/scanner"
	"github.com/spf13/cobra"
)

var (
	scanVerbose bool
	scanJSON    bool
)

// ErrMalwareFound is returned by the scan command when at least one file is not clean.
var ErrMalwareFound = errors.New("malware found")

// tokenSubmitter submits files with a fixed credential.
type tokenSubmitter struct {
	client     *client.Client
	credential client.Credential
}

func (s *tokenSubmitter) Scan(ctx context.Context, filename string, content io.Reader) (datamodel.ScanResult, error) {
	return s.client.Scan(ctx, s.credential, filename, content)
}

var scanCmd = &cobra.Command{
	Use:   "scan [files or folders]",
	Short: "Scan files and folders through the scan proxy",
	Args:  checkFiles,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		initDebug()
		conn, cleanup, err := newConnector(cmd, args, !scanJSON)
		if err != nil {
			return
		}
		defer cleanup()
		for _, arg := range args {
			if err = conn.ScanFile(cmd.Context(), arg); err != nil {
				logger.Error("error during scan", slog.String("file", arg), slog.String("error", err.Error()))
				conn.Close()
				return
			}
		}
		conn.Close()

		out := cmd.OutOrStdout()
		reports := conn.Reports()
		if scanJSON {
			r, e := datamodel.GenerateReport(reports)
			if e != nil {
				return fmt.Errorf("could not generate report: %w", e)
			}
			if _, err = io.Copy(out, r); err != nil {
				return
			}
		} else {
			printSummary(out, reports)
		}
		for _, r := range reports {
			if r.Error == "" && r.Malicious {
				return ErrMalwareFound
			}
		}
		return
	},
}

// newConnector wires the client, the result cache and the report actions into
// a started connector. cleanup releases them once the connector is closed.
func newConnector(cmd *cobra.Command, args []string, printReports bool) (conn *scanner.Connector, cleanup func(), err error) {
	if proxyConfig.Client.Token == "" {
		err = errors.New("a token is mandatory, use --token or SCANPROXY_TOKEN (see login)")
		return
	}
	maxFileSize, err := proxyConfig.MaxUploadBytes()
	if err != nil {
		return
	}
	c, err := newClient()
	if err != nil {
		return
	}

	var closers []io.Closer
	cleanup = func() {
		for _, closer := range closers {
			if e := closer.Close(); e != nil {
				logger.Warn("could not release resource", slog.String("error", e.Error()))
			}
		}
	}
	defer func() {
		if err != nil {
			cleanup()
		}
	}()

	resultCache, err := cache.NewCache(cmd.Context(), proxyConfig.Client.Cache.Location)
	if err != nil {
		err = fmt.Errorf("could not open cache: %w", err)
		return
	}
	closers = append(closers, resultCache)

	action := scanner.NewMultiAction(scanner.NewLogAction(logger))
	if printReports {
		action.Actions = append(action.Actions, &scanner.PrintAction{Verbose: scanVerbose, Out: cmd.OutOrStdout()})
	}
	if proxyConfig.Client.Report != "" {
		reportFile, e := openReport(proxyConfig.Client.Report)
		if e != nil {
			err = e
			return
		}
		closers = append(closers, reportFile)
		action.Actions = append(action.Actions, scanner.NewReportAction(reportFile))
	}

	scanConfig := scanner.Config{
		Workers:      proxyConfig.Client.Workers,
		MaxFileSize:  maxFileSize,
		ScanValidity: proxyConfig.Client.Cache.ScanValidity,
		Timeout:      proxyConfig.Client.Timeout,
	}
	if slices.ContainsFunc(args, filesystem.IsS3Path) {
		s3conf := proxyConfig.Client.S3
		scanConfig.S3, err = filesystem.NewS3FileSystem(cmd.Context(), filesystem.S3Config{
			Endpoint:        s3conf.Endpoint,
			Region:          s3conf.Region,
			AccessKeyID:     s3conf.AccessKeyID,
			SecretAccessKey: s3conf.SecretAccessKey,
			Insecure:        s3conf.Insecure,
			UsePathStyle:    s3conf.UsePathStyle,
		})
		if err != nil {
			return
		}
	}

	conn = scanner.NewConnector(scanConfig, &tokenSubmitter{client: c, credential: client.Credential{Token: proxyConfig.Client.Token}}, resultCache, action)
	err = conn.Start()
	return
}

func openReport(location string) (f *os.File, err error) {
	if dir := filepath.Dir(location); dir != "" {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return
		}
	}
	f, err = os.OpenFile(filepath.Clean(location), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		err = fmt.Errorf("could not open report file: %w", err)
	}
	return
}

func printSummary(out io.Writer, reports []datamodel.Report) {
	var malicious, failed, cached int
	for _, r := range reports {
		switch {
		case r.Error != "":
			failed++
		case r.Malicious:
			malicious++
		}
		if r.Cached {
			cached++
		}
	}
	fmt.Fprintf(out, "%d file(s) scanned, %d malicious, %d error(s), %d from cache\n", len(reports), malicious, failed, cached)
}
