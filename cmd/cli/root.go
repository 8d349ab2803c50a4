package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glimps-re/scan-proxy/pkg/cache"
	"github.com/glimps-re/scan-proxy/pkg/client"
	"github.com/glimps-re/scan-proxy/pkg/config"
	"github.com/glimps-re/scan-proxy/pkg/datamodel"
	"github.com/glimps-re/scan-proxy/pkg/filesystem"
	"github.com/glimps-re/scan-proxy/pkg/handler"
	"github.com/glimps-re/scan-proxy/pkg/monitor"
	"github.com/glimps-re/scan-proxy/pkg/proxy"
	"github.com/glimps-re/scan-proxy/pkg/scanner"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const defaultProxyURL = "http://localhost:8080"

var proxyConfig = &config.Config{
	Config: config.DefaultConfigPath,
	Server: config.ServerConfig{
		Listen:        config.DefaultListenAddress,
		MaxUploadSize: config.DefaultMaxUploadSize,
	},
	Upstream: config.UpstreamConfig{
		Timeout: config.DefaultTimeout,
	},
	Client: config.ClientConfig{
		Timeout: config.DefaultTimeout,
		Workers: config.DefaultWorkers,
		Cache: config.CacheConfig{
			Location:     config.DefaultCacheLocation,
			ScanValidity: config.DefaultScanValidity,
		},
		Watch: config.WatchConfig{
			ModificationDelay: config.DefaultModDelay,
		},
	},
}

func initConfig() {
	if proxyConfig.Config == "" {
		conf, err := config.GetConfigFile()
		if err != nil {
			logger.Error("could not create config file", slog.String("location", conf))
		}
		proxyConfig.Config = conf
	}
	viper.SetConfigFile(proxyConfig.Config)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		logger.Debug("can't read config", slog.String("error", err.Error()))
		return
	}
	if err := viper.Unmarshal(proxyConfig); err != nil {
		logger.Error("can't unmarshal config", slog.String("error", err.Error()))
	}
}

func initRoot(rootCmd *cobra.Command) {
	cobra.OnInitialize(initConfig)

	clientURL := os.Getenv("SCANPROXY_URL")
	if clientURL == "" {
		clientURL = defaultProxyURL
	}

	rootCmd.PersistentFlags().StringVar(&proxyConfig.Config, "config", config.DefaultConfigPath, "config file")
	rootCmd.PersistentFlags().BoolVarP(&proxyConfig.Debug, "debug", "d", proxyConfig.Debug, "print debug strings")
	rootCmd.PersistentFlags().StringVar(&proxyConfig.Client.URL, "url", clientURL, "scan proxy url used by client commands")
	rootCmd.PersistentFlags().StringVar(&proxyConfig.Client.Token, "token", os.Getenv("SCANPROXY_TOKEN"), "bearer token sent with scans (see login)")
	rootCmd.PersistentFlags().DurationVar(&proxyConfig.Client.Timeout, "timeout", proxyConfig.Client.Timeout, "time allowed for each client request")
	rootCmd.PersistentFlags().BoolVar(&proxyConfig.Client.Insecure, "insecure", proxyConfig.Client.Insecure, "do not check scan proxy certificates")

	serveCmd.Flags().StringVar(&proxyConfig.Server.Listen, "listen", proxyConfig.Server.Listen, "address the proxy listens on")
	serveCmd.Flags().StringVar(&proxyConfig.Upstream.URL, "upstream-url", os.Getenv("SCANPROXY_UPSTREAM_URL"), "scanning service url (E.g https://scanner.example.com)")
	serveCmd.Flags().BoolVar(&proxyConfig.Upstream.Insecure, "upstream-insecure", proxyConfig.Upstream.Insecure, "do not check scanning service certificates")
	serveCmd.Flags().DurationVar(&proxyConfig.Upstream.Timeout, "upstream-timeout", proxyConfig.Upstream.Timeout, "time allowed for each forwarded request")
	serveCmd.Flags().StringVar(&proxyConfig.Server.MaxUploadSize, "max-upload-size", proxyConfig.Server.MaxUploadSize, "maximum accepted upload (e.g., '500MiB')")

	scanCmd.Flags().IntVar(&proxyConfig.Client.Workers, "workers", proxyConfig.Client.Workers, "number of files submitted at the same time")
	scanCmd.Flags().StringVar(&proxyConfig.Client.Report, "report", proxyConfig.Client.Report, "file path where JSON scan reports are appended")
	scanCmd.Flags().StringVar(&proxyConfig.Client.Cache.Location, "cache", proxyConfig.Client.Cache.Location, "location of the result cache (leave empty for in-memory cache)")
	scanCmd.Flags().DurationVar(&proxyConfig.Client.Cache.ScanValidity, "scan-validity", proxyConfig.Client.Cache.ScanValidity, "cached results younger than this are reused")
	scanCmd.Flags().BoolVarP(&scanVerbose, "verbose", "v", false, "report all scanned files, including clean files")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "print a JSON report instead of the human summary")

	watchCmd.Flags().IntVar(&proxyConfig.Client.Workers, "workers", proxyConfig.Client.Workers, "number of files submitted at the same time")
	watchCmd.Flags().StringVar(&proxyConfig.Client.Report, "report", proxyConfig.Client.Report, "file path where JSON scan reports are appended")
	watchCmd.Flags().StringVar(&proxyConfig.Client.Cache.Location, "cache", proxyConfig.Client.Cache.Location, "location of the result cache (leave empty for in-memory cache)")
	watchCmd.Flags().DurationVar(&proxyConfig.Client.Cache.ScanValidity, "scan-validity", proxyConfig.Client.Cache.ScanValidity, "cached results younger than this are reused")
	watchCmd.Flags().BoolVarP(&scanVerbose, "verbose", "v", false, "report all scanned files, including clean files")
	watchCmd.Flags().BoolVar(&proxyConfig.Client.Watch.PreScan, "pre-scan", proxyConfig.Client.Watch.PreScan, "scan existing files when watching starts")
	watchCmd.Flags().DurationVar(&proxyConfig.Client.Watch.Period, "scan-period", proxyConfig.Client.Watch.Period, "time between full rescans of watched folders (e.g., '1h', 0 disables it)")
	watchCmd.Flags().DurationVar(&proxyConfig.Client.Watch.ModificationDelay, "mod-delay", proxyConfig.Client.Watch.ModificationDelay, "time a file must stay untouched before it is scanned")

	for _, cmd := range []*cobra.Command{scanCmd, watchCmd} {
		cmd.Flags().StringVar(&proxyConfig.Client.S3.Endpoint, "s3-endpoint", proxyConfig.Client.S3.Endpoint, "endpoint of the S3 storage used for s3:// locations")
		cmd.Flags().StringVar(&proxyConfig.Client.S3.Region, "s3-region", proxyConfig.Client.S3.Region, "S3 region")
		cmd.Flags().StringVar(&proxyConfig.Client.S3.AccessKeyID, "s3-access-key", os.Getenv("SCANPROXY_S3_ACCESS_KEY"), "S3 access key")
		cmd.Flags().StringVar(&proxyConfig.Client.S3.SecretAccessKey, "s3-secret-key", os.Getenv("SCANPROXY_S3_SECRET_KEY"), "S3 secret key")
		cmd.Flags().BoolVar(&proxyConfig.Client.S3.UsePathStyle, "s3-path-style", proxyConfig.Client.S3.UsePathStyle, "use path style S3 addressing")
		cmd.Flags().BoolVar(&proxyConfig.Client.S3.Insecure, "s3-insecure", proxyConfig.Client.S3.Insecure, "do not check S3 certificates")
	}

	for _, cmd := range []*cobra.Command{loginCmd, registerCmd} {
		cmd.Flags().StringVar(&authEmail, "email", "", "account email")
		cmd.Flags().StringVar(&authPassword, "password", os.Getenv("SCANPROXY_PASSWORD"), "account password")
	}
	registerCmd.Flags().StringVar(&authFullName, "full-name", "", "account full name")

	versionCmd.Flags().BoolVar(&versionRemote, "remote", false, "also query the proxy version")
}

var rootCmd = &cobra.Command{
	Use:   "scanproxy",
	Short: "scanproxy relays file scans to a scanning service and normalizes its results",
	// errors are printed by main_
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		err = yaml.NewEncoder(cmd.OutOrStdout()).Encode(redacted(proxyConfig))
		if err != nil {
			logger.Error("error encode yaml conf", slog.String("err", err.Error()))
			return
		}
		if err = cmd.Usage(); err != nil {
			return
		}
		return
	},
}

func redacted(conf *config.Config) config.Config {
	c := *conf
	if c.Client.Token != "" {
		c.Client.Token = "***"
	}
	if c.Client.S3.SecretAccessKey != "" {
		c.Client.S3.SecretAccessKey = "***"
	}
	return c
}

func initDebug() {
	if !proxyConfig.Debug {
		return
	}
	LogLevel.Set(slog.LevelDebug)
	handler.LogLevel.Set(slog.LevelDebug)
	proxy.LogLevel.Set(slog.LevelDebug)
	client.LogLevel.Set(slog.LevelDebug)
	scanner.LogLevel.Set(slog.LevelDebug)
	monitor.LogLevel.Set(slog.LevelDebug)
	cache.LogLevel.Set(slog.LevelDebug)
	filesystem.LogLevel.Set(slog.LevelDebug)
	datamodel.LogLevel.Set(slog.LevelDebug)
	logger.Debug("debug activated")
}

func newClient() (c *client.Client, err error) {
	c, err = client.NewClient(client.Config{
		URL:      proxyConfig.Client.URL,
		Timeout:  proxyConfig.Client.Timeout,
		Insecure: proxyConfig.Client.Insecure,
	})
	if err != nil {
		err = fmt.Errorf("could not init client: %w", err)
	}
	return
}

func checkFiles(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return errors.New("at least one file is mandatory")
	}
	for _, path := range args {
		if filesystem.IsS3Path(path) {
			continue
		}
		if _, err := os.Stat(filepath.Clean(path)); err != nil {
			return fmt.Errorf("could not check file %s: %w", path, err)
		}
	}
	return nil
}
