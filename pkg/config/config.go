package config

import (
	"fmt"
	"time"

	"github.com/alecthomas/units"
)

// Version is the integer marker served on GET /version.
const Version = 1

var (
	DefaultListenAddress = ":8080"
	DefaultMaxUploadSize = "500MiB"
	DefaultTimeout       = 5 * time.Minute
	DefaultWorkers       = 4
	DefaultScanValidity  = time.Hour * 24 * 7
	DefaultModDelay      = 30 * time.Second
)

type ServerConfig struct {
	Listen        string        `mapstructure:"listen" yaml:"listen" desc:"address the proxy listens on"`
	MaxUploadSize string        `mapstructure:"maxUploadSize" yaml:"maxUploadSize" desc:"maximum accepted upload (e.g. '500MiB', '1GiB')"`
	ReadTimeout   time.Duration `mapstructure:"readTimeout" yaml:"readTimeout" desc:"time allowed to read a whole request"`
}

type UpstreamConfig struct {
	URL      string        `mapstructure:"url" yaml:"url" desc:"base URL of the scanning service (E.g https://scanner.example.com)"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout" desc:"time allowed for a single forwarded request"`
	Insecure bool          `mapstructure:"insecure" yaml:"insecure" desc:"do not check upstream certificates"`
}

type CacheConfig struct {
	Location     string        `mapstructure:"location" yaml:"location" desc:"location of the cache file. if empty, cache will be volatile"`
	ScanValidity time.Duration `mapstructure:"scanValidity" yaml:"scanValidity" desc:"files scanned more recently than this are not submitted again"`
}

type WatchConfig struct {
	PreScan           bool          `mapstructure:"preScan" yaml:"preScan" desc:"scan existing files when watching starts"`
	Period            time.Duration `mapstructure:"period" yaml:"period" desc:"time between full rescans of watched folders, 0 disables it"`
	ModificationDelay time.Duration `mapstructure:"modificationDelay" yaml:"modificationDelay" desc:"time a file must stay untouched before it is scanned"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint" desc:"S3 endpoint, leave empty for AWS"`
	Region          string `mapstructure:"region" yaml:"region" desc:"S3 region"`
	AccessKeyID     string `mapstructure:"accessKeyID" yaml:"accessKeyID" desc:"S3 access key, leave empty to use the default AWS credential chain"`
	SecretAccessKey string `mapstructure:"secretAccessKey" yaml:"secretAccessKey" password:"true" desc:"S3 secret key"`
	UsePathStyle    bool   `mapstructure:"usePathStyle" yaml:"usePathStyle" desc:"use path style addressing (needed by most S3 compatible storages)"`
	Insecure        bool   `mapstructure:"insecure" yaml:"insecure" desc:"do not check S3 certificates"`
}

type ClientConfig struct {
	URL      string        `mapstructure:"url" yaml:"url" desc:"URL of the scan proxy"`
	Token    string        `mapstructure:"token" yaml:"token" password:"true" desc:"bearer token sent with scans"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout" desc:"time allowed for each scan"`
	Insecure bool          `mapstructure:"insecure" yaml:"insecure" desc:"do not check scan proxy certificates"`
	Workers  int           `mapstructure:"workers" yaml:"workers" desc:"number of files submitted at the same time"`
	Report   string        `mapstructure:"report" yaml:"report" desc:"file path for JSON scan reports (leave empty to skip)"`
	Cache    CacheConfig   `mapstructure:"cache" yaml:"cache" desc:"local result cache"`
	Watch    WatchConfig   `mapstructure:"watch" yaml:"watch" desc:"folder watching"`
	S3       S3Config      `mapstructure:"s3" yaml:"s3" desc:"S3 storage used for s3:// locations"`
}

type Config struct {
	Config   string         `mapstructure:"config" yaml:"config" desc:"path to configuration file"`
	Debug    bool           `mapstructure:"debug" yaml:"debug" desc:"print debug strings"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server" desc:"proxy server configuration"`
	Upstream UpstreamConfig `mapstructure:"upstream" yaml:"upstream" desc:"scanning service configuration"`
	Client   ClientConfig   `mapstructure:"client" yaml:"client" desc:"scan client configuration"`
}

// MaxUploadBytes parses Server.MaxUploadSize, falling back to DefaultMaxUploadSize.
func (c *Config) MaxUploadBytes() (size int64, err error) {
	raw := c.Server.MaxUploadSize
	if raw == "" {
		raw = DefaultMaxUploadSize
	}
	size, err = units.ParseStrictBytes(raw)
	if err != nil {
		err = fmt.Errorf("invalid max upload size %q: %w", raw, err)
		return
	}
	if size < 1 {
		err = fmt.Errorf("invalid max upload size %q: must be positive", raw)
		return
	}
	return
}
