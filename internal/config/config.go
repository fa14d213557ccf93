// Package config loads mount configuration from defaults, an optional YAML
// file, environment variables and command-line flags, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendS3     = "s3"
	BackendLocal  = "local"
	BackendMemory = "memory"
)

// Config holds all bucketfs settings.
type Config struct {
	// Object store
	Backend   string `yaml:"backend"`
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	PathStyle bool   `yaml:"path_style"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
	LocalRoot string `yaml:"local_root"`

	// Cache and tree
	CacheDir   string        `yaml:"cache_dir"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`

	// Mount
	Mountpoint string `yaml:"-"`
	Mode       string `yaml:"mode"`
	FuseDebug  bool   `yaml:"fuse_debug"`

	// Logging and metrics
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Defaults returns the built-in settings.
func Defaults() *Config {
	return &Config{
		Backend:    BackendS3,
		Region:     "us-east-1",
		CacheDir:   filepath.Join(os.TempDir(), "bucketfs-cache"),
		RefreshTTL: 6 * time.Second,
		Mode:       "cgofuse",
		LogLevel:   "info",
		LogFormat:  "console",
	}
}

// Load builds the configuration for the command line args (without the
// program name). It returns pflag.ErrHelp when help was requested.
func Load(args []string) (*Config, error) {
	cfg := Defaults()

	flags := pflag.NewFlagSet("bucketfs", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "Usage: bucketfs [flags] MOUNTPOINT\n\nFlags:\n")
		flags.PrintDefaults()
	}
	configPath := flags.String("config", envOr("BUCKETFS_CONFIG", ""), "YAML config file")
	bucket := flags.String("bucket", "", "bucket name")
	endpoint := flags.String("endpoint", "", "S3 endpoint URL (empty for AWS)")
	region := flags.String("region", "", "S3 region")
	pathStyle := flags.Bool("path-style", false, "use path-style bucket addressing")
	backend := flags.String("backend", "", "object store backend: s3, local or memory")
	localRoot := flags.String("local-root", "", "directory used by the local backend")
	cacheDir := flags.String("cache", "", "scratch directory for cached objects (wiped at start)")
	refreshTTL := flags.Duration("refresh-ttl", 0, "minimum interval between listings of one directory")
	mode := flags.String("mode", "", "FUSE library: cgofuse or gofuse")
	fuseDebug := flags.Bool("fuse-debug", false, "log every FUSE request")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	logFormat := flags.String("log-format", "", "log format: console or json")
	metricsAddr := flags.String("metrics-addr", "", "serve Prometheus metrics on this address")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		if err := cfg.loadFile(*configPath); err != nil {
			return nil, err
		}
	}

	cfg.loadEnv()

	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("bucket", func() { cfg.Bucket = *bucket })
	set("endpoint", func() { cfg.Endpoint = *endpoint })
	set("region", func() { cfg.Region = *region })
	set("path-style", func() { cfg.PathStyle = *pathStyle })
	set("backend", func() { cfg.Backend = *backend })
	set("local-root", func() { cfg.LocalRoot = *localRoot })
	set("cache", func() { cfg.CacheDir = *cacheDir })
	set("refresh-ttl", func() { cfg.RefreshTTL = *refreshTTL })
	set("mode", func() { cfg.Mode = *mode })
	set("fuse-debug", func() { cfg.FuseDebug = *fuseDebug })
	set("log-level", func() { cfg.LogLevel = *logLevel })
	set("log-format", func() { cfg.LogFormat = *logFormat })
	set("metrics-addr", func() { cfg.MetricsAddr = *metricsAddr })

	switch flags.NArg() {
	case 0:
	case 1:
		cfg.Mountpoint = flags.Arg(0)
	default:
		return nil, fmt.Errorf("unexpected argument: %s", flags.Arg(1))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	c.AccessKey = envOr("AWS_ACCESS_KEY_ID", c.AccessKey)
	c.SecretKey = envOr("AWS_SECRET_ACCESS_KEY", c.SecretKey)
	c.Bucket = envOr("BUCKETFS_BUCKET", c.Bucket)
	c.Endpoint = envOr("BUCKETFS_ENDPOINT", c.Endpoint)
	c.Region = envOr("BUCKETFS_REGION", c.Region)
	c.PathStyle = envBool("BUCKETFS_PATH_STYLE", c.PathStyle)
	c.Backend = envOr("BUCKETFS_BACKEND", c.Backend)
	c.LocalRoot = envOr("BUCKETFS_LOCAL_ROOT", c.LocalRoot)
	c.CacheDir = envOr("BUCKETFS_CACHE_DIR", c.CacheDir)
	c.RefreshTTL = envDuration("BUCKETFS_REFRESH_TTL", c.RefreshTTL)
	c.Mode = envOr("BUCKETFS_MODE", c.Mode)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
}

// Validate checks that the settings needed to mount are present.
func (c *Config) Validate() error {
	if c.Mountpoint == "" {
		return fmt.Errorf("mountpoint argument is required")
	}

	switch c.Backend {
	case BackendS3:
		if c.AccessKey == "" {
			return fmt.Errorf("AWS_ACCESS_KEY_ID is required")
		}
		if c.SecretKey == "" {
			return fmt.Errorf("AWS_SECRET_ACCESS_KEY is required")
		}
		if c.Bucket == "" {
			return fmt.Errorf("bucket is required (BUCKETFS_BUCKET or --bucket)")
		}
	case BackendLocal:
		if c.LocalRoot == "" {
			return fmt.Errorf("local root is required for the local backend (BUCKETFS_LOCAL_ROOT or --local-root)")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	switch c.Mode {
	case "cgofuse", "gofuse":
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}

	if c.RefreshTTL <= 0 {
		return fmt.Errorf("refresh TTL must be positive, got %s", c.RefreshTTL)
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache dir is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
