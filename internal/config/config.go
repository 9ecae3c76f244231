package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maxiofs/nativekv/pkg/engine"
)

// Config holds all configuration for nativekv
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json, text

	// Engine selects the embedded store: pebble or badger
	Engine string `mapstructure:"engine"`

	Database DatabaseConfig `mapstructure:"database"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// DatabaseConfig holds the tuning options passed to the engine at open.
// Sizes accept human-readable strings such as "64MiB".
type DatabaseConfig struct {
	CreateIfMissing      bool   `mapstructure:"create_if_missing"`
	ErrorIfExists        bool   `mapstructure:"error_if_exists"`
	ParanoidChecks       bool   `mapstructure:"paranoid_checks"`
	WriteBufferSize      string `mapstructure:"write_buffer_size"`
	MaxOpenFiles         int    `mapstructure:"max_open_files"`
	BlockSize            string `mapstructure:"block_size"`
	BlockRestartInterval int    `mapstructure:"block_restart_interval"`
	MaxFileSize          string `mapstructure:"max_file_size"` // "-1" leaves it to the engine
	Compression          string `mapstructure:"compression"`   // none, snappy, zstd
	CacheSize            string `mapstructure:"cache_size"`
}

// RuntimeConfig bounds the resources the boundary layer may hold at once.
type RuntimeConfig struct {
	MaxPins        int    `mapstructure:"max_pins"`
	MaxNativeBytes string `mapstructure:"max_native_bytes"` // "0" means unlimited
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable    bool   `mapstructure:"enable"`
	Namespace string `mapstructure:"namespace"`
}

// Load loads configuration from various sources
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Bind command line flags
	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Read from config file if specified
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables
	v.SetEnvPrefix("NATIVEKV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// NO default for data_dir - must be explicitly configured
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("engine", string(engine.Pebble))

	defaults := engine.DefaultOptions()
	v.SetDefault("database.create_if_missing", defaults.CreateIfMissing)
	v.SetDefault("database.error_if_exists", false)
	v.SetDefault("database.paranoid_checks", false)
	v.SetDefault("database.write_buffer_size", "0")
	v.SetDefault("database.max_open_files", 0)
	v.SetDefault("database.block_size", "0")
	v.SetDefault("database.block_restart_interval", 0)
	v.SetDefault("database.max_file_size", "-1")
	v.SetDefault("database.compression", defaults.Compression.String())
	v.SetDefault("database.cache_size", humanize.IBytes(uint64(defaults.CacheSize)))

	v.SetDefault("runtime.max_pins", 1024)
	v.SetDefault("runtime.max_native_bytes", "256MiB")

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.namespace", "nativekv")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"data-dir":    "data_dir",
		"log-level":   "log_level",
		"log-format":  "log_format",
		"engine":      "engine",
		"compression": "database.compression",
		"cache-size":  "database.cache_size",

		"paranoid-checks": "database.paranoid_checks",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or NATIVEKV_DATA_DIR environment variable")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if _, err := engine.ParseKind(cfg.Engine); err != nil {
		return err
	}
	if _, err := cfg.EngineOptions(); err != nil {
		return err
	}
	if cfg.Runtime.MaxPins < 0 {
		return fmt.Errorf("runtime.max_pins must not be negative")
	}
	if _, err := parseSize(cfg.Runtime.MaxNativeBytes); err != nil {
		return fmt.Errorf("runtime.max_native_bytes: %w", err)
	}

	return nil
}

// EngineKind returns the configured engine.
func (c *Config) EngineKind() engine.Kind {
	kind, err := engine.ParseKind(c.Engine)
	if err != nil {
		return engine.Pebble
	}
	return kind
}

// EngineOptions converts the database section into engine options.
func (c *Config) EngineOptions() (engine.Options, error) {
	d := c.Database
	opts := engine.Options{
		CreateIfMissing:      d.CreateIfMissing,
		ErrorIfExists:        d.ErrorIfExists,
		ParanoidChecks:       d.ParanoidChecks,
		MaxOpenFiles:         d.MaxOpenFiles,
		BlockRestartInterval: d.BlockRestartInterval,
	}

	var err error
	if opts.WriteBufferSize, err = parseSize(d.WriteBufferSize); err != nil {
		return opts, fmt.Errorf("database.write_buffer_size: %w", err)
	}
	blockSize, err := parseSize(d.BlockSize)
	if err != nil {
		return opts, fmt.Errorf("database.block_size: %w", err)
	}
	opts.BlockSize = int(blockSize)
	if strings.TrimSpace(d.MaxFileSize) == "-1" {
		opts.MaxFileSize = -1
	} else if opts.MaxFileSize, err = parseSize(d.MaxFileSize); err != nil {
		return opts, fmt.Errorf("database.max_file_size: %w", err)
	}
	if opts.CacheSize, err = parseSize(d.CacheSize); err != nil {
		return opts, fmt.Errorf("database.cache_size: %w", err)
	}
	if opts.Compression, err = engine.ParseCompression(d.Compression); err != nil {
		return opts, fmt.Errorf("database.compression: %w", err)
	}

	return opts, opts.Validate()
}

// MaxNativeBytes returns the native heap limit in bytes; zero is unlimited.
func (c *Config) MaxNativeBytes() int64 {
	n, _ := parseSize(c.Runtime.MaxNativeBytes)
	return n
}

// parseSize accepts "", "0" and humanize byte strings ("8MiB", "64 KB").
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return int64(n), nil
}
