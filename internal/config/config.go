package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/combinator/combinator/internal/kv"
	"github.com/combinator/combinator/internal/middleware"
	"github.com/combinator/combinator/internal/rdb"
	"github.com/combinator/combinator/internal/registry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. COMBINATOR_KV_AUTO_CREATE.
const EnvPrefix = "COMBINATOR"

// Config holds all configuration for the gateway
type Config struct {
	Listen    string `mapstructure:"listen"`
	DataDir   string `mapstructure:"data_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // text, json

	Server  ServerConfig  `mapstructure:"server"`
	KV      StoresConfig  `mapstructure:"kv"`
	RDB     StoresConfig  `mapstructure:"rdb"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig defines HTTP server limits
type ServerConfig struct {
	ReadTimeout    int     `mapstructure:"read_timeout"`  // seconds
	WriteTimeout   int     `mapstructure:"write_timeout"` // seconds
	IdleTimeout    int     `mapstructure:"idle_timeout"`  // seconds
	MaxBodyBytes   int64   `mapstructure:"max_body_bytes"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"` // 0 disables rate limiting
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	CORS           bool    `mapstructure:"cors"`

	// TrustedProxies are IPs or CIDRs, beyond loopback and private ranges,
	// whose X-Forwarded-For header identifies the client.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// StoresConfig defines how store IDs of one kind map to engines
type StoresConfig struct {
	AutoCreate bool          `mapstructure:"auto_create"`
	DefaultURL string        `mapstructure:"default_url"`
	Stores     []StoreConfig `mapstructure:"stores"`
}

// StoreConfig pins one store ID to an engine URL
type StoreConfig struct {
	ID  string `mapstructure:"id"`
	URL string `mapstructure:"url"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Path     string `mapstructure:"path"`
	Interval int    `mapstructure:"interval"` // seconds between system samples
}

// Entries converts the static store list to registry entries.
func (s StoresConfig) Entries() []registry.Entry {
	entries := make([]registry.Entry, 0, len(s.Stores))
	for _, store := range s.Stores {
		entries = append(entries, registry.Entry{ID: store.ID, URL: store.URL})
	}
	return entries
}

// Load loads configuration from defaults, flags, an optional config file
// and the environment, in increasing order of precedence for file and env.
func Load(cmd *cobra.Command) (*Config, error) {
	v, err := newViper(cmd)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Bind command line flags
	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Read from config file if specified
	if configFile := flagString(cmd, "config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
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
	v.SetDefault("listen", "localhost:8899")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	// Server defaults
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.idle_timeout", 60)
	v.SetDefault("server.max_body_bytes", 64<<20)
	v.SetDefault("server.rate_limit_rps", 0)
	v.SetDefault("server.rate_limit_burst", 0)
	v.SetDefault("server.cors", true)
	v.SetDefault("server.trusted_proxies", []string{})

	// Store defaults
	v.SetDefault("kv.auto_create", true)
	v.SetDefault("kv.default_url", "memory://")
	v.SetDefault("kv.stores", []map[string]string{})
	v.SetDefault("rdb.auto_create", true)
	v.SetDefault("rdb.default_url", "sqlite://{data_dir}/rdb/{hash}.db")
	v.SetDefault("rdb.stores", []map[string]string{})

	// Metrics defaults
	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.interval", 15)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":     "listen",
		"data-dir":   "data_dir",
		"log-level":  "log_level",
		"log-format": "log_format",
	}

	for flag, key := range flags {
		f := lookupFlag(cmd, flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

// lookupFlag finds a flag whether or not cobra has merged persistent flags yet.
func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f
	}
	return cmd.PersistentFlags().Lookup(name)
}

func flagString(cmd *cobra.Command, name string) string {
	if f := lookupFlag(cmd, name); f != nil {
		return f.Value.String()
	}
	return ""
}

func validate(cfg *Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or %s_DATA_DIR environment variable", EnvPrefix)
	}

	// Make data_dir absolute so {data_dir} expands to a stable path
	if !filepath.IsAbs(cfg.DataDir) {
		absDir, err := filepath.Abs(cfg.DataDir)
		if err == nil {
			cfg.DataDir = absDir
		}
	}
	cfg.DataDir = filepath.ToSlash(cfg.DataDir)

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q: must be text or json", cfg.LogFormat)
	}

	if cfg.Server.ReadTimeout <= 0 || cfg.Server.WriteTimeout <= 0 || cfg.Server.IdleTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Server.RateLimitRPS < 0 {
		return fmt.Errorf("server.rate_limit_rps cannot be negative")
	}
	if cfg.Server.RateLimitRPS > 0 && cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = int(cfg.Server.RateLimitRPS)
		if cfg.Server.RateLimitBurst < 1 {
			cfg.Server.RateLimitBurst = 1
		}
	}

	if _, err := middleware.ParseTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return fmt.Errorf("server.trusted_proxies: %w", err)
	}

	if err := validateStores("kv", cfg.KV, cfg.DataDir, func(raw string) (string, error) {
		parsed, err := kv.ParseURL(raw)
		if err != nil {
			return "", err
		}
		return parsed.Location(), nil
	}); err != nil {
		return err
	}
	if err := validateStores("rdb", cfg.RDB, cfg.DataDir, func(raw string) (string, error) {
		parsed, err := rdb.ParseURL(raw)
		if err != nil {
			return "", err
		}
		return parsed.Location(), nil
	}); err != nil {
		return err
	}

	if cfg.Metrics.Enable {
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with /")
		}
		if cfg.Metrics.Interval <= 0 {
			return fmt.Errorf("metrics.interval must be positive")
		}
	}

	return nil
}

// validateStores checks that every configured URL expands and parses, that
// static store IDs are valid and unique, and that no two stores can share
// storage. locate parses an expanded URL and returns its storage location,
// "" when the engine is private to its handle.
func validateStores(kind string, stores StoresConfig, dataDir string, locate func(string) (string, error)) error {
	check := func(what, template, id string) (string, error) {
		expanded, err := registry.Expand(template, id, dataDir)
		if err != nil {
			return "", fmt.Errorf("%s.%s: %w", kind, what, err)
		}
		location, err := locate(expanded)
		if err != nil {
			return "", fmt.Errorf("%s.%s: %w", kind, what, err)
		}
		return location, nil
	}

	if stores.AutoCreate {
		first, err := check("default_url", stores.DefaultURL, "example-a")
		if err != nil {
			return err
		}
		second, err := check("default_url", stores.DefaultURL, "example-b")
		if err != nil {
			return err
		}
		if first != "" && first == second {
			return fmt.Errorf("%s.default_url: %q must contain {id} or {hash} so auto-created stores do not share storage", kind, stores.DefaultURL)
		}
	}

	seen := make(map[string]bool, len(stores.Stores))
	owners := make(map[string]string, len(stores.Stores))
	for i, store := range stores.Stores {
		if err := registry.ValidateID(store.ID); err != nil {
			return fmt.Errorf("%s.stores[%d]: %w", kind, i, err)
		}
		if seen[store.ID] {
			return fmt.Errorf("%s.stores[%d]: duplicate id %q", kind, i, store.ID)
		}
		seen[store.ID] = true

		location, err := check(fmt.Sprintf("stores[%d].url", i), store.URL, store.ID)
		if err != nil {
			return err
		}
		if location == "" {
			continue
		}
		if owner, taken := owners[location]; taken {
			return fmt.Errorf("%s.stores[%d]: store %q uses the same storage as store %q", kind, i, store.ID, owner)
		}
		owners[location] = store.ID
	}
	return nil
}
