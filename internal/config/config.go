// Package config loads runtime settings from defaults, an optional TOML
// file and TEMPLATE_LEDGER_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"template-ledger/internal/auth"
	"template-ledger/internal/keylock"
	"template-ledger/internal/objectstore"
)

const EnvPrefix = "TEMPLATE_LEDGER"

const (
	BackendJSON     = "json"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	Storage     StorageConfig      `mapstructure:"storage"`
	Server      ServerConfig       `mapstructure:"server"`
	Auth        auth.Config        `mapstructure:"auth"`
	Locking     LockingConfig      `mapstructure:"locking"`
	ObjectStore objectstore.Config `mapstructure:"objectstore"`
	Preview     PreviewConfig      `mapstructure:"preview"`
	Log         LogConfig          `mapstructure:"log"`
}

type StorageConfig struct {
	Backend      string        `mapstructure:"backend"`
	Path         string        `mapstructure:"path"`
	SQLitePath   string        `mapstructure:"sqlite_path"`
	PostgresURL  string        `mapstructure:"postgres_url"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout"`
}

type ServerConfig struct {
	Addr             string        `mapstructure:"addr"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ValidateRequests bool          `mapstructure:"validate_requests"`
}

type LockingConfig struct {
	Mode string `mapstructure:"mode"`
}

type PreviewConfig struct {
	TemplateDir string `mapstructure:"template_dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key so environment overrides are picked up
// by Unmarshal even when no config file mentions them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", BackendJSON)
	v.SetDefault("storage.path", "./data")
	v.SetDefault("storage.sqlite_path", "./data/templates.db")
	v.SetDefault("storage.postgres_url", "")
	v.SetDefault("storage.max_open_conns", 10)
	v.SetDefault("storage.ping_timeout", 5*time.Second)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.validate_requests", true)

	v.SetDefault("auth.mode", auth.ModeNone)
	v.SetDefault("auth.header", "X-User-ID")
	v.SetDefault("auth.oidc_issuer", "")
	v.SetDefault("auth.oidc_client_id", "")
	v.SetDefault("auth.email_claim", "email")

	v.SetDefault("locking.mode", "block")

	v.SetDefault("objectstore.endpoint", "")
	v.SetDefault("objectstore.access_key", "")
	v.SetDefault("objectstore.secret_key", "")
	v.SetDefault("objectstore.region", "us-east-1")
	v.SetDefault("objectstore.use_ssl", false)
	v.SetDefault("objectstore.bucket", "template-backups")
	v.SetDefault("objectstore.prefix", "bundles")

	v.SetDefault("preview.template_dir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile (TOML unless the extension says otherwise) into v
// when it is non-empty, then unmarshals and validates.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if !strings.Contains(configFile, ".") {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendJSON:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path is required for the json backend")
		}
	case BackendSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			return errors.New("storage.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Storage.PostgresURL) == "" {
			return errors.New("storage.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unsupported storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.MaxOpenConns < 1 {
		return errors.New("storage.max_open_conns must be >= 1")
	}
	if c.Storage.PingTimeout <= 0 {
		return errors.New("storage.ping_timeout must be positive")
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	if c.Server.RequestTimeout <= 0 {
		return errors.New("server.request_timeout must be positive")
	}

	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if _, err := keylock.ParseMode(c.Locking.Mode); err != nil {
		return fmt.Errorf("locking.mode: %w", err)
	}
	if c.ObjectStore.Enabled() {
		if err := c.ObjectStore.Validate(); err != nil {
			return fmt.Errorf("objectstore: %w", err)
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log.format %q", c.Log.Format)
	}
	return nil
}
