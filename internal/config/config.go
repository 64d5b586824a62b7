package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Storage   StorageConfig  `mapstructure:"storage"`
	Engine    EngineConfig   `mapstructure:"engine"`
	Log       LogConfig      `mapstructure:"log"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
	JWTSecret string         `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	LocalPath   string `mapstructure:"local_path"`
	MaxFileSize int64  `mapstructure:"max_file_size"`
}

// EngineConfig bounds view pagination, controls how long a loaded
// schema snapshot is served before it is reloaded, and sets webhook
// retry behaviour.
type EngineConfig struct {
	DefaultPageSize int           `mapstructure:"default_page_size"`
	MaxPageSize     int           `mapstructure:"max_page_size"`
	SchemaTTL       time.Duration `mapstructure:"schema_ttl"`
	WebhookAttempts int           `mapstructure:"webhook_attempts"`
	WebhookBackoff  time.Duration `mapstructure:"webhook_backoff"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.IsSQLite() {
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "" || d.Driver == "sqlite"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "entity_engine")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("jwt_secret", "changeme-secret")
	v.SetDefault("storage.local_path", "./uploads")
	v.SetDefault("storage.max_file_size", 10485760)
	v.SetDefault("engine.default_page_size", 25)
	v.SetDefault("engine.max_page_size", 100)
	v.SetDefault("engine.schema_ttl", 30*time.Second)
	v.SetDefault("engine.webhook_attempts", 3)
	v.SetDefault("engine.webhook_backoff", 2*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads app.yaml from the working directory (or two levels up) and
// applies environment overrides such as DATABASE_DRIVER. A missing file is
// not an error; defaults and environment still apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("../..")
	return load(v)
}

// LoadFile reads an explicit config file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
