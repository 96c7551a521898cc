// Package config provides configuration management for acphost.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/acphost/internal/common/logger"
)

// Config holds all configuration sections.
type Config struct {
	Server       ServerConfig         `mapstructure:"server"`
	Logging      logger.LoggingConfig `mapstructure:"logging"`
	Database     DatabaseConfig       `mapstructure:"database"`
	NATS         NATSConfig           `mapstructure:"nats"`
	Agents       []AgentConfig        `mapstructure:"agents"`
	DefaultAgent string               `mapstructure:"defaultAgent"`
	AdaptersFile string               `mapstructure:"adaptersFile"`
	Terminal     TerminalConfig       `mapstructure:"terminal"`
	Spawn        SpawnConfig          `mapstructure:"spawn"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Database drivers understood by the persistence layer.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig describes one named agent profile.
type AgentConfig struct {
	ID      string            `mapstructure:"id" yaml:"id"`
	Title   string            `mapstructure:"title" yaml:"title"`
	Command string            `mapstructure:"command" yaml:"command"`
	Args    []string          `mapstructure:"args" yaml:"args"`
	Env     []string          `mapstructure:"env" yaml:"env"` // KEY=VALUE
	Cwd     string            `mapstructure:"cwd" yaml:"cwd"`
	// Adapter forces an adapter profile id instead of signature matching.
	Adapter string            `mapstructure:"adapter" yaml:"adapter"`
}

// TerminalConfig holds defaults for agent-requested terminals.
type TerminalConfig struct {
	// DefaultOutputByteLimit applies when terminal/create omits outputByteLimit.
	// Zero means unbounded.
	DefaultOutputByteLimit int `mapstructure:"defaultOutputByteLimit"`
}

// SpawnConfig controls agent process launch.
type SpawnConfig struct {
	GraceMs int `mapstructure:"graceMs"`
}

// Grace returns the post-spawn grace window.
func (s SpawnConfig) Grace() time.Duration {
	return time.Duration(s.GraceMs) * time.Millisecond
}

// Agent returns the agent profile with the given id.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", defaultDBPath())
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "acphost")
	v.SetDefault("database.dbName", "acphost")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "acphost")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("defaultAgent", "")
	v.SetDefault("adaptersFile", "")
	v.SetDefault("terminal.defaultOutputByteLimit", 0)
	v.SetDefault("spawn.graceMs", 200)
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "acphost.db"
	}
	return filepath.Join(home, ".acphost", "acphost.db")
}

// Load loads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath loads configuration, additionally searching configPath for config.yaml.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ACPHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys, bind those explicitly.
	_ = v.BindEnv("defaultAgent", "ACPHOST_DEFAULT_AGENT")
	_ = v.BindEnv("adaptersFile", "ACPHOST_ADAPTERS_FILE")
	_ = v.BindEnv("logging.outputPath", "ACPHOST_LOGGING_OUTPUT_PATH")
	_ = v.BindEnv("spawn.graceMs", "ACPHOST_SPAWN_GRACE_MS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.acphost")
	v.AddConfigPath("/etc/acphost/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks the configuration and reports every problem at once.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case DriverSQLite:
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	case DriverMemory:
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres, memory")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	seen := make(map[string]bool, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("agents[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = true
		if strings.TrimSpace(a.Command) == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].command is required", i))
		}
	}
	if cfg.DefaultAgent != "" && !seen[cfg.DefaultAgent] {
		errs = append(errs, fmt.Sprintf("defaultAgent %q is not a configured agent", cfg.DefaultAgent))
	}

	if cfg.Terminal.DefaultOutputByteLimit < 0 {
		errs = append(errs, "terminal.defaultOutputByteLimit must not be negative")
	}
	if cfg.Spawn.GraceMs < 0 {
		errs = append(errs, "spawn.graceMs must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
