// ABOUTME: Configuration loading and parsing for morrigan-server
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the file leaves fields unset.
const (
	DefaultHTTPPort        = 3000
	DefaultDBName          = "test"
	DefaultLogLevel        = "info"
	DefaultStateDir        = "/morrigan.server/state"
	DefaultOperatorTTL     = 30 * time.Minute
	DefaultClientTTL       = 30 * 24 * time.Hour
	DefaultKeyRotation     = 6 * time.Hour
	DefaultHeartbeat       = 30 * time.Second
	DefaultCheckInInterval = 30 * time.Second
)

// Config represents the complete morrigan-server configuration.
type Config struct {
	HTTP       HTTPConfig               `yaml:"http"`
	Database   DatabaseConfig           `yaml:"database"`
	Logger     LoggerConfig             `yaml:"logger"`
	Auth       AuthConfig               `yaml:"auth"`
	Tokens     TokensConfig             `yaml:"tokens"`
	Sessions   SessionsConfig           `yaml:"sessions"`
	Instances  InstancesConfig          `yaml:"instances"`
	StateDir   string                   `yaml:"state_dir"`
	Components map[string]ComponentSpec `yaml:"components"`
}

// HTTPConfig holds listener configuration.
type HTTPConfig struct {
	Port     int    `yaml:"port"`
	Secure   bool   `yaml:"secure"`
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// DatabaseConfig holds document store configuration.
type DatabaseConfig struct {
	Path   string `yaml:"path"`
	DBName string `yaml:"db_name"`
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Console *bool  `yaml:"console"` // default true
	LogDir  string `yaml:"log_dir"` // enables the file sink when set
	Level   string `yaml:"level"`
}

// AuthConfig holds identity bootstrap configuration.
type AuthConfig struct {
	// BootstrapPassword seeds the admin identity on an empty identity
	// collection. Required for first start; it must be changed on first use.
	BootstrapPassword string `yaml:"bootstrap_password"`
}

// TokensConfig holds token service timing configuration.
type TokensConfig struct {
	OperatorTTL time.Duration `yaml:"-"`
	ClientTTL   time.Duration `yaml:"-"`
	KeyRotation time.Duration `yaml:"-"`

	OperatorTTLRaw string `yaml:"operator_ttl"`
	ClientTTLRaw   string `yaml:"client_ttl"`
	KeyRotationRaw string `yaml:"key_rotation"`
}

// SessionsConfig holds agent session timing configuration.
type SessionsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
}

// InstancesConfig holds liveness reporter configuration.
type InstancesConfig struct {
	CheckInInterval time.Duration `yaml:"-"`

	CheckInIntervalRaw string `yaml:"check_in_interval"`
}

// ComponentSpec is the free-form per-component configuration passed through
// to the component's setup hook.
type ComponentSpec map[string]any

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML config bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable
// values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.Database.DBName == "" {
		c.Database.DBName = DefaultDBName
	}
	if c.Logger.Level == "" {
		c.Logger.Level = DefaultLogLevel
	}
	if c.Logger.Console == nil {
		on := true
		c.Logger.Console = &on
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.Tokens.OperatorTTL == 0 {
		c.Tokens.OperatorTTL = DefaultOperatorTTL
	}
	if c.Tokens.ClientTTL == 0 {
		c.Tokens.ClientTTL = DefaultClientTTL
	}
	if c.Tokens.KeyRotation == 0 && c.Tokens.KeyRotationRaw == "" {
		c.Tokens.KeyRotation = DefaultKeyRotation
	}
	if c.Sessions.HeartbeatInterval == 0 {
		c.Sessions.HeartbeatInterval = DefaultHeartbeat
	}
	if c.Instances.CheckInInterval == 0 {
		c.Instances.CheckInInterval = DefaultCheckInInterval
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}

	// Absent TLS material is fatal when secure mode is requested.
	if c.HTTP.Secure {
		if c.HTTP.CertPath == "" || c.HTTP.KeyPath == "" {
			return fmt.Errorf("http.secure requires cert_path and key_path")
		}
		if _, err := os.Stat(c.HTTP.CertPath); err != nil {
			return fmt.Errorf("http.cert_path: %w", err)
		}
		if _, err := os.Stat(c.HTTP.KeyPath); err != nil {
			return fmt.Errorf("http.key_path: %w", err)
		}
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logger.level %q is not one of debug/info/warn/error", c.Logger.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Tokens.OperatorTTLRaw, "tokens.operator_ttl", &cfg.Tokens.OperatorTTL},
		{cfg.Tokens.ClientTTLRaw, "tokens.client_ttl", &cfg.Tokens.ClientTTL},
		{cfg.Tokens.KeyRotationRaw, "tokens.key_rotation", &cfg.Tokens.KeyRotation},
		{cfg.Sessions.HeartbeatIntervalRaw, "sessions.heartbeat_interval", &cfg.Sessions.HeartbeatInterval},
		{cfg.Instances.CheckInIntervalRaw, "instances.check_in_interval", &cfg.Instances.CheckInInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
