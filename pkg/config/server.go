package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage driver names accepted in ServerConfig.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// ServerConfig is the host daemon configuration (burrow.yaml).
type ServerConfig struct {
	// HTTPPort is the port the echo server listens on.
	HTTPPort int `yaml:"http_port"`

	// Driver selects the storage driver: "sqlite" or "postgres".
	Driver string `yaml:"driver"`

	// SQLitePath is the data directory for the sqlite driver; it holds the
	// runtime database and per-actor user databases.
	SQLitePath string `yaml:"sqlite_path"`

	// PostgresDSN is the connection string for the postgres driver.
	// Usually set via BURROW_POSTGRES_DSN rather than the file.
	PostgresDSN string `yaml:"postgres_dsn"`

	// AllowedWSOrigins restricts websocket upgrades. Empty means same-origin
	// verification is skipped (development mode).
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`

	// InspectorEnabled exposes the inspector route group.
	InspectorEnabled bool `yaml:"inspector_enabled"`

	// WSWriteTimeout bounds a single outgoing websocket write.
	WSWriteTimeout time.Duration `yaml:"ws_write_timeout"`

	// Runtime holds the default per-actor options; definitions may override
	// individual fields.
	Runtime *Options `yaml:"runtime"`
}

// DefaultServerConfig returns the built-in daemon defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		HTTPPort:         8080,
		Driver:           "sqlite",
		SQLitePath:       "./burrow-data",
		InspectorEnabled: true,
		WSWriteTimeout:   10 * time.Second,
		Runtime:          DefaultOptions(),
	}
}

// LoadServerConfig reads path (if it exists), overlays environment variables,
// and validates the result. A missing file is not an error: defaults plus
// environment are a complete configuration.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env overlay
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			data = expandEnv(data)
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			if cfg.Runtime == nil {
				cfg.Runtime = DefaultOptions()
			} else {
				cfg.Runtime = cfg.Runtime.Merge(DefaultOptions())
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious misconfiguration.
func (c *ServerConfig) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d is out of range", c.HTTPPort)
	}
	switch c.Driver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown driver %q (want sqlite, postgres, or memory)", c.Driver)
	}
	if c.Driver == DriverPostgres && c.PostgresDSN == "" {
		return fmt.Errorf("driver postgres requires postgres_dsn or BURROW_POSTGRES_DSN")
	}
	return nil
}

// expandEnv substitutes {{.VAR_NAME}} template references in config content
// with environment variable values. Template syntax is used instead of $ so
// literal dollars (DSN passwords, patterns) pass through untouched. Content
// that fails to parse or execute is returned as-is.
func expandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := strings.IndexByte(env, '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}

// applyEnvOverrides overlays BURROW_* environment variables onto cfg.
func applyEnvOverrides(cfg *ServerConfig) {
	if v := os.Getenv("BURROW_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = port
		}
	}
	if v := os.Getenv("BURROW_DRIVER"); v != "" {
		cfg.Driver = v
	}
	if v := os.Getenv("BURROW_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("BURROW_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("BURROW_SLEEP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Runtime.SleepTimeout = d
		}
	}
	if v := os.Getenv("BURROW_NO_SLEEP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Runtime.NoSleep = b
		}
	}
}
