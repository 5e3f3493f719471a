package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"

	"github.com/bcnelson/persistence-stack/internal/domain"
)

// Config holds all configuration for the application.
type Config struct {
	Log    LogConfig
	Server ServerConfig
	Stack  StackConfig
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" envDefault:"8080"`
	// APIToken, when set, is required as a bearer token on /api/v1.
	APIToken string `env:"SERVER_API_TOKEN"`
}

// StackConfig holds the root stack's model and stores.
type StackConfig struct {
	ModelURL string `env:"STACK_MODEL_URL" envDefault:"configs/model.yaml"`
	// Stores is a comma separated list of type:location#configuration.
	Stores           []string      `env:"STACK_STORES" envSeparator:"," envDefault:"sqlite3:data/stack.db"`
	AutoSaveDebounce time.Duration `env:"STACK_AUTOSAVE_DEBOUNCE" envDefault:"0s"`
	CascadeSaves     bool          `env:"STACK_CASCADE_SAVES" envDefault:"true"`
	DeleteOnCleanup  bool          `env:"STACK_DELETE_ON_CLEANUP" envDefault:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(&cfg.Log); err != nil {
		return nil, fmt.Errorf("parsing log config: %w", err)
	}
	if err := env.Parse(&cfg.Server); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := env.Parse(&cfg.Stack); err != nil {
		return nil, fmt.Errorf("parsing stack config: %w", err)
	}

	return cfg, nil
}

// Addr returns the server address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Descriptors parses Stores.
func (c *StackConfig) Descriptors() ([]domain.Descriptor, error) {
	descs := make([]domain.Descriptor, 0, len(c.Stores))
	for _, s := range c.Stores {
		if strings.TrimSpace(s) == "" {
			continue
		}
		d, err := ParseStore(s)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// ParseStore parses one store descriptor of the form
// type[:location][#configuration], for example "sqlite3:data/notes.db#Notes"
// or "postgres:postgres://user@db/notes?sslmode=disable".
func ParseStore(s string) (domain.Descriptor, error) {
	s = strings.TrimSpace(s)
	var d domain.Descriptor

	if i := strings.LastIndex(s, "#"); i >= 0 {
		d.Config = s[i+1:]
		s = s[:i]
	}
	kind, location, _ := strings.Cut(s, ":")
	d.Kind = strings.TrimSpace(kind)
	d.Location = strings.TrimSpace(location)

	if d.Kind == "" {
		return domain.Descriptor{}, fmt.Errorf("store %q: type is required", s)
	}
	switch d.Kind {
	case domain.StoreTypeMemory:
	case domain.StoreTypeSQLite, domain.StoreTypePostgres:
		if d.Location == "" {
			return domain.Descriptor{}, fmt.Errorf("store %q: %s needs a location", s, d.Kind)
		}
	default:
		return domain.Descriptor{}, fmt.Errorf("store %q: unknown type %q", s, d.Kind)
	}
	return d, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Stack.ModelURL == "" {
		return fmt.Errorf("STACK_MODEL_URL is required")
	}
	if c.Stack.AutoSaveDebounce < 0 {
		return fmt.Errorf("STACK_AUTOSAVE_DEBOUNCE must not be negative")
	}

	descs, err := c.Stack.Descriptors()
	if err != nil {
		return fmt.Errorf("STACK_STORES: %w", err)
	}
	if len(descs) == 0 {
		return fmt.Errorf("STACK_STORES needs at least one store")
	}
	return nil
}
