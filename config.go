package usagemeter

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Plans          []PlanConfig   `yaml:"plans"`
	StaleAfter     time.Duration  `yaml:"stale_after"`
	ReconcileEvery time.Duration  `yaml:"reconcile_every"`
	IdleTimeout    *time.Duration `yaml:"idle_timeout"`
	SyncTimeout    time.Duration  `yaml:"sync_timeout"`
	MailboxSize    int            `yaml:"mailbox_size"`
	WriteQueueSize int            `yaml:"write_queue_size"`
	EndOnLimit     bool           `yaml:"end_on_limit"`
	Store          StoreConfig    `yaml:"store"`
	HTTP           HTTPConfig     `yaml:"http"`
	Log            LogConfig      `yaml:"log"`
}

// PlanConfig defines one plan tier. When Plans is empty the default
// catalog is used.
type PlanConfig struct {
	ID      PlanID          `yaml:"id"`
	Name    string          `yaml:"name"`
	Minutes int64           `yaml:"minutes"`
	Price   decimal.Decimal `yaml:"price"`
}

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	Driver string       `yaml:"driver"` // memory, postgres, redis, sqlite
	DSN    string       `yaml:"dsn"`
	Prefix string       `yaml:"prefix"`
	Mirror *StoreConfig `yaml:"mirror"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("usagemeter: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data, expanding ${VAR} references first.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("usagemeter: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	ids := make(map[PlanID]bool, len(c.Plans))
	for i, p := range c.Plans {
		if p.ID == "" {
			return fmt.Errorf("usagemeter: config: plans[%d]: id is required", i)
		}
		if ids[p.ID] {
			return fmt.Errorf("usagemeter: config: duplicate plan id %q", p.ID)
		}
		ids[p.ID] = true

		if p.Minutes < 0 {
			return fmt.Errorf("usagemeter: config: plans[%d] (%s): minutes must not be negative", i, p.ID)
		}
		if p.Price.IsNegative() {
			return fmt.Errorf("usagemeter: config: plans[%d] (%s): price must not be negative", i, p.ID)
		}
	}

	if c.StaleAfter < 0 || c.ReconcileEvery < 0 || c.SyncTimeout < 0 {
		return fmt.Errorf("usagemeter: config: durations must not be negative")
	}
	if c.IdleTimeout != nil && *c.IdleTimeout < 0 {
		return fmt.Errorf("usagemeter: config: idle_timeout must not be negative")
	}
	if c.MailboxSize < 0 || c.WriteQueueSize < 0 {
		return fmt.Errorf("usagemeter: config: queue sizes must not be negative")
	}

	if err := c.Store.validate("store"); err != nil {
		return err
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("usagemeter: config: log: invalid format %q", c.Log.Format)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("usagemeter: config: log: invalid level %q", c.Log.Level)
	}

	return nil
}

func (s StoreConfig) validate(path string) error {
	switch s.Driver {
	case "", "memory":
	case "postgres", "redis", "sqlite":
		if s.DSN == "" {
			return fmt.Errorf("usagemeter: config: %s: dsn is required for driver %q", path, s.Driver)
		}
	default:
		return fmt.Errorf("usagemeter: config: %s: unknown driver %q", path, s.Driver)
	}
	if s.Mirror != nil {
		if s.Mirror.Mirror != nil {
			return fmt.Errorf("usagemeter: config: %s.mirror: nested mirrors are not supported", path)
		}
		return s.Mirror.validate(path + ".mirror")
	}
	return nil
}

// Catalog returns the configured plan catalog, or the default catalog when
// no plans are configured.
func (c Config) Catalog() Catalog {
	if len(c.Plans) == 0 {
		return DefaultCatalog()
	}
	cat := make(Catalog, len(c.Plans))
	for _, p := range c.Plans {
		name := p.Name
		if name == "" {
			name = string(p.ID)
		}
		cat[p.ID] = PlanTier{
			ID:             p.ID,
			Name:           name,
			MonthlyMinutes: p.Minutes,
			Price:          p.Price,
		}
	}
	return cat
}

// Options converts the config into actor options. Store, logger, clock and
// meter are left to the caller.
func (c Config) Options() []Option {
	opts := []Option{
		WithCatalog(c.Catalog()),
		WithStaleAfter(c.StaleAfter),
		WithReconcileInterval(c.ReconcileEvery),
		WithSyncTimeout(c.SyncTimeout),
		WithMailboxSize(c.MailboxSize),
		WithWriteQueueSize(c.WriteQueueSize),
		WithEndOnLimit(c.EndOnLimit),
	}
	if c.IdleTimeout != nil {
		opts = append(opts, WithIdleTimeout(*c.IdleTimeout))
	}
	return opts
}
