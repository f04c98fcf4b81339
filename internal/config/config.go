// Package config loads the tillsync configuration: defaults, then an
// optional YAML file, then TILLSYNC_* environment overrides. The result is
// checked against an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSrc string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TILLSYNC_"

// Config is the full configuration.
type Config struct {
	DB       string         `yaml:"db"`
	Remote   RemoteConfig   `yaml:"remote"`
	API      APIConfig      `yaml:"api"`
	Lock     LockConfig     `yaml:"lock"`
	Queue    QueueConfig    `yaml:"queue"`
	History  HistoryConfig  `yaml:"history"`
	Gate     GateConfig     `yaml:"gate"`
	Netwatch NetwatchConfig `yaml:"netwatch"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RemoteConfig selects the backend. An empty URL runs fully offline.
type RemoteConfig struct {
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxConns  int           `yaml:"max_conns"`
	SlowQuery time.Duration `yaml:"slow_query"`
	LogSQL    bool          `yaml:"log_sql"`
}

// APIConfig configures the local status API.
type APIConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type LockConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type QueueConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	Grace          time.Duration `yaml:"grace"`
	Interval       time.Duration `yaml:"interval"`
}

type HistoryConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// GateConfig sets the offline protection thresholds in whole days.
type GateConfig struct {
	WarnDays      int           `yaml:"warn_days"`
	LockDays      int           `yaml:"lock_days"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

type NetwatchConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console, json
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DB: "tillsync.db",
		Remote: RemoteConfig{
			Timeout:   10 * time.Second,
			MaxConns:  4,
			SlowQuery: 500 * time.Millisecond,
		},
		API: APIConfig{
			Addr:        "127.0.0.1:7420",
			CORSOrigins: []string{"http://localhost:*", "app://*"},
		},
		Lock: LockConfig{TTL: 30 * time.Second},
		Queue: QueueConfig{
			MaxAttempts:    5,
			BackoffInitial: 2 * time.Second,
			BackoffMax:     5 * time.Minute,
			Grace:          30 * time.Second,
			Interval:       time.Minute,
		},
		History: HistoryConfig{CleanupInterval: 5 * time.Minute},
		Gate: GateConfig{
			WarnDays:      5,
			LockDays:      30,
			CheckInterval: 30 * time.Minute,
		},
		Netwatch: NetwatchConfig{
			Interval: 15 * time.Second,
			Timeout:  5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// WarnAfter is WarnDays as a duration.
func (g GateConfig) WarnAfter() time.Duration { return time.Duration(g.WarnDays) * 24 * time.Hour }

// LockAfter is LockDays as a duration.
func (g GateConfig) LockAfter() time.Duration { return time.Duration(g.LockDays) * 24 * time.Hour }

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	return LoadEnv(path, os.LookupEnv)
}

// LoadEnv is Load with an explicit environment lookup.
func LoadEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := applyEnv(cfg, Env{prefix: EnvPrefix, lookup: lookup}); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg against the schema and the cross-field rules the
// schema cannot express.
func (c *Config) Validate() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if err := checkSchema(data); err != nil {
		return err
	}
	if c.Queue.BackoffMax < c.Queue.BackoffInitial {
		return errors.New("config: queue.backoff_max must not be below queue.backoff_initial")
	}
	if c.Remote.Timeout >= c.Lock.TTL {
		return errors.New("config: remote.timeout must be below lock.ttl")
	}
	return nil
}

func checkSchema(data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	f, err := cueyaml.Extract("config.yaml", data)
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	v := schema.Unify(ctx.BuildFile(f))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config: %s", cueerrors.Details(err, nil))
	}
	return nil
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
