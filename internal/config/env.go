package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Env is a prefixed view over environment variables, e.g. Env.Prefix("QUEUE_")
// reads TILLSYNC_QUEUE_*.
type Env struct {
	prefix string
	lookup func(string) (string, bool)
}

// Prefix returns a child view with an additional prefix.
func (e Env) Prefix(p string) Env { return Env{prefix: e.prefix + p, lookup: e.lookup} }

func (e Env) key(k string) string { return e.prefix + k }

func (e Env) get(k string) (string, bool) {
	v, ok := e.lookup(e.key(k))
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// String sets *dst when the variable is present.
func (e Env) String(k string, dst *string) {
	if v, ok := e.get(k); ok {
		*dst = v
	}
}

// Int sets *dst when the variable is present and an integer.
func (e Env) Int(k string, dst *int) error {
	v, ok := e.get(k)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q: not an integer", e.key(k), v)
	}
	*dst = n
	return nil
}

// Bool sets *dst when the variable is present and a boolean.
func (e Env) Bool(k string, dst *bool) error {
	v, ok := e.get(k)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q: not a boolean", e.key(k), v)
	}
	*dst = b
	return nil
}

// Duration sets *dst when the variable is present and parses (250ms, 2s, 1h).
func (e Env) Duration(k string, dst *time.Duration) error {
	v, ok := e.get(k)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q: not a duration (e.g. 250ms, 2s, 1h)", e.key(k), v)
	}
	*dst = d
	return nil
}

// List sets *dst from a comma separated variable.
func (e Env) List(k string, dst *[]string) {
	v, ok := e.get(k)
	if !ok {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func applyEnv(c *Config, env Env) error {
	env.String("DB", &c.DB)

	remote := env.Prefix("REMOTE_")
	remote.String("URL", &c.Remote.URL)
	api := env.Prefix("API_")
	api.String("ADDR", &c.API.Addr)
	api.List("CORS_ORIGINS", &c.API.CORSOrigins)
	logging := env.Prefix("LOG_")
	logging.String("LEVEL", &c.Logging.Level)
	logging.String("FORMAT", &c.Logging.Format)

	queue := env.Prefix("QUEUE_")
	gate := env.Prefix("GATE_")
	netwatch := env.Prefix("NETWATCH_")
	for _, err := range []error{
		remote.Duration("TIMEOUT", &c.Remote.Timeout),
		remote.Int("MAX_CONNS", &c.Remote.MaxConns),
		remote.Duration("SLOW_QUERY", &c.Remote.SlowQuery),
		remote.Bool("LOG_SQL", &c.Remote.LogSQL),
		env.Prefix("LOCK_").Duration("TTL", &c.Lock.TTL),
		queue.Int("MAX_ATTEMPTS", &c.Queue.MaxAttempts),
		queue.Duration("BACKOFF_INITIAL", &c.Queue.BackoffInitial),
		queue.Duration("BACKOFF_MAX", &c.Queue.BackoffMax),
		queue.Duration("GRACE", &c.Queue.Grace),
		queue.Duration("INTERVAL", &c.Queue.Interval),
		env.Prefix("HISTORY_").Duration("CLEANUP_INTERVAL", &c.History.CleanupInterval),
		gate.Int("WARN_DAYS", &c.Gate.WarnDays),
		gate.Int("LOCK_DAYS", &c.Gate.LockDays),
		gate.Duration("CHECK_INTERVAL", &c.Gate.CheckInterval),
		netwatch.Duration("INTERVAL", &c.Netwatch.Interval),
		netwatch.Duration("TIMEOUT", &c.Netwatch.Timeout),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}
