// Package pg implements remote.Service on Postgres with pgx.
//
// Each push runs in one transaction that first claims the operation's
// logical id in applied_operations. A replayed push finds the id already
// claimed and commits without touching anything else.
package pg

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/tillsync/internal/logger"
)

//go:embed schema.sql
var schemaSQL string

// Config configures the pool and the connect retry.
type Config struct {
	URL      string
	MaxConns int32
	// SlowQuery logs queries slower than this at warn level. 0 disables.
	SlowQuery time.Duration
	// LogSQL traces every statement at debug level.
	LogSQL bool

	ConnectRetries uint64
	PingTimeout    time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
}

func (c *Config) defaults() {
	if c.ConnectRetries == 0 {
		c.ConnectRetries = 20
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 3 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 150 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 * time.Second
	}
}

// Client is the Postgres remote.
type Client struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

var newPool = pgxpool.NewWithConfig

// Open creates the pool and waits for the database with exponential
// backoff. The pool is only returned once a ping succeeds.
func Open(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	cfg.defaults()
	if log == nil {
		log = logger.Named("remote.pg")
	}

	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.LogSQL || cfg.SlowQuery > 0 {
		pcfg.ConnConfig.Tracer = newQueryTracer(log, cfg.LogSQL, cfg.SlowQuery)
	}

	pool, err := newPool(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.RetryInitial
	eb.MaxInterval = cfg.RetryMax
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, cfg.ConnectRetries), ctx)

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		pctx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		defer cancel()
		if perr := pool.Ping(pctx); perr != nil {
			log.Debug().Err(perr).Int("attempt", attempt).Msg("postgres not ready")
			return perr
		}
		return nil
	}, policy)
	if err != nil {
		pool.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("postgres ping failed after %d attempts: %w", attempt, err)
	}

	return &Client{pool: pool, log: log}, nil
}

// Close closes the pool.
func (c *Client) Close() {
	if c != nil && c.pool != nil {
		c.pool.Close()
	}
}

// Migrate creates the backend tables. Idempotent.
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping checks the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return classify(err)
	}
	return nil
}
