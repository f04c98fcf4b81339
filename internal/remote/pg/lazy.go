package pg

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/remote"
)

// Lazy is a remote.Service that dials on first use. Until a connection
// succeeds every call fails with remote.ErrUnavailable, so a till that
// starts without network keeps queueing and picks the backend up later.
type Lazy struct {
	cfg Config
	log *logger.Logger

	mu     sync.Mutex
	client *Client
}

var _ remote.Service = (*Lazy)(nil)

// NewLazy returns a Lazy for cfg. ConnectRetries defaults to 1 so a
// transaction never waits on a long dial.
func NewLazy(cfg Config, log *logger.Logger) *Lazy {
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = 1
	}
	if log == nil {
		log = logger.Named("remote.pg")
	}
	return &Lazy{cfg: cfg, log: log}
}

func (l *Lazy) conn(ctx context.Context) (*Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		return l.client, nil
	}
	c, err := Open(ctx, l.cfg, l.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	if err := c.Migrate(ctx); err != nil {
		c.Close()
		return nil, classify(err)
	}
	l.log.Info().Msg("connected to backend")
	l.client = c
	return c, nil
}

func (l *Lazy) PushSale(ctx context.Context, p model.SalePush) error {
	c, err := l.conn(ctx)
	if err != nil {
		return err
	}
	return c.PushSale(ctx, p)
}

func (l *Lazy) PushRefund(ctx context.Context, p model.RefundPush) error {
	c, err := l.conn(ctx)
	if err != nil {
		return err
	}
	return c.PushRefund(ctx, p)
}

func (l *Lazy) PushExpense(ctx context.Context, p model.ExpensePush) error {
	c, err := l.conn(ctx)
	if err != nil {
		return err
	}
	return c.PushExpense(ctx, p)
}

func (l *Lazy) PushDebtPayment(ctx context.Context, p model.DebtPaymentPush) error {
	c, err := l.conn(ctx)
	if err != nil {
		return err
	}
	return c.PushDebtPayment(ctx, p)
}

func (l *Lazy) Ping(ctx context.Context) error {
	c, err := l.conn(ctx)
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

// Close releases the pool if one was opened.
func (l *Lazy) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.client.Close()
	l.client = nil
}
