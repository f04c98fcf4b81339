// Package remote defines the contract the sync engine expects from the
// backend data service.
//
// Every push is idempotent by its logical id (invoice id, refund id, expense
// id, payment id): pushing the same operation twice must leave the backend
// exactly as pushing it once. The sync queue relies on this when it replays
// an entry whose previous attempt may have reached the server before the
// device lost the response.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/model"
)

// Service is the backend data service.
type Service interface {
	PushSale(ctx context.Context, p model.SalePush) error
	PushRefund(ctx context.Context, p model.RefundPush) error
	PushExpense(ctx context.Context, p model.ExpensePush) error
	PushDebtPayment(ctx context.Context, p model.DebtPaymentPush) error
	// Ping succeeds when the backend is reachable.
	Ping(ctx context.Context) error
}

var (
	// ErrUnavailable marks transient failures: no network, timeouts,
	// backend restarting. The operation should be retried later.
	ErrUnavailable = errors.New("remote: unavailable")

	// ErrRejected marks permanent failures: the backend refused the data.
	// Retrying the same payload will not help.
	ErrRejected = errors.New("remote: rejected")
)

// SyncError wraps a failed push with the operation it belonged to.
type SyncError struct {
	Op        model.OpType
	LogicalID string
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.LogicalID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrRejected)
}

// Offline is a Service with no backend configured: every call fails with
// ErrUnavailable, so every transaction is queued.
type Offline struct{}

var _ Service = Offline{}

func (Offline) PushSale(context.Context, model.SalePush) error { return ErrUnavailable }

func (Offline) PushRefund(context.Context, model.RefundPush) error { return ErrUnavailable }

func (Offline) PushExpense(context.Context, model.ExpensePush) error { return ErrUnavailable }

func (Offline) PushDebtPayment(context.Context, model.DebtPaymentPush) error {
	return ErrUnavailable
}

func (Offline) Ping(context.Context) error { return ErrUnavailable }
