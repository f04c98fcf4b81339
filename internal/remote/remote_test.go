package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/tillsync/internal/model"
)

func TestSyncError_Unwraps(t *testing.T) {
	err := &SyncError{Op: model.OpInvoiceCreate, LogicalID: "inv-1", Err: ErrUnavailable}

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "invoice_create")
	assert.Contains(t, err.Error(), "inv-1")
	assert.False(t, IsPermanent(err))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(fmt.Errorf("push: %w", ErrRejected)))
	assert.False(t, IsPermanent(errors.New("timeout")))
	assert.False(t, IsPermanent(nil))
}

func TestOffline_AlwaysUnavailable(t *testing.T) {
	ctx := context.Background()
	var svc Service = Offline{}

	assert.ErrorIs(t, svc.Ping(ctx), ErrUnavailable)
	assert.ErrorIs(t, svc.PushSale(ctx, model.SalePush{}), ErrUnavailable)
	assert.ErrorIs(t, svc.PushRefund(ctx, model.RefundPush{}), ErrUnavailable)
	assert.ErrorIs(t, svc.PushExpense(ctx, model.ExpensePush{}), ErrUnavailable)
	assert.ErrorIs(t, svc.PushDebtPayment(ctx, model.DebtPaymentPush{}), ErrUnavailable)
}
