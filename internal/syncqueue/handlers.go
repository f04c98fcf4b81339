package syncqueue

import (
	"context"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/remote"
)

// RegisterRemote binds the four mirrored op types to svc.
func (q *Queue) RegisterRemote(svc remote.Service) {
	q.Register(model.OpInvoiceCreate, decoding(svc.PushSale))
	q.Register(model.OpRefund, decoding(svc.PushRefund))
	q.Register(model.OpExpense, decoding(svc.PushExpense))
	q.Register(model.OpDebtPayment, decoding(svc.PushDebtPayment))
}

// decoding adapts a typed push to a Handler.
func decoding[P any](push func(context.Context, P) error) Handler {
	return func(ctx context.Context, e Entry) error {
		var p P
		if err := e.Decode(&p); err != nil {
			return err
		}
		return push(ctx, p)
	}
}
