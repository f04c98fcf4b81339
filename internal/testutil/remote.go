package testutil

import (
	"context"
	"sync"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/remote"
)

// RemoteCall is one push observed by FakeRemote, successful or not.
type RemoteCall struct {
	Op        model.OpType
	LogicalID string
	Err       error
}

// FakeRemote is a scripted remote.Service.
//
// It starts online. While offline every call fails with remote.ErrUnavailable.
// FailNext scripts the next n calls to fail with a chosen error. Successful
// pushes are deduplicated by (op, logical id) the way an upserting backend
// would, so Applied counts effects, not calls.
type FakeRemote struct {
	mu       sync.Mutex
	online   bool
	failLeft int
	failErr  error
	calls    []RemoteCall
	applied  map[model.OpType][]string
	seen     map[model.OpType]map[string]bool
	onCall   func(RemoteCall)
	payloads map[string]any
}

var _ remote.Service = (*FakeRemote)(nil)

// NewFakeRemote returns an online FakeRemote.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		online:   true,
		applied:  make(map[model.OpType][]string),
		seen:     make(map[model.OpType]map[string]bool),
		payloads: make(map[string]any),
	}
}

// SetOnline switches connectivity.
func (f *FakeRemote) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

// FailNext makes the next n calls fail with err. A nil err means
// remote.ErrUnavailable.
func (f *FakeRemote) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		err = remote.ErrUnavailable
	}
	f.failLeft = n
	f.failErr = err
}

// OnCall registers a hook run after every recorded call, outside the lock.
func (f *FakeRemote) OnCall(fn func(RemoteCall)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCall = fn
}

// Calls returns every call in arrival order.
func (f *FakeRemote) Calls() []RemoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RemoteCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallIDs returns the logical ids of every call in arrival order.
func (f *FakeRemote) CallIDs() []string {
	calls := f.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.LogicalID)
	}
	return out
}

// Applied returns the logical ids applied for op, in first-application order.
func (f *FakeRemote) Applied(op model.OpType) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.applied[op]))
	copy(out, f.applied[op])
	return out
}

// Payload returns the first payload applied under logicalID.
func (f *FakeRemote) Payload(logicalID string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payloads[logicalID]
	return p, ok
}

func (f *FakeRemote) push(op model.OpType, logicalID string, payload any) error {
	f.mu.Lock()
	var err error
	switch {
	case !f.online:
		err = remote.ErrUnavailable
	case f.failLeft > 0:
		f.failLeft--
		err = f.failErr
	}
	if err == nil {
		if f.seen[op] == nil {
			f.seen[op] = make(map[string]bool)
		}
		if !f.seen[op][logicalID] {
			f.seen[op][logicalID] = true
			f.applied[op] = append(f.applied[op], logicalID)
			f.payloads[logicalID] = payload
		}
	}
	call := RemoteCall{Op: op, LogicalID: logicalID, Err: err}
	f.calls = append(f.calls, call)
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err != nil {
		return &remote.SyncError{Op: op, LogicalID: logicalID, Err: err}
	}
	return nil
}

func (f *FakeRemote) PushSale(_ context.Context, p model.SalePush) error {
	return f.push(model.OpInvoiceCreate, p.LogicalID(), p)
}

func (f *FakeRemote) PushRefund(_ context.Context, p model.RefundPush) error {
	return f.push(model.OpRefund, p.LogicalID(), p)
}

func (f *FakeRemote) PushExpense(_ context.Context, p model.ExpensePush) error {
	return f.push(model.OpExpense, p.LogicalID(), p)
}

func (f *FakeRemote) PushDebtPayment(_ context.Context, p model.DebtPaymentPush) error {
	return f.push(model.OpDebtPayment, p.LogicalID(), p)
}

// Ping fails while offline. Scripted failures are not consumed by Ping.
func (f *FakeRemote) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online {
		return remote.ErrUnavailable
	}
	return nil
}
