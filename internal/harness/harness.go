package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/app"
	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/ids"
	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/syncqueue"
	"github.com/roach88/tillsync/internal/testutil"
	"github.com/roach88/tillsync/internal/txn"
)

// DefaultStart is the clock origin of scenarios without a start time.
var DefaultStart = testutil.Epoch

// Harness holds the engine under test for one scenario.
type Harness struct {
	app    *app.App
	clock  *testutil.FakeClock
	remote *testutil.FakeRemote
	events *events.Recorder
}

type action func(h *Harness, ctx context.Context, args map[string]any) (map[string]any, error)

var actions map[string]action

func init() {
	actions = map[string]action{
		"sale":             (*Harness).sale,
		"debt_sale":        (*Harness).debtSale,
		"refund":           (*Harness).refund,
		"expense":          (*Harness).expense,
		"debt_payment":     (*Harness).debtPayment,
		"sync":             (*Harness).sync,
		"retry_failed":     (*Harness).retryFailed,
		"check_protection": (*Harness).checkProtection,
		"record_contact":   (*Harness).recordContact,
		"go_offline":       (*Harness).goOffline,
		"go_online":        (*Harness).goOnline,
		"fail_next":        (*Harness).failNext,
		"advance":          (*Harness).advance,
	}
}

// Run executes s against a fresh in-memory engine.
func Run(s *Scenario) (*Result, error) {
	ctx := context.Background()
	start := s.Start
	if start.IsZero() {
		start = DefaultStart
	}

	cfg := config.Default()
	cfg.DB = ":memory:"
	h := &Harness{
		clock:  testutil.NewFakeClock(start),
		remote: testutil.NewFakeRemote(),
		events: &events.Recorder{},
	}
	h.remote.SetOnline(!s.Offline)

	a, err := app.Open(ctx, app.Deps{
		Config: cfg,
		Clock:  h.clock,
		IDs:    ids.NewSequential("h"),
		Remote: h.remote,
		Events: h.events,
	})
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	defer a.Close()
	h.app = a

	if err := h.seed(ctx, s.Setup); err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}

	result := NewResult()
	for i, step := range s.Flow {
		h.execute(ctx, i, step, result)
	}
	for _, msg := range EvaluateAssertions(result, s.Assertions, h.assertionContext(ctx)) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) seed(ctx context.Context, setup Setup) error {
	products := make([]model.Product, 0, len(setup.Products))
	for _, p := range setup.Products {
		stock, err := decimalOf(p.Stock)
		if err != nil {
			return fmt.Errorf("product %s stock: %w", p.ID, err)
		}
		cost, err := decimalOf(p.Cost)
		if err != nil {
			return fmt.Errorf("product %s cost: %w", p.ID, err)
		}
		price, err := decimalOf(p.Price)
		if err != nil {
			return fmt.Errorf("product %s price: %w", p.ID, err)
		}
		products = append(products, model.Product{ID: p.ID, Name: p.Name, Stock: stock, CostPrice: cost, Price: price})
	}
	if len(products) == 0 {
		return nil
	}
	return h.app.Txn.ImportProducts(ctx, products...)
}

func (h *Harness) execute(ctx context.Context, i int, step Step, result *Result) {
	result.addInvocation(step.Action, step.Args)

	out, err := actions[step.Action](h, ctx, step.Args)
	outcome, msg := classify(err)
	if err != nil {
		out = nil
	}
	result.addCompletion(step.Action, outcome, out, msg)

	want := step.Expect
	if want == nil {
		if outcome != CaseOK {
			result.AddError(fmt.Sprintf("flow[%d] %s: unexpected %s: %s", i, step.Action, outcome, msg))
		}
		return
	}
	if outcome != want.Case {
		result.AddError(fmt.Sprintf("flow[%d] %s: expected case %s, got %s (%s)", i, step.Action, want.Case, outcome, msg))
		return
	}
	for _, k := range sortedKeys(want.Result) {
		got, ok := out[k]
		if !ok {
			result.AddError(fmt.Sprintf("flow[%d] %s: result has no field %q", i, step.Action, k))
			continue
		}
		if !valuesEqual(got, want.Result[k]) {
			result.AddError(fmt.Sprintf("flow[%d] %s: result %s = %v, want %v", i, step.Action, k, got, want.Result[k]))
		}
	}
}

// classify maps an action error onto a completion case.
func classify(err error) (string, string) {
	switch {
	case err == nil:
		return CaseOK, ""
	case txn.IsValidation(err):
		return CaseValidation, err.Error()
	case txn.IsLockContention(err):
		return CaseLockContention, err.Error()
	case errors.Is(err, txn.ErrDataLocked):
		return CaseDataLocked, err.Error()
	case errors.Is(err, syncqueue.ErrSyncInProgress):
		return CaseSyncInProgress, err.Error()
	default:
		return CaseError, err.Error()
	}
}

func txnResult(r txn.Result) map[string]any {
	return map[string]any{
		"invoiceId":   r.InvoiceID,
		"total":       r.Total.String(),
		"cogs":        r.COGS.String(),
		"grossProfit": r.GrossProfit.String(),
		"queued":      r.Queued,
	}
}

func (h *Harness) items(ctx context.Context, args map[string]any) ([]model.LineItem, error) {
	raw, _ := args["items"].([]any)
	items := make([]model.LineItem, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("items[%d]: not a mapping", i)
		}
		qty, err := decimalArg(m, "quantity")
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		price, err := decimalArg(m, "price")
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		items = append(items, model.LineItem{ProductID: stringArg(m, "product"), Quantity: qty, Price: price})
	}
	if len(items) == 0 {
		return items, nil
	}
	return h.app.Txn.PriceItems(ctx, items)
}

func (h *Harness) sale(ctx context.Context, args map[string]any) (map[string]any, error) {
	items, err := h.items(ctx, args)
	if err != nil {
		return nil, err
	}
	discount, err := decimalArg(args, "discount")
	if err != nil {
		return nil, err
	}
	res, err := h.app.Txn.CashSale(ctx, txn.SaleRequest{
		InvoiceID:  stringArg(args, "invoice"),
		Items:      items,
		Discount:   discount,
		CustomerID: stringArg(args, "customer"),
	})
	return txnResult(res), err
}

func (h *Harness) debtSale(ctx context.Context, args map[string]any) (map[string]any, error) {
	items, err := h.items(ctx, args)
	if err != nil {
		return nil, err
	}
	discount, err := decimalArg(args, "discount")
	if err != nil {
		return nil, err
	}
	res, err := h.app.Txn.DebtSale(ctx, txn.DebtSaleRequest{
		InvoiceID:  stringArg(args, "invoice"),
		Items:      items,
		Discount:   discount,
		CustomerID: stringArg(args, "customer"),
	})
	return txnResult(res), err
}

func (h *Harness) refund(ctx context.Context, args map[string]any) (map[string]any, error) {
	res, err := h.app.Txn.Refund(ctx, txn.RefundRequest{
		RefundID: stringArg(args, "refund"),
		SaleID:   stringArg(args, "sale"),
	})
	return txnResult(res), err
}

func (h *Harness) expense(ctx context.Context, args map[string]any) (map[string]any, error) {
	amount, err := decimalArg(args, "amount")
	if err != nil {
		return nil, err
	}
	res, err := h.app.Txn.Expense(ctx, txn.ExpenseRequest{
		ExpenseID:   stringArg(args, "id"),
		Amount:      amount,
		ExpenseType: stringArg(args, "type"),
		Description: stringArg(args, "description"),
	})
	return txnResult(res), err
}

func (h *Harness) debtPayment(ctx context.Context, args map[string]any) (map[string]any, error) {
	amount, err := decimalArg(args, "amount")
	if err != nil {
		return nil, err
	}
	res, err := h.app.Txn.DebtPayment(ctx, txn.DebtPaymentRequest{
		PaymentID:  stringArg(args, "id"),
		CustomerID: stringArg(args, "customer"),
		Amount:     amount,
	})
	return txnResult(res), err
}

func (h *Harness) sync(ctx context.Context, _ map[string]any) (map[string]any, error) {
	out, err := h.app.Queue.SyncNow(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"processed": out.Processed, "failed": out.Failed}, nil
}

func (h *Harness) retryFailed(ctx context.Context, _ map[string]any) (map[string]any, error) {
	n, err := h.app.Queue.RetryFailed(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"retried": n}, nil
}

func (h *Harness) checkProtection(ctx context.Context, _ map[string]any) (map[string]any, error) {
	st, err := h.app.Gate.CheckAndEnforce(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"state": string(st)}, nil
}

func (h *Harness) recordContact(ctx context.Context, _ map[string]any) (map[string]any, error) {
	if err := h.app.Gate.RecordServerContact(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"state": string(h.app.Gate.State())}, nil
}

func (h *Harness) goOffline(context.Context, map[string]any) (map[string]any, error) {
	h.remote.SetOnline(false)
	return nil, nil
}

func (h *Harness) goOnline(context.Context, map[string]any) (map[string]any, error) {
	h.remote.SetOnline(true)
	return nil, nil
}

func (h *Harness) failNext(_ context.Context, args map[string]any) (map[string]any, error) {
	n := 1
	if v, ok := args["count"].(int); ok {
		n = v
	}
	err := remote.ErrUnavailable
	if b, _ := args["permanent"].(bool); b {
		err = remote.ErrRejected
	}
	h.remote.FailNext(n, err)
	return nil, nil
}

func (h *Harness) advance(_ context.Context, args map[string]any) (map[string]any, error) {
	var d time.Duration
	if v, ok := args["days"].(int); ok {
		d += time.Duration(v) * 24 * time.Hour
	}
	if v := stringArg(args, "by"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("advance: %w", err)
		}
		d += parsed
	}
	if d <= 0 {
		return nil, errors.New("advance: days or by is required")
	}
	now := h.clock.Advance(d)
	return map[string]any{"now": now.Format(time.RFC3339)}, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// decimalArg reads a number or decimal string; absent means zero.
func decimalArg(args map[string]any, key string) (decimal.Decimal, error) {
	s := stringArg(args, key)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func decimalOf(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// normalize round-trips v through JSON so YAML ints and Go ints compare
// equal.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func valuesEqual(actual, expected any) bool {
	return reflect.DeepEqual(normalize(actual), normalize(expected))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
