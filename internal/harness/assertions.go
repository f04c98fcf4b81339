package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/app"
	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/ledger"
	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/testutil"
)

// AssertionError describes a failed assertion with the trace for context.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			if ev.Type == EventCompletion {
				fmt.Fprintf(&buf, "  [%d] %s -> %s\n", ev.Seq, ev.Action, ev.Case)
			}
		}
	}
	return buf.String()
}

// AssertionContext gives state assertions access to the engine.
type AssertionContext struct {
	Ctx    context.Context
	App    *app.App
	Remote *testutil.FakeRemote
	Events *events.Recorder
}

func (h *Harness) assertionContext(ctx context.Context) *AssertionContext {
	return &AssertionContext{Ctx: ctx, App: h.app, Remote: h.remote, Events: h.events}
}

// EvaluateAssertions checks every assertion and returns the failures.
// State assertions need actx; trace assertions do not.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		default:
			if actx == nil || actx.App == nil {
				err = fmt.Errorf("assertion[%d]: %s requires engine context", i, a.Type)
			} else {
				err = assertState(actx, a)
			}
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// assertTraceContains looks for an invocation of a.Action whose args
// include a.Args.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if ev.Type == EventInvocation && ev.Action == a.Action && matchArgs(ev.Args, a.Args) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with args %v", a.Action, a.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks the first invocation of each action appears in
// the given order. Other actions may sit in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if ev.Type != EventInvocation {
			continue
		}
		if _, seen := positions[ev.Action]; !seen {
			positions[ev.Action] = i + 1
		}
	}
	for _, name := range a.Actions {
		if positions[name] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", a.Actions),
				Actual:   fmt.Sprintf("missing action: %s", name),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Actions); i++ {
		prev, curr := a.Actions[i-1], a.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", a.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if ev.Type == EventInvocation && ev.Action == a.Action {
			n++
		}
	}
	if n != count(a) {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", count(a), a.Action),
			Actual:   fmt.Sprintf("%d occurrences", n),
			Trace:    trace,
		}
	}
	return nil
}

func count(a Assertion) int {
	if a.Count == nil {
		return 0
	}
	return *a.Count
}

func assertState(actx *AssertionContext, a Assertion) error {
	ctx, eng := actx.Ctx, actx.App
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual}
	}

	switch a.Type {
	case AssertStock:
		p, err := eng.Ledger.Product(ctx, a.Product)
		if err != nil {
			return fail("product "+a.Product, err.Error())
		}
		if !decimalEqual(p.Stock, a.Value) {
			return fail(fmt.Sprintf("stock of %s = %s", a.Product, a.Value), p.Stock.String())
		}

	case AssertBalance:
		c, err := eng.Ledger.Customer(ctx, a.Customer)
		if err != nil {
			return fail("customer "+a.Customer, err.Error())
		}
		if !decimalEqual(c.Balance, a.Value) {
			return fail(fmt.Sprintf("balance of %s = %s", a.Customer, a.Value), c.Balance.String())
		}

	case AssertQueue:
		n := 0
		for _, e := range eng.Queue.Entries() {
			if a.Status == "" || string(e.Status) == a.Status {
				n++
			}
		}
		if n != count(a) {
			return fail(fmt.Sprintf("%d queue entries with status %q", count(a), a.Status), fmt.Sprint(n))
		}

	case AssertHistory:
		rows, err := eng.History.List(ctx)
		if err != nil {
			return err
		}
		n := 0
		for _, r := range rows {
			if a.Status == "" || string(r.Status) == a.Status {
				n++
			}
		}
		if n != count(a) {
			return fail(fmt.Sprintf("%d history rows with status %q", count(a), a.Status), fmt.Sprint(n))
		}

	case AssertProtection:
		if got := string(eng.Gate.State()); got != a.Value {
			return fail("protection state "+a.Value, got)
		}

	case AssertEncryptedTables:
		want := a.Value == "true"
		if got := eng.Gate.IsDataEncrypted(); got != want {
			return fail(fmt.Sprintf("data encrypted = %t", want), fmt.Sprint(got))
		}

	case AssertRemoteApplied:
		if actx.Remote == nil {
			return fmt.Errorf("%s requires the fake backend", a.Type)
		}
		got := actx.Remote.Applied(model.OpType(a.Op))
		if len(got) != count(a) {
			return fail(fmt.Sprintf("%d %s operations applied remotely", count(a), a.Op), fmt.Sprintf("%d %v", len(got), got))
		}

	case AssertEventCount:
		if actx.Events == nil {
			return fmt.Errorf("%s requires an event recorder", a.Type)
		}
		if got := actx.Events.Count(events.Kind(a.Kind)); got != count(a) {
			return fail(fmt.Sprintf("%d %s events", count(a), a.Kind), fmt.Sprint(got))
		}

	case AssertNetProfit:
		sum, err := eng.Ledger.Summary(ctx, ledger.Period{})
		if err != nil {
			return err
		}
		if !decimalEqual(sum.NetProfit, a.Value) {
			return fail("net profit "+a.Value, sum.NetProfit.String())
		}

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func decimalEqual(got decimal.Decimal, want string) bool {
	w, err := decimal.NewFromString(want)
	return err == nil && got.Equal(w)
}

// matchArgs reports whether actual contains every key of expected with an
// equal value.
func matchArgs(actual, expected map[string]any) bool {
	for k, want := range expected {
		got, ok := actual[k]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}
