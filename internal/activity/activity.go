// Package activity writes the human-readable audit trail: one line per
// completed business transaction, persisted in the activity_log table and
// echoed to the structured log.
package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
)

// Type classifies an audit line.
type Type string

const (
	TypeSale        Type = "sale"
	TypeDebtSale    Type = "debt_sale"
	TypeRefund      Type = "refund"
	TypeExpense     Type = "expense"
	TypeDebtPayment Type = "debt_payment"
	TypeShift       Type = "shift"
	TypeProtection  Type = "protection"
)

// Entry is an audit line before it is persisted.
type Entry struct {
	Type        Type
	Actor       model.Actor
	Description string
	Details     any
}

// Options configures a Log.
type Options struct {
	Clock  clock.Clock
	Logger *logger.Logger
	// Language selects number formatting in descriptions. Defaults to English.
	Language language.Tag
}

// Log is the activity log.
type Log struct {
	st      *store.Store
	clock   clock.Clock
	log     *logger.Logger
	printer *message.Printer
}

// New returns a Log writing to st.
func New(st *store.Store, opt Options) *Log {
	log := opt.Logger
	if log == nil {
		log = logger.Named("activity")
	}
	tag := opt.Language
	if tag == language.Und {
		tag = language.English
	}
	return &Log{st: st, clock: clock.Or(opt.Clock), log: log, printer: message.NewPrinter(tag)}
}

// Record persists e and returns its id.
func (l *Log) Record(ctx context.Context, e Entry) (int64, error) {
	var details json.RawMessage
	if e.Details != nil {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return 0, fmt.Errorf("activity details: %w", err)
		}
		details = raw
	}
	a := store.Activity{
		Type:        string(e.Type),
		ActorID:     e.Actor.ID,
		ActorName:   norm.NFC.String(e.Actor.Name),
		Description: norm.NFC.String(e.Description),
		Details:     details,
		CreatedAt:   l.clock.Now(),
	}
	id, err := l.st.AppendActivity(ctx, a)
	if err != nil {
		return 0, err
	}
	l.log.Info().Str("type", a.Type).Str("actor_id", a.ActorID).Str("actor_name", a.ActorName).
		Int64("activity_id", id).Msg(a.Description)
	return id, nil
}

// Recent returns up to limit lines, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]store.Activity, error) {
	return l.st.ListActivity(ctx, limit)
}

// Money formats an amount with grouping and two decimals, e.g. 1,234.50.
func (l *Log) Money(d decimal.Decimal) string {
	return l.printer.Sprint(number.Decimal(model.Round(d).InexactFloat64(), number.Scale(model.MoneyPlaces)))
}

// Describef formats a description with the log's printer.
func (l *Log) Describef(format string, args ...any) string {
	return l.printer.Sprintf(format, args...)
}
