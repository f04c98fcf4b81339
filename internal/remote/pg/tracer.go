package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/tillsync/internal/logger"
)

type traceKey struct{}

type traceStart struct {
	sql   string
	start time.Time
}

// queryTracer logs statements through zerolog. With all=false only slow
// queries are logged.
type queryTracer struct {
	log  *logger.Logger
	all  bool
	slow time.Duration
	now  func() time.Time
}

func newQueryTracer(log *logger.Logger, all bool, slow time.Duration) *queryTracer {
	return &queryTracer{log: log, all: all, slow: slow, now: time.Now}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceStart{sql: data.SQL, start: t.now()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	ts, ok := ctx.Value(traceKey{}).(traceStart)
	if !ok {
		return
	}
	elapsed := t.now().Sub(ts.start)
	slow := t.slow > 0 && elapsed >= t.slow
	if !t.all && !slow && data.Err == nil {
		return
	}

	evt := t.log.Debug()
	switch {
	case data.Err != nil:
		evt = t.log.Warn().Err(data.Err)
	case slow:
		evt = t.log.Warn()
	}
	evt.Float64("elapsed_ms", float64(elapsed.Microseconds())/1000.0).
		Bool("slow", slow).
		Str("sql", compact(ts.sql)).
		Str("tag", data.CommandTag.String()).
		Msg("pg query")
}

// compact collapses runs of whitespace so multi-line SQL logs on one line.
func compact(s string) string {
	out := make([]rune, 0, len(s))
	space := false
	for _, r := range s {
		if r == '\n' || r == '\t' || r == '\r' || r == ' ' {
			if !space {
				out = append(out, ' ')
				space = true
			}
			continue
		}
		space = false
		out = append(out, r)
	}
	return string(out)
}
