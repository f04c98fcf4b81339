// Package api is the local HTTP API the UI shell talks to: queue and
// history status, manual sync, protection state, profit summary and the
// business transactions themselves.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/tillsync/internal/gate"
	"github.com/roach88/tillsync/internal/history"
	"github.com/roach88/tillsync/internal/ledger"
	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/netwatch"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/syncqueue"
	"github.com/roach88/tillsync/internal/txn"
)

// Queue is the sync queue surface. *syncqueue.Queue satisfies it.
type Queue interface {
	Status() syncqueue.QueueStatus
	Entries() []syncqueue.Entry
	SyncNow(ctx context.Context) (syncqueue.DrainResult, error)
	RetryFailed(ctx context.Context) (int, error)
}

// History is the sync history surface. *history.Log satisfies it.
type History interface {
	List(ctx context.Context) ([]history.Entry, error)
}

// Protection is the offline gate surface. *gate.Gate satisfies it.
type Protection interface {
	Status() gate.Status
}

// Transactions is the orchestrator surface. *txn.Orchestrator satisfies it.
type Transactions interface {
	CashSale(ctx context.Context, req txn.SaleRequest) (txn.Result, error)
	DebtSale(ctx context.Context, req txn.DebtSaleRequest) (txn.Result, error)
	Refund(ctx context.Context, req txn.RefundRequest) (txn.Result, error)
	Expense(ctx context.Context, req txn.ExpenseRequest) (txn.Result, error)
	DebtPayment(ctx context.Context, req txn.DebtPaymentRequest) (txn.Result, error)
	NetProfit(ctx context.Context, p ledger.Period) (model.ProfitSummary, error)
}

// Activity is the audit log surface. *activity.Log satisfies it.
type Activity interface {
	Recent(ctx context.Context, limit int) ([]store.Activity, error)
}

// Connectivity is the watcher surface. *netwatch.Watcher satisfies it.
type Connectivity interface {
	Status() netwatch.Status
}

// Storage is the local database surface. *store.Store satisfies it.
type Storage interface {
	Health(ctx context.Context) (store.Health, error)
}

// Options configures a Server. Queue, History, Protection and Transactions
// are required; Activity and Connectivity routes answer 404 without them.
// Health reports the queue alone when Storage is nil.
type Options struct {
	Addr         string
	CORSOrigins  []string
	SlowRequest  time.Duration
	Queue        Queue
	History      History
	Protection   Protection
	Transactions Transactions
	Activity     Activity
	Connectivity Connectivity
	Storage      Storage
	Logger       *logger.Logger
}

// Server is the local API.
type Server struct {
	opt Options
	mux *chi.Mux
	log *logger.Logger
}

// New builds the router.
func New(opt Options) *Server {
	log := opt.Logger
	if log == nil {
		log = logger.Named("api")
	}
	s := &Server{opt: opt, mux: chi.NewRouter(), log: log}

	s.mux.Use(chimw.RequestID, chimw.RealIP, accessLog(log, opt.SlowRequest), chimw.Recoverer)
	if len(opt.CORSOrigins) > 0 {
		s.mux.Use(corsHandler(opt.CORSOrigins))
	}

	s.mux.Route("/v1", func(r chi.Router) {
		r.Get("/health", handle(s.health))
		r.Get("/queue", handle(s.queueStatus))
		r.Get("/queue/entries", handle(s.queueEntries))
		r.Post("/queue/sync", handle(s.syncNow))
		r.Post("/queue/retry", handle(s.retryFailed))
		r.Get("/history", handle(s.history))
		r.Get("/protection", handle(s.protection))
		r.Get("/profit", handle(s.profit))
		r.Get("/activity", handle(s.activity))
		r.Get("/connectivity", handle(s.connectivity))

		r.Post("/sales", bind(http.StatusCreated, s.cashSale))
		r.Post("/debt-sales", bind(http.StatusCreated, s.debtSale))
		r.Post("/refunds", bind(http.StatusCreated, s.refund))
		r.Post("/expenses", bind(http.StatusCreated, s.expense))
		r.Post("/debt-payments", bind(http.StatusCreated, s.debtPayment))
	})
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves on opt.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opt.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.opt.Addr).Msg("api listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// healthReport is the body of GET /v1/health.
type healthReport struct {
	Storage *store.Health         `json:"storage,omitempty"`
	Queue   syncqueue.QueueStatus `json:"queue"`
}

func (s *Server) health(r *http.Request) (any, error) {
	rep := healthReport{Queue: s.opt.Queue.Status()}
	if s.opt.Storage == nil {
		return rep, nil
	}
	h, err := s.opt.Storage.Health(r.Context())
	if err != nil {
		return nil, &unavailable{err: err}
	}
	rep.Storage = &h
	return rep, nil
}

func (s *Server) queueStatus(*http.Request) (any, error) {
	return s.opt.Queue.Status(), nil
}

func (s *Server) queueEntries(r *http.Request) (any, error) {
	entries := s.opt.Queue.Entries()
	want := syncqueue.Status(r.URL.Query().Get("status"))
	if want == "" {
		return entries, nil
	}
	out := []syncqueue.Entry{}
	for _, e := range entries {
		if e.Status == want {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Server) syncNow(r *http.Request) (any, error) {
	return s.opt.Queue.SyncNow(r.Context())
}

func (s *Server) retryFailed(r *http.Request) (any, error) {
	n, err := s.opt.Queue.RetryFailed(r.Context())
	if err != nil {
		return nil, err
	}
	return map[string]int{"retried": n}, nil
}

func (s *Server) history(r *http.Request) (any, error) {
	return s.opt.History.List(r.Context())
}

func (s *Server) protection(*http.Request) (any, error) {
	return s.opt.Protection.Status(), nil
}

func (s *Server) profit(r *http.Request) (any, error) {
	q := r.URL.Query()
	p := ledger.Period{From: q.Get("from"), To: q.Get("to")}
	for _, d := range []string{p.From, p.To} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return nil, &badRequest{err: err}
		}
	}
	return s.opt.Transactions.NetProfit(r.Context(), p)
}

func (s *Server) activity(r *http.Request) (any, error) {
	if s.opt.Activity == nil {
		return nil, &notFound{msg: "activity log not available"}
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, &badRequest{err: errors.New("limit must be a positive integer")}
		}
		limit = n
	}
	return s.opt.Activity.Recent(r.Context(), limit)
}

func (s *Server) connectivity(*http.Request) (any, error) {
	if s.opt.Connectivity == nil {
		return nil, &notFound{msg: "connectivity watcher not running"}
	}
	return s.opt.Connectivity.Status(), nil
}

func (s *Server) cashSale(r *http.Request, in txn.SaleRequest) (any, error) {
	return s.opt.Transactions.CashSale(r.Context(), in)
}

func (s *Server) debtSale(r *http.Request, in txn.DebtSaleRequest) (any, error) {
	return s.opt.Transactions.DebtSale(r.Context(), in)
}

func (s *Server) refund(r *http.Request, in txn.RefundRequest) (any, error) {
	return s.opt.Transactions.Refund(r.Context(), in)
}

func (s *Server) expense(r *http.Request, in txn.ExpenseRequest) (any, error) {
	return s.opt.Transactions.Expense(r.Context(), in)
}

func (s *Server) debtPayment(r *http.Request, in txn.DebtPaymentRequest) (any, error) {
	return s.opt.Transactions.DebtPayment(r.Context(), in)
}
