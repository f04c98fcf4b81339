// Package logger provides a zerolog wrapper with opinionated defaults and
// component-scoped child loggers.
package logger

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// Options configures the logger
type Options struct {
	Level        string
	Format       string // console | json
	Service      string
	Writer       io.Writer
	WithCaller   bool
	SampleEvery  int
	StaticFields map[string]string
}

// FromEnv builds Options from LOG_* env vars. It reads the environment
// directly so that the config package can depend on the logger.
func FromEnv() Options {
	get := func(k, def string) string {
		if v := strings.TrimSpace(os.Getenv("LOG_" + k)); v != "" {
			return v
		}
		return def
	}
	sample, _ := strconv.Atoi(get("SAMPLE_EVERY", "0"))
	caller, _ := strconv.ParseBool(get("CALLER", "false"))
	return Options{
		Level:       strings.ToLower(get("LEVEL", "info")),
		Format:      strings.ToLower(get("FORMAT", "console")),
		Service:     get("SERVICE", "tillsync"),
		WithCaller:  caller,
		SampleEvery: sample,
	}
}

// Logger is the project-wide logging type
type Logger = zerolog.Logger

var (
	root   atomic.Pointer[zerolog.Logger]
	inited atomic.Bool
)

// New builds a logger from opt without touching the process-wide root
func New(opt Options) Logger {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stderr
	if opt.Writer != nil {
		w = opt.Writer
	}
	if opt.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: opt.Writer != nil}
	}

	ctx := zerolog.New(w).Level(parseLevel(opt.Level)).With().Timestamp()
	if opt.Service != "" {
		ctx = ctx.Str("service", opt.Service)
	}
	for k, v := range opt.StaticFields {
		ctx = ctx.Str(k, v)
	}

	log := ctx.Logger()
	if opt.WithCaller {
		log = log.With().Caller().Logger()
	}
	if opt.SampleEvery > 1 {
		log = log.Sample(&zerolog.BasicSampler{N: uint32(opt.SampleEvery)})
	}
	return log
}

// Init configures the process-wide root logger. Later calls replace it.
func Init(opt Options) {
	log := New(opt)
	root.Store(&log)
	inited.Store(true)
}

// Get returns the process-wide root logger
func Get() *Logger {
	if !inited.Load() {
		Init(FromEnv())
	}
	return root.Load()
}

// Named returns a child logger with a component field
func Named(component string) *Logger {
	if component == "" {
		return Get()
	}
	ll := Get().With().Str("component", component).Logger()
	return &ll
}

// Nop returns a disabled logger, handy for tests
func Nop() *Logger {
	l := zerolog.Nop()
	return &l
}

type ctxKey struct{ name string }

var (
	keyActorID = ctxKey{"actor_id"}
	keyOpID    = ctxKey{"op_id"}
)

// WithActor annotates ctx with the cashier performing the operation
func WithActor(ctx context.Context, actorID string) context.Context {
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, keyActorID, actorID)
}

// WithOp annotates ctx with the logical operation id (invoice id, queue entry id)
func WithOp(ctx context.Context, opID string) context.Context {
	if opID == "" {
		return ctx
	}
	return context.WithValue(ctx, keyOpID, opID)
}

// C returns a child of base enriched from ctx (actor_id, op_id)
func C(ctx context.Context, base *Logger) *Logger {
	if base == nil {
		base = Get()
	}
	builder := base.With()
	if v, ok := ctx.Value(keyActorID).(string); ok && v != "" {
		builder = builder.Str("actor_id", v)
	}
	if v, ok := ctx.Value(keyOpID).(string); ok && v != "" {
		builder = builder.Str("op_id", v)
	}
	ll := builder.Logger()
	return &ll
}

// parseLevel supports string-only levels
func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
