package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/syncqueue"
	"github.com/roach88/tillsync/internal/txn"
)

// Error codes carried in the envelope.
const (
	CodeBadRequest     = "BAD_REQUEST"
	CodeValidation     = "VALIDATION"
	CodeLockContention = "LOCK_CONTENTION"
	CodeDataLocked     = "DATA_LOCKED"
	CodeSyncInProgress = "SYNC_IN_PROGRESS"
	CodeNotFound       = "NOT_FOUND"
	CodeUnavailable    = "UNAVAILABLE"
	CodeInternal       = "INTERNAL"
)

// Envelope is the body of every response.
type Envelope struct {
	Data      any        `json:"data,omitempty"`
	Error     *WireError `json:"error,omitempty"`
	RequestID string     `json:"requestId,omitempty"`
}

// WireError is the error half of the envelope.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// badRequest marks request decoding failures.
type badRequest struct{ err error }

func (e *badRequest) Error() string { return "bad request: " + e.err.Error() }
func (e *badRequest) Unwrap() error { return e.err }

// notFound marks an unknown entity.
type notFound struct{ msg string }

func (e *notFound) Error() string { return e.msg }

// unavailable marks a dependency that failed its health check.
type unavailable struct{ err error }

func (e *unavailable) Error() string { return "unavailable: " + e.err.Error() }
func (e *unavailable) Unwrap() error { return e.err }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// wire maps an error to a status and wire error.
func wire(err error) (int, *WireError) {
	var (
		ve *txn.ValidationError
		le *txn.LockContentionError
		br *badRequest
		nf *notFound
		un *unavailable
	)
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest, &WireError{Code: CodeBadRequest, Message: err.Error()}
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity, &WireError{Code: CodeValidation, Message: ve.Error(), Details: ve}
	case errors.As(err, &le):
		return http.StatusConflict, &WireError{Code: CodeLockContention, Message: le.Error()}
	case errors.Is(err, syncqueue.ErrSyncInProgress):
		return http.StatusConflict, &WireError{Code: CodeSyncInProgress, Message: err.Error()}
	case errors.Is(err, txn.ErrDataLocked):
		return http.StatusLocked, &WireError{Code: CodeDataLocked, Message: err.Error()}
	case errors.As(err, &nf):
		return http.StatusNotFound, &WireError{Code: CodeNotFound, Message: nf.msg}
	case errors.As(err, &un):
		return http.StatusServiceUnavailable, &WireError{Code: CodeUnavailable, Message: un.Error()}
	default:
		return http.StatusInternalServerError, &WireError{Code: CodeInternal, Message: "internal error"}
	}
}

func respond(w http.ResponseWriter, r *http.Request, status int, data any, err error) {
	reqID := chimw.GetReqID(r.Context())
	if err != nil {
		status, we := wire(err)
		if status >= http.StatusInternalServerError {
			logger.C(r.Context(), nil).Error().Err(err).Str("request_id", reqID).Msg("request failed")
		}
		writeJSON(w, status, Envelope{Error: we, RequestID: reqID})
		return
	}
	writeJSON(w, status, Envelope{Data: data, RequestID: reqID})
}

// handle adapts a body-less handler.
func handle(fn func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := fn(r)
		respond(w, r, http.StatusOK, out, err)
	}
}

// bind decodes the JSON body into T before calling fn. Unknown fields are
// rejected.
func bind[T any](status int, fn func(r *http.Request, in T) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in T
		dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&in); err != nil {
			respond(w, r, 0, nil, &badRequest{err: err})
			return
		}
		out, err := fn(r, in)
		respond(w, r, status, out, err)
	}
}
