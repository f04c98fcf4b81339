package syncqueue

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes queue errors.
type ErrorCode string

const (
	// ErrCodeNotFound indicates no entry has the given id.
	ErrCodeNotFound ErrorCode = "ENTRY_NOT_FOUND"

	// ErrCodeNoHandler indicates no handler is registered for an op type.
	ErrCodeNoHandler ErrorCode = "NO_HANDLER"

	// ErrCodeBadPayload indicates the payload could not be encoded or decoded.
	ErrCodeBadPayload ErrorCode = "BAD_PAYLOAD"
)

// Error is a structured queue error.
type Error struct {
	Code    ErrorCode
	Message string
	EntryID string
}

func (e *Error) Error() string {
	if e.EntryID != "" {
		return fmt.Sprintf("%s: %s (entry=%s)", e.Code, e.Message, e.EntryID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var (
	// ErrAlreadyRunning is returned by a second Start.
	ErrAlreadyRunning = errors.New("syncqueue: worker already running")

	// ErrSyncInProgress is returned by SyncNow while another drain holds
	// the worker lock.
	ErrSyncInProgress = errors.New("syncqueue: sync already in progress")
)

// IsNotFound reports whether err is an ENTRY_NOT_FOUND error.
func IsNotFound(err error) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code == ErrCodeNotFound
	}
	return false
}

// IsNoHandler reports whether err is a NO_HANDLER error.
func IsNoHandler(err error) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code == ErrCodeNoHandler
	}
	return false
}

// IsBadPayload reports whether err is a BAD_PAYLOAD error.
func IsBadPayload(err error) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code == ErrCodeBadPayload
	}
	return false
}

func notFound(id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: "no such queue entry", EntryID: id}
}
