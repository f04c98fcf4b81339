package txn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tillsync/internal/ledger"
	"github.com/roach88/tillsync/internal/validate"
)

// ErrDataLocked is returned while the offline protection gate is locked.
var ErrDataLocked = errors.New("txn: local data locked, connect to the server")

// ValidationError rejects a transaction before anything is locked or
// written. Exactly one of the fields is set.
type ValidationError struct {
	// Issues are request constraint failures.
	Issues []validate.FieldIssue `json:"issues,omitempty"`
	// InsufficientItems are lines the stock cannot cover.
	InsufficientItems []ledger.Shortage `json:"insufficientItems,omitempty"`
	// Reason is any other precondition, e.g. an unknown sale.
	Reason string `json:"reason,omitempty"`
}

func (e *ValidationError) Error() string {
	switch {
	case len(e.InsufficientItems) > 0:
		names := make([]string, 0, len(e.InsufficientItems))
		for _, s := range e.InsufficientItems {
			name := s.ProductName
			if name == "" {
				name = s.ProductID
			}
			names = append(names, fmt.Sprintf("%s (available %s, requested %s)", name, s.Available, s.Requested))
		}
		return "txn: insufficient stock: " + strings.Join(names, ", ")
	case len(e.Issues) > 0:
		msgs := make([]string, 0, len(e.Issues))
		for _, is := range e.Issues {
			msgs = append(msgs, is.Message)
		}
		return "txn: invalid request: " + strings.Join(msgs, "; ")
	default:
		return "txn: " + e.Reason
	}
}

// LockContentionError reports a busy resource. Nothing was changed; the
// caller may try again.
type LockContentionError struct {
	Resource string
	Err      error
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("txn: %s busy, try again", e.Resource)
}

func (e *LockContentionError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsLockContention reports whether err is a *LockContentionError.
func IsLockContention(err error) bool {
	var le *LockContentionError
	return errors.As(err, &le)
}

func rejected(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// checkRequest runs struct validation and lifts its issues.
func checkRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var ve *validate.Error
	if errors.As(err, &ve) {
		return &ValidationError{Issues: ve.Issues}
	}
	return err
}
