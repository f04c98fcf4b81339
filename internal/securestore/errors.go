package securestore

import (
	"errors"
	"fmt"
)

// ErrEncryption marks failures to seal a record (key derivation, AEAD setup,
// random source).
var ErrEncryption = errors.New("securestore: encryption failed")

// IntegrityError reports a stored record that cannot be trusted: unknown
// envelope version, AEAD authentication failure or digest mismatch.
//
// Get never returns it; the record is treated as absent and deleted.
// OpenSnapshot returns it so callers can decide per namespace.
type IntegrityError struct {
	Namespace string
	Key       string
	Reason    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("securestore: corrupt record %s/%s: %s", e.Namespace, e.Key, e.Reason)
}

// IsIntegrityError reports whether err is (or wraps) an IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
