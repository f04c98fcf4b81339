package securestore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/roach88/tillsync/internal/store"
)

const (
	keyringNamespace = "keyring"
	deviceKeyName    = "device"
	deviceKeySize    = 32
	saltSize         = 16
)

// DefaultAppSecret is mixed into every key derivation. It is not a secret
// in any strong sense: it ships with the binary.
const DefaultAppSecret = "tillsync/v1/app-secret"

// keyring holds the per-device key and derives per-record keys from it.
type keyring struct {
	device    []byte
	appSecret []byte
}

// loadDeviceKey returns the persisted device key, creating one on first use.
// A persisted key of the wrong size is replaced; records sealed under the
// old key become unreadable.
func loadDeviceKey(ctx context.Context, b Backend, rnd io.Reader) (key []byte, created bool, err error) {
	key, err = b.Get(ctx, keyringNamespace, deviceKeyName)
	switch {
	case err == nil && len(key) == deviceKeySize:
		return key, false, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, false, fmt.Errorf("load device key: %w", err)
	}

	key = make([]byte, deviceKeySize)
	if _, err := io.ReadFull(rnd, key); err != nil {
		return nil, false, fmt.Errorf("generate device key: %w: %v", ErrEncryption, err)
	}
	if err := b.Set(ctx, keyringNamespace, deviceKeyName, key); err != nil {
		return nil, false, fmt.Errorf("persist device key: %w", err)
	}
	return key, true, nil
}

// derive expands the device key into a purpose-bound 32 byte key.
// info binds the app secret, purpose and namespace.
func (k *keyring) derive(purpose, namespace string, salt []byte) ([]byte, error) {
	info := make([]byte, 0, len(k.appSecret)+len(purpose)+len(namespace)+2)
	info = append(info, k.appSecret...)
	info = append(info, 0)
	info = append(info, purpose...)
	info = append(info, 0)
	info = append(info, namespace...)

	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.device, salt, info), out); err != nil {
		return nil, fmt.Errorf("%w: derive %s key: %v", ErrEncryption, purpose, err)
	}
	return out, nil
}

// digest computes HMAC-SHA256(macKey, plaintext || salt).
func (k *keyring) digest(namespace string, salt, plaintext []byte) ([]byte, error) {
	macKey, err := k.derive("mac", namespace, salt)
	if err != nil {
		return nil, err
	}
	m := hmac.New(sha256.New, macKey)
	m.Write(plaintext)
	m.Write(salt)
	return m.Sum(nil), nil
}

// synthetic returns n bytes deterministically derived from the device key,
// a label and the inputs. Used for snapshot salts and nonces.
func (k *keyring) synthetic(label string, n int, parts ...[]byte) []byte {
	m := hmac.New(sha256.New, k.device)
	m.Write([]byte(label))
	for _, p := range parts {
		m.Write([]byte{0})
		m.Write(p)
	}
	sum := m.Sum(nil)
	for len(sum) < n {
		m.Reset()
		m.Write(sum)
		sum = append(sum, m.Sum(nil)...)
	}
	return sum[:n]
}
