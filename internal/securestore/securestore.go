// Package securestore seals records at rest and detects tampering on read.
//
// Each write draws a fresh salt, derives per-record encryption and MAC keys
// from {app secret, device key, salt, namespace} with HKDF-SHA256, seals the
// JSON value with XChaCha20-Poly1305 and stores an HMAC-SHA256 digest of
// plaintext || salt alongside it. Reads that fail authentication, digest
// comparison or expiry are treated as absent and the record is deleted.
//
// This deters casual tampering with the local cache. It does not protect
// against an attacker who can read the device key from the same database.
package securestore

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/store"
)

const envelopeVersion uint8 = 1

// Backend is the raw persistence the secure store writes through.
// *store.Store satisfies it.
type Backend interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	Keys(ctx context.Context, namespace string) ([]string, error)
	DeleteNamespace(ctx context.Context, namespace string) (int64, error)
	Apply(ctx context.Context, b *store.Batch) error
}

// envelope is the persisted form of a SecureRecord.
type envelope struct {
	Version    uint8  `json:"v"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	CipherText []byte `json:"ct"`
	Digest     []byte `json:"digest"`
	ExpiresAt  *int64 `json:"exp,omitempty"`
}

// Options configures a Store.
type Options struct {
	// AppSecret is mixed into key derivation. Defaults to DefaultAppSecret.
	AppSecret string
	Clock     clock.Clock
	Logger    *logger.Logger
	// Rand is the entropy source for device keys, salts and nonces.
	// Defaults to crypto/rand.
	Rand io.Reader
}

// Store is the Secure Record Store. Safe for concurrent use.
type Store struct {
	backend Backend
	keys    *keyring
	clock   clock.Clock
	log     *logger.Logger
	rnd     io.Reader
	rndMu   sync.Mutex
}

// New loads (or creates and persists) the device key and returns a Store.
// The key is cached for the lifetime of the Store.
func New(ctx context.Context, backend Backend, opt Options) (*Store, error) {
	if opt.AppSecret == "" {
		opt.AppSecret = DefaultAppSecret
	}
	if opt.Rand == nil {
		opt.Rand = rand.Reader
	}
	log := opt.Logger
	if log == nil {
		log = logger.Named("securestore")
	}

	device, created, err := loadDeviceKey(ctx, backend, opt.Rand)
	if err != nil {
		return nil, err
	}
	if created {
		log.Info().Msg("generated new device key")
	}

	return &Store{
		backend: backend,
		keys:    &keyring{device: device, appSecret: []byte(opt.AppSecret)},
		clock:   clock.Or(opt.Clock),
		log:     log,
		rnd:     opt.Rand,
	}, nil
}

// Put seals v under (namespace, key). A positive ttl sets an expiry after
// which Get treats the record as absent.
func (s *Store) Put(ctx context.Context, namespace, key string, v any, ttl time.Duration) error {
	raw, err := s.seal(namespace, key, v, ttl)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	if err := s.backend.Set(ctx, namespace, key, raw); err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Stage seals v and adds the write to b, for callers that need several
// secure records (or a mix of secure and plain writes) applied atomically.
func (s *Store) Stage(b *store.Batch, namespace, key string, v any, ttl time.Duration) error {
	raw, err := s.seal(namespace, key, v, ttl)
	if err != nil {
		return fmt.Errorf("stage %s/%s: %w", namespace, key, err)
	}
	b.Set(namespace, key, raw)
	return nil
}

// Apply commits a batch built with Stage.
func (s *Store) Apply(ctx context.Context, b *store.Batch) error {
	return s.backend.Apply(ctx, b)
}

// Get opens (namespace, key) into out. It reports false when the record is
// absent, expired or corrupt; expired and corrupt records are deleted.
// Only persistence failures are returned as errors.
func (s *Store) Get(ctx context.Context, namespace, key string, out any) (bool, error) {
	raw, err := s.backend.Get(ctx, namespace, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}

	plaintext, expired, err := s.open(namespace, key, raw)
	if err == nil && !expired {
		if err = json.Unmarshal(plaintext, out); err != nil {
			err = &IntegrityError{Namespace: namespace, Key: key, Reason: "undecodable value: " + err.Error()}
		}
	}

	switch {
	case expired:
		s.log.Debug().Str("namespace", namespace).Str("key", key).Msg("record expired")
	case err != nil:
		s.log.Warn().Err(err).Str("namespace", namespace).Str("key", key).Msg("dropping corrupt record")
	default:
		return true, nil
	}

	if derr := s.backend.Delete(ctx, namespace, key); derr != nil {
		return false, fmt.Errorf("get %s/%s: delete stale: %w", namespace, key, derr)
	}
	return false, nil
}

// Has reports whether a readable, unexpired record exists.
func (s *Store) Has(ctx context.Context, namespace, key string) (bool, error) {
	var v json.RawMessage
	return s.Get(ctx, namespace, key, &v)
}

// Remove deletes (namespace, key).
func (s *Store) Remove(ctx context.Context, namespace, key string) error {
	return s.backend.Delete(ctx, namespace, key)
}

// Keys lists the keys of namespace, readable or not.
func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	return s.backend.Keys(ctx, namespace)
}

// ClearNamespace deletes every record in namespace.
func (s *Store) ClearNamespace(ctx context.Context, namespace string) error {
	if _, err := s.backend.DeleteNamespace(ctx, namespace); err != nil {
		return fmt.Errorf("clear %s: %w", namespace, err)
	}
	return nil
}

func (s *Store) seal(namespace, key string, v any, ttl time.Duration) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}

	salt := make([]byte, saltSize)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	s.rndMu.Lock()
	_, err = io.ReadFull(s.rnd, salt)
	if err == nil {
		_, err = io.ReadFull(s.rnd, nonce)
	}
	s.rndMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: read random: %v", ErrEncryption, err)
	}

	env, err := s.sealWith(namespace, key, plaintext, salt, nonce)
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		exp := s.clock.Now().Add(ttl).UnixMilli()
		env.ExpiresAt = &exp
	}
	return json.Marshal(env)
}

func (s *Store) sealWith(namespace, key string, plaintext, salt, nonce []byte) (envelope, error) {
	encKey, err := s.keys.derive("enc", namespace, salt)
	if err != nil {
		return envelope{}, err
	}
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	digest, err := s.keys.digest(namespace, salt, plaintext)
	if err != nil {
		return envelope{}, err
	}
	return envelope{
		Version:    envelopeVersion,
		Salt:       salt,
		Nonce:      nonce,
		CipherText: aead.Seal(nil, nonce, plaintext, additionalData(namespace, key)),
		Digest:     digest,
	}, nil
}

// open authenticates raw and returns the plaintext. expired is reported
// before any decryption is attempted.
func (s *Store) open(namespace, key string, raw []byte) (plaintext []byte, expired bool, err error) {
	corrupt := func(reason string) ([]byte, bool, error) {
		return nil, false, &IntegrityError{Namespace: namespace, Key: key, Reason: reason}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return corrupt("undecodable envelope")
	}
	if env.Version != envelopeVersion {
		return corrupt(fmt.Sprintf("unknown version %d", env.Version))
	}
	if env.ExpiresAt != nil && !s.clock.Now().Before(time.UnixMilli(*env.ExpiresAt)) {
		return nil, true, nil
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return corrupt("bad nonce length")
	}

	encKey, err := s.keys.derive("enc", namespace, env.Salt)
	if err != nil {
		return nil, false, err
	}
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	plaintext, err = aead.Open(nil, env.Nonce, env.CipherText, additionalData(namespace, key))
	if err != nil {
		return corrupt("authentication failed")
	}

	want, err := s.keys.digest(namespace, env.Salt, plaintext)
	if err != nil {
		return nil, false, err
	}
	if !hmac.Equal(want, env.Digest) {
		return corrupt("digest mismatch")
	}
	return plaintext, false, nil
}

// additionalData binds a ciphertext to its location so a record copied to
// another key fails authentication.
func additionalData(namespace, key string) []byte {
	ad := make([]byte, 0, len(namespace)+len(key)+1)
	ad = append(ad, namespace...)
	ad = append(ad, 0)
	ad = append(ad, key...)
	return ad
}
