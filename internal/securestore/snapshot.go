package securestore

import (
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const snapshotKey = "snapshot"

// SealSnapshot seals plaintext deterministically: the salt and nonce are
// synthesized from the device key, namespace and plaintext, so sealing the
// same snapshot twice yields identical bytes. Used for namespace lockdown,
// where a decrypt followed by a re-encrypt must restore the exact prior state.
func (s *Store) SealSnapshot(namespace string, plaintext []byte) ([]byte, error) {
	salt := s.keys.synthetic("snapshot-salt", saltSize, []byte(namespace), plaintext)
	nonce := s.keys.synthetic("snapshot-nonce", chacha20poly1305.NonceSizeX, []byte(namespace), plaintext)

	env, err := s.sealWith(namespace, snapshotKey, plaintext, salt, nonce)
	if err != nil {
		return nil, fmt.Errorf("seal snapshot %s: %w", namespace, err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("seal snapshot %s: %w", namespace, err)
	}
	return raw, nil
}

// OpenSnapshot reverses SealSnapshot. A tampered or foreign snapshot yields
// an *IntegrityError.
func (s *Store) OpenSnapshot(namespace string, raw []byte) ([]byte, error) {
	plaintext, _, err := s.open(namespace, snapshotKey, raw)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}
