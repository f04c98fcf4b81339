package testutil

import (
	"path/filepath"
	"testing"

	"github.com/roach88/tillsync/internal/store"
)

// OpenStore opens a fresh SQLite store in t.TempDir and closes it on cleanup.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tillsync.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
