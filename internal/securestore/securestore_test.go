package securestore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

func newTestSecureStore(t *testing.T, backend *store.Store, clk *testutil.FakeClock) *Store {
	t.Helper()
	opt := Options{Logger: logger.Nop()}
	if clk != nil {
		opt.Clock = clk
	}
	s, err := New(context.Background(), backend, opt)
	require.NoError(t, err)
	return s
}

type sale struct {
	InvoiceID string            `json:"invoiceId"`
	Items     []string          `json:"items"`
	Total     string            `json:"total"`
	Meta      map[string]string `json:"meta,omitempty"`
}

func TestPutGet_Roundtrip(t *testing.T) {
	backend := testutil.OpenStore(t)
	s := newTestSecureStore(t, backend, testutil.NewFakeClock(time.Time{}))
	ctx := context.Background()

	cases := []struct {
		name string
		in   any
		out  func() any
	}{
		{"struct", sale{InvoiceID: "inv-1", Items: []string{"a", "b"}, Total: "45.00", Meta: map[string]string{"k": "v"}}, func() any { return &sale{} }},
		{"string", "مرحبا", func() any { return new(string) }},
		{"number", 42.5, func() any { return new(float64) }},
		{"slice", []int{3, 1, 2}, func() any { return new([]int) }},
		{"map", map[string]any{"nested": map[string]any{"x": true}}, func() any { return new(map[string]any) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, "invoices", tc.name, tc.in, 0))

			out := tc.out()
			ok, err := s.Get(ctx, "invoices", tc.name, out)
			require.NoError(t, err)
			require.True(t, ok)

			want, _ := json.Marshal(tc.in)
			got, _ := json.Marshal(out)
			assert.JSONEq(t, string(want), string(got))
		})
	}
}

func TestPut_StoresNoPlaintext(t *testing.T) {
	backend := testutil.OpenStore(t)
	s := newTestSecureStore(t, backend, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "customers", "c1", map[string]string{"name": "Salim Haddad"}, 0))

	raw, err := backend.Get(ctx, "customers", "c1")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Salim")
}

func TestPut_FreshSaltEveryWrite(t *testing.T) {
	backend := testutil.OpenStore(t)
	s := newTestSecureStore(t, backend, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "ns", "a", "same", 0))
	require.NoError(t, s.Put(ctx, "ns", "b", "same", 0))

	ra, _ := backend.Get(ctx, "ns", "a")
	rb, _ := backend.Get(ctx, "ns", "b")

	var ea, eb envelope
	require.NoError(t, json.Unmarshal(ra, &ea))
	require.NoError(t, json.Unmarshal(rb, &eb))
	assert.NotEqual(t, ea.Salt, eb.Salt)
	assert.NotEqual(t, ea.CipherText, eb.CipherText)
}

func TestGet_Absent(t *testing.T) {
	s := newTestSecureStore(t, testutil.OpenStore(t), nil)

	var v string
	ok, err := s.Get(context.Background(), "ns", "missing", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

// tamper rewrites the stored envelope with fn and writes it back raw.
func tamper(t *testing.T, backend *store.Store, ns, key string, fn func(*envelope)) {
	t.Helper()
	ctx := context.Background()
	raw, err := backend.Get(ctx, ns, key)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	fn(&env)
	raw, err = json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, backend.Set(ctx, ns, key, raw))
}

func TestGet_DigestBitFlipReadsAbsent(t *testing.T) {
	backend := testutil.OpenStore(t)
	s := newTestSecureStore(t, backend, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "sync_queue", "0000000001", sale{InvoiceID: "inv-1"}, 0))
	tamper(t, backend, "sync_queue", "0000000001", func(e *envelope) { e.Digest[0] ^= 0x01 })

	var got sale
	ok, err := s.Get(ctx, "sync_queue", "0000000001", &got)
	require.NoError(t, err, "corruption must never surface as an error")
	assert.False(t, ok)

	_, err = backend.Get(ctx, "sync_queue", "0000000001")
	assert.ErrorIs(t, err, store.ErrNotFound, "corrupt record is deleted")
}

func TestGet_CipherTextBitFlipReadsAbsent(t *testing.T) {
	backend := testutil.OpenStore(t)
	s := newTestSecureStore(t, backend, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "ns", "k", "value", 0))
	tamper(t, backend, "ns", "k", func(e *envelope) { e.CipherText[len(e.CipherText)-1] ^= 0x80 })

	var v string
	ok, err := s.Get(ctx, "ns", "k", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_UnknownVersionReadsAbsent(t *testing.T) {
	backend := testutil.OpenStore(t)
	s := newTestSecureStore(t, backend, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "ns", "k", "value", 0))
	tamper(t, backend, "ns", "k", func(e *envelope) { e.Version = 9 })

	var v string
	ok, err := s.Get(ctx, "ns", "k", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_GarbageReadsAbsent(t *testing.T) {
	backend := testutil.OpenStore(t)
	s := newTestSecureStore(t, backend, nil)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "ns", "k", []byte("not json")))

	var v string
	ok, err := s.Get(ctx, "ns", "k", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_RecordMovedToAnotherKeyReadsAbsent(t *testing.T) {
	backend := testutil.OpenStore(t)
	s := newTestSecureStore(t, backend, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "ns", "a", "value", 0))
	raw, err := backend.Get(ctx, "ns", "a")
	require.NoError(t, err)
	require.NoError(t, backend.Set(ctx, "ns", "b", raw))

	var v string
	ok, err := s.Get(ctx, "ns", "b", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_ExpiredRecordIsDeleted(t *testing.T) {
	backend := testutil.OpenStore(t)
	clk := testutil.NewFakeClock(time.Time{})
	s := newTestSecureStore(t, backend, clk)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "ns", "k", "short-lived", time.Minute))

	var v string
	ok, err := s.Get(ctx, "ns", "k", &v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "short-lived", v)

	clk.Advance(time.Minute)

	ok, err = s.Get(ctx, "ns", "k", &v)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = backend.Get(ctx, "ns", "k")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeviceKey_PersistsAcrossInstances(t *testing.T) {
	backend := testutil.OpenStore(t)
	ctx := context.Background()

	s1 := newTestSecureStore(t, backend, nil)
	require.NoError(t, s1.Put(ctx, "ns", "k", "survives restart", 0))

	s2 := newTestSecureStore(t, backend, nil)
	var v string
	ok, err := s2.Get(ctx, "ns", "k", &v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "survives restart", v)
}

func TestDeviceKey_LossMakesRecordsUnreadable(t *testing.T) {
	backend := testutil.OpenStore(t)
	ctx := context.Background()

	s1 := newTestSecureStore(t, backend, nil)
	require.NoError(t, s1.Put(ctx, "ns", "k", "v", 0))

	require.NoError(t, backend.Delete(ctx, keyringNamespace, deviceKeyName))

	s2 := newTestSecureStore(t, backend, nil)
	var v string
	ok, err := s2.Get(ctx, "ns", "k", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppSecret_SeparatesStores(t *testing.T) {
	backend := testutil.OpenStore(t)
	ctx := context.Background()

	s1, err := New(ctx, backend, Options{AppSecret: "one", Logger: logger.Nop()})
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, "ns", "k", "v", 0))

	s2, err := New(ctx, backend, Options{AppSecret: "two", Logger: logger.Nop()})
	require.NoError(t, err)

	var v string
	ok, err := s2.Get(ctx, "ns", "k", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasRemoveClear(t *testing.T) {
	s := newTestSecureStore(t, testutil.OpenStore(t), nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "history", "a", 1, 0))
	require.NoError(t, s.Put(ctx, "history", "b", 2, 0))

	has, err := s.Has(ctx, "history", "a")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.Remove(ctx, "history", "a"))
	has, err = s.Has(ctx, "history", "a")
	require.NoError(t, err)
	assert.False(t, has)

	keys, err := s.Keys(ctx, "history")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)

	require.NoError(t, s.ClearNamespace(ctx, "history"))
	keys, err = s.Keys(ctx, "history")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStage_AppliesAtomically(t *testing.T) {
	s := newTestSecureStore(t, testutil.OpenStore(t), nil)
	ctx := context.Background()

	var b store.Batch
	require.NoError(t, s.Stage(&b, "sync_queue", "1", "first", 0))
	require.NoError(t, s.Stage(&b, "sync_queue", "2", "second", 0))
	require.NoError(t, s.Apply(ctx, &b))

	var v string
	ok, err := s.Get(ctx, "sync_queue", "2", &v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "second", v)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestNew_RandomFailureIsEncryptionError(t *testing.T) {
	_, err := New(context.Background(), testutil.OpenStore(t), Options{Rand: failingReader{}, Logger: logger.Nop()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncryption)
}

func TestSnapshot_Deterministic(t *testing.T) {
	s := newTestSecureStore(t, testutil.OpenStore(t), nil)
	plaintext := []byte(`{"p1":{"stock":"5"}}`)

	a, err := s.SealSnapshot("products", plaintext)
	require.NoError(t, err)
	b, err := s.SealSnapshot("products", plaintext)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := s.SealSnapshot("customers", plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	got, err := s.OpenSnapshot("products", a)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSnapshot_TamperIsIntegrityError(t *testing.T) {
	s := newTestSecureStore(t, testutil.OpenStore(t), nil)

	raw, err := s.SealSnapshot("products", []byte(`{}`))
	require.NoError(t, err)

	_, err = s.OpenSnapshot("customers", raw)
	assert.True(t, IsIntegrityError(err))

	_, err = s.OpenSnapshot("products", []byte("{"))
	assert.True(t, IsIntegrityError(err))
}
