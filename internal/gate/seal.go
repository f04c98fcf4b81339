package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/tillsync/internal/activity"
	"github.com/roach88/tillsync/internal/lock"
	"github.com/roach88/tillsync/internal/store"
)

// snapshotRecord is one key of a sealed namespace.
type snapshotRecord struct {
	Key   string `json:"k"`
	Value []byte `json:"v"`
}

// UnsealError lists namespaces whose snapshot could not be opened. The
// other namespaces were restored.
type UnsealError struct {
	Namespaces []string
}

func (e *UnsealError) Error() string {
	return "gate: could not unseal " + strings.Join(e.Namespaces, ", ")
}

// EncryptLocalData seals every non-empty protected namespace and deletes
// its plaintext. A namespace that fails to seal is left as it was; the
// others and the encrypted flag are committed in one batch. With a lock
// manager configured, a running transaction makes it fail with a
// *lock.BusyError and nothing is sealed.
func (g *Gate) EncryptLocalData(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.encryptLocked(ctx)
}

// DecryptLocalData opens every snapshot independently, restores the
// plaintext and clears the encrypted flag.
func (g *Gate) DecryptLocalData(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decryptLocked(ctx)
}

func (g *Gate) encryptLocked(ctx context.Context) error {
	if g.state.IsEncrypted {
		return nil
	}
	if g.opt.Locks == nil {
		return g.sealLocked(ctx)
	}
	_, err := lock.WithLocks(ctx, g.opt.Locks, lock.LedgerResources, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.sealLocked(ctx)
	})
	return err
}

func (g *Gate) sealLocked(ctx context.Context) error {

	var b store.Batch
	sealed := []string{}
	for _, ns := range g.opt.Namespaces {
		recs, err := g.st.Scan(ctx, ns)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", ns, err)
		}
		if len(recs) == 0 {
			continue
		}
		snap := make([]snapshotRecord, 0, len(recs))
		for _, r := range recs {
			snap = append(snap, snapshotRecord{Key: r.Key, Value: r.Value})
		}
		plain, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", ns, err)
		}
		raw, err := g.sec.SealSnapshot(ns, plain)
		if err != nil {
			g.log.Error().Err(err).Str("namespace", ns).Msg("seal failed, namespace left in plaintext")
			continue
		}
		b.Set(snapshotNamespace, ns, raw)
		b.DeleteNamespace(ns)
		sealed = append(sealed, ns)
	}

	next := g.state
	now := g.clock.Now()
	next.IsEncrypted = true
	next.LockedAt = &now
	next.Sealed = sealed
	if err := g.sec.Stage(&b, stateNamespace, stateKey, next, 0); err != nil {
		return err
	}
	if err := g.st.Apply(ctx, &b); err != nil {
		return fmt.Errorf("encrypt local data: %w", err)
	}
	g.state = next

	g.log.Warn().Strs("namespaces", sealed).Msg("local data sealed")
	g.audit(ctx, fmt.Sprintf("Local data locked after %d days without server contact", g.daysLocked()), sealed)
	g.publishLocked()
	return nil
}

func (g *Gate) decryptLocked(ctx context.Context) error {
	keys, err := g.st.Keys(ctx, snapshotNamespace)
	if err != nil {
		return fmt.Errorf("decrypt local data: %w", err)
	}

	var failed, restored []string
	for _, ns := range keys {
		if err := g.unseal(ctx, ns); err != nil {
			g.log.Error().Err(err).Str("namespace", ns).Msg("unseal failed")
			failed = append(failed, ns)
			continue
		}
		restored = append(restored, ns)
	}

	g.state.IsEncrypted = false
	g.state.LockedAt = nil
	g.state.Sealed = nil
	if err := g.saveLocked(ctx); err != nil {
		return err
	}

	g.log.Info().Strs("namespaces", restored).Msg("local data unsealed")
	g.audit(ctx, "Local data unlocked after server contact", restored)
	g.publishLocked()

	if len(failed) > 0 {
		return &UnsealError{Namespaces: failed}
	}
	return nil
}

// unseal restores one namespace and drops its snapshot atomically.
func (g *Gate) unseal(ctx context.Context, ns string) error {
	raw, err := g.st.Get(ctx, snapshotNamespace, ns)
	if err != nil {
		return err
	}
	plain, err := g.sec.OpenSnapshot(ns, raw)
	if err != nil {
		return err
	}
	var snap []snapshotRecord
	if err := json.Unmarshal(plain, &snap); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", ns, err)
	}

	var b store.Batch
	for _, r := range snap {
		b.Set(ns, r.Key, r.Value)
	}
	b.Delete(snapshotNamespace, ns)
	return g.st.Apply(ctx, &b)
}

func (g *Gate) audit(ctx context.Context, desc string, namespaces []string) {
	if g.opt.Audit == nil {
		return
	}
	_, err := g.opt.Audit.Record(ctx, activity.Entry{
		Type:        activity.TypeProtection,
		Description: desc,
		Details:     map[string]any{"namespaces": namespaces},
	})
	if err != nil {
		g.log.Warn().Err(err).Msg("audit protection change")
	}
}
