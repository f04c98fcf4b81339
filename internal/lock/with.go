package lock

import (
	"context"
)

// WithLock runs work while holding resource and releases the handle on every
// exit path, including a panic inside work (which is re-raised after
// release). Errors from work are returned unchanged.
func WithLock[T any](ctx context.Context, m *Manager, resource string, work func(ctx context.Context) (T, error)) (T, error) {
	return WithLocks(ctx, m, []string{resource}, work)
}

// WithLocks is WithLock over several resources, acquired all-or-nothing.
func WithLocks[T any](ctx context.Context, m *Manager, resources []string, work func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	handles, err := m.tryAcquireAll(resources)
	if err != nil {
		return zero, err
	}
	defer func() {
		for _, h := range handles {
			if rerr := m.Release(h); rerr != nil {
				m.log.Warn().Err(rerr).Str("resource", h.Resource).Msg("lock lost before release")
			}
		}
	}()

	return work(ctx)
}

// Do is WithLock for work without a result.
func (m *Manager) Do(ctx context.Context, resource string, work func(ctx context.Context) error) error {
	_, err := WithLock(ctx, m, resource, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	})
	return err
}
