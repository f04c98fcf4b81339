package app

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// RunOptions selects the optional parts of Run.
type RunOptions struct {
	// Serve starts the local HTTP API.
	Serve bool
}

// Run starts the replay worker and the periodic loops (protection check,
// history cleanup, connectivity probe) and blocks until ctx is done or one
// of them fails.
func (a *App) Run(ctx context.Context, opt RunOptions) error {
	if err := a.Queue.Start(ctx); err != nil {
		return err
	}
	defer a.Queue.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Gate.Run(gctx) })
	g.Go(func() error { return a.History.Run(gctx) })
	g.Go(func() error { return a.Watcher.Run(gctx) })
	if opt.Serve {
		srv := a.API()
		g.Go(func() error { return srv.Run(gctx) })
	}

	a.log.Info().Bool("api", opt.Serve).Msg("engine running")
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}
