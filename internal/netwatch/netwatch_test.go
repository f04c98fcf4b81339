package netwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/testutil"
)

type notifier struct{ n atomic.Int32 }

func (n *notifier) Notify() { n.n.Add(1) }

type contacts struct{ n atomic.Int32 }

func (c *contacts) RecordServerContact(context.Context) error {
	c.n.Add(1)
	return nil
}

type fixture struct {
	w       *Watcher
	remote  *testutil.FakeRemote
	queue   *notifier
	contact *contacts
	rec     *events.Recorder
	clk     *testutil.FakeClock
}

func newFixture() fixture {
	f := fixture{
		remote:  testutil.NewFakeRemote(),
		queue:   &notifier{},
		contact: &contacts{},
		rec:     &events.Recorder{},
		clk:     testutil.NewFakeClock(time.Time{}),
	}
	f.w = New(f.remote, Options{Queue: f.queue, Contact: f.contact, Events: f.rec, Clock: f.clk, Logger: logger.Nop()})
	return f
}

func TestCheck_Transitions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	assert.False(t, f.w.Online(), "offline until probed")

	f.remote.SetOnline(false)
	assert.False(t, f.w.Check(ctx))
	assert.Equal(t, 1, f.rec.Count(events.ConnectivityChanged))
	assert.Zero(t, f.queue.n.Load())
	assert.NotEmpty(t, f.w.Status().LastError)

	assert.False(t, f.w.Check(ctx))
	assert.Equal(t, 1, f.rec.Count(events.ConnectivityChanged), "no change, no event")

	f.clk.Advance(time.Minute)
	f.remote.SetOnline(true)
	assert.True(t, f.w.Check(ctx))
	assert.Equal(t, 2, f.rec.Count(events.ConnectivityChanged))
	assert.Equal(t, int32(1), f.queue.n.Load())
	assert.Equal(t, int32(1), f.contact.n.Load())

	st := f.w.Status()
	assert.True(t, st.Online)
	assert.Empty(t, st.LastError)
	assert.True(t, st.Since.Equal(testutil.Epoch.Add(time.Minute)))

	assert.True(t, f.w.Check(ctx))
	assert.Equal(t, int32(1), f.queue.n.Load(), "queue only kicked on transition")
	assert.Equal(t, int32(2), f.contact.n.Load(), "every successful probe is contact")
}

func TestCheck_FirstProbeOnlineKicksQueue(t *testing.T) {
	f := newFixture()
	assert.True(t, f.w.Check(context.Background()))
	assert.Equal(t, int32(1), f.queue.n.Load())

	evs := f.rec.Events()
	require.Len(t, evs, 1)
	st, ok := evs[0].Payload.(Status)
	require.True(t, ok)
	assert.True(t, st.Online)
}

type slowPinger struct{}

func (slowPinger) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCheck_Timeout(t *testing.T) {
	w := New(slowPinger{}, Options{Timeout: 10 * time.Millisecond, Logger: logger.Nop()})
	assert.False(t, w.Check(context.Background()))
	assert.Contains(t, w.Status().LastError, "deadline")
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.w.Run(ctx) }()

	require.Eventually(t, func() bool { return f.contact.n.Load() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
}
