package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertdesk/internal/event"
	"alertdesk/internal/source"
	"alertdesk/internal/storage"
	"alertdesk/internal/testutil"
	logx "alertdesk/pkg/logx"
)

func msgs(n int, base int64) []event.RawMessage {
	out := make([]event.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, event.RawMessage{
			ChatID:        1,
			Body:          fmt.Sprintf("message %d", i),
			TimestampUnix: base + int64(i),
			ExternalID:    event.ExternalID(fmt.Sprintf("m%d", i)),
		})
	}
	return out
}

type blockingSource struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSource) Name() string { return "blocking" }

func (b *blockingSource) Fetch(ctx context.Context, since int64) (source.Batch, error) {
	close(b.entered)
	select {
	case <-b.release:
		return source.Batch{Next: since}, nil
	case <-ctx.Done():
		return source.Batch{}, ctx.Err()
	}
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string, time.Duration) (func(context.Context) error, error) {
	return nil, ErrLockHeld
}

type recordingLocker struct {
	mu       sync.Mutex
	keys     []string
	released int
}

func (l *recordingLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	return func(context.Context) error {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
		return nil
	}, nil
}

type tickCounter struct {
	mu      sync.Mutex
	results map[string]int
}

func (c *tickCounter) ObserveTick(result string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = map[string]int{}
	}
	c.results[result]++
}

func (c *tickCounter) get(result string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[result]
}

func TestRunOnceAdvancesMarkerAndRunsHooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	src := &source.Static{Messages: msgs(3, 100)}
	s := New(Config{}, Deps{Source: src, Store: st, Log: logx.Nop()})

	var got []event.Event
	s.OnCreated(func(_ context.Context, created []event.Event) { got = append(got, created...) })

	res, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Summary.Created)
	assert.True(t, res.Advanced)
	assert.Equal(t, int64(102), res.Next)
	require.Len(t, got, 3)
	assert.Equal(t, "m0", got[0].ExternalID)

	cur, ok, err := st.Cursor(ctx, s.CursorName())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(102), cur)

	// The boundary message is re-delivered and deduplicated.
	res, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Summary.Created)
	assert.Equal(t, 1, res.Summary.Skipped)
	assert.False(t, res.Advanced)
	assert.Len(t, got, 3, "hooks must not run without new events")
}

func TestStoreFailureKeepsMarker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := testutil.NewTestStore(t)
	st := &testutil.FailingStore{Store: base, FailAfter: 2}
	src := &source.Static{Messages: msgs(5, 100)}
	s := New(Config{}, Deps{Source: src, Store: st, Log: logx.Nop()})

	hookCalls := 0
	s.OnCreated(func(context.Context, []event.Event) { hookCalls++ })

	_, err := s.RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrStore))
	assert.Zero(t, hookCalls)

	_, ok, err := base.Cursor(ctx, s.CursorName())
	require.NoError(t, err)
	assert.False(t, ok, "marker must not move after a partial batch")

	// Recovery: the same window is re-fetched, the first two are skipped.
	st.SetFailAfter(-1)
	res, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Summary.Created)
	assert.Equal(t, 2, res.Summary.Skipped)

	n, err := base.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	cur, _, err := base.Cursor(ctx, s.CursorName())
	require.NoError(t, err)
	assert.Equal(t, int64(104), cur)
}

func TestSourceFailureKeepsMarker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	require.NoError(t, st.PutCursor(ctx, "source:static", 50))
	obs := &tickCounter{}
	src := &source.Static{Err: errors.New("connection refused")}
	s := New(Config{}, Deps{Source: src, Store: st, Observer: obs, Log: logx.Nop()})

	_, err := s.RunOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrSourceUnavailable)
	assert.Equal(t, 1, obs.get(TickSourceError))

	cur, _, err := st.Cursor(ctx, s.CursorName())
	require.NoError(t, err)
	assert.Equal(t, int64(50), cur)

	snap := s.Snapshot()
	assert.Equal(t, TickSourceError, snap.LastResult)
	assert.NotEmpty(t, snap.LastError)
}

func TestRunOnceIsSingleFlight(t *testing.T) {
	t.Parallel()
	st := testutil.NewTestStore(t)
	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	obs := &tickCounter{}
	s := New(Config{}, Deps{Source: src, Store: st, Observer: obs, Log: logx.Nop()})

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	<-src.entered

	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrTickInFlight)
	assert.Equal(t, 1, obs.get(TickInFlight))

	close(src.release)
	require.NoError(t, <-done)
}

func TestLockHeldSkipsTick(t *testing.T) {
	t.Parallel()
	st := testutil.NewTestStore(t)
	src := &source.Static{Messages: msgs(1, 1)}
	s := New(Config{}, Deps{Source: src, Store: st, Locker: heldLocker{}, Log: logx.Nop()})

	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrLockHeld)

	n, err := st.UnreadCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLockIsReleased(t *testing.T) {
	t.Parallel()
	st := testutil.NewTestStore(t)
	l := &recordingLocker{}
	s := New(Config{}, Deps{Source: &source.Static{}, Store: st, Locker: l, Log: logx.Nop()})

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alertdesk:tick:source:static"}, l.keys)
	assert.Equal(t, 1, l.released)
}

func TestStopCancelsInFlightTick(t *testing.T) {
	t.Parallel()
	st := testutil.NewTestStore(t)
	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	s := New(Config{Enabled: true, Interval: time.Hour}, Deps{Source: src, Store: st, Log: logx.Nop()})
	s.Start(context.Background())
	require.True(t, s.IsRunning())

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	<-src.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Stop(ctx)

	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, <-done, source.ErrSourceUnavailable)

	_, ok, err := st.Cursor(context.Background(), s.CursorName())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStartDisabledAndApply(t *testing.T) {
	t.Parallel()
	st := testutil.NewTestStore(t)
	s := New(Config{Enabled: false, Interval: time.Hour}, Deps{Source: &source.Static{}, Store: st, Log: logx.Nop()})

	s.Start(context.Background())
	assert.False(t, s.IsRunning())

	s.Apply(Config{Enabled: true, Interval: time.Hour})
	assert.True(t, s.IsRunning())

	s.Apply(Config{Enabled: true, Interval: 2 * time.Hour})
	assert.True(t, s.IsRunning())
	assert.Equal(t, 2*time.Hour, s.Snapshot().Interval)

	s.Apply(Config{Enabled: false})
	assert.False(t, s.IsRunning())

	s.Stop(context.Background())
}

func TestEveryWithSpread(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	sched, jitter := everyWithSpread(time.Minute, 0, now, "x")
	assert.Zero(t, jitter)
	assert.Equal(t, now.Add(time.Minute), sched.Next(now))

	sched, jitter = everyWithSpread(time.Minute, time.Hour, now, "x")
	assert.Less(t, jitter, time.Minute)
	first := sched.Next(now)
	assert.Equal(t, now.Add(time.Minute+jitter), first)
	assert.WithinDuration(t, first.Add(time.Minute), sched.Next(first), time.Second)
}

func TestStopRacingTicks(t *testing.T) {
	t.Parallel()
	st := testutil.NewTestStore(t)
	s := New(Config{Enabled: true, Interval: time.Hour}, Deps{Source: &source.Static{Messages: msgs(2, 1)}, Store: st, Log: logx.Nop()})

	for i := 0; i < 50; i++ {
		s.Start(context.Background())

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.RunOnce(context.Background())
			}()
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.Stop(ctx)
		cancel()
		wg.Wait()

		if s.IsRunning() {
			t.Fatalf("IsRunning() = true after Stop, iteration %d", i)
		}
	}

	n, err := st.UnreadCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStopWaitsForTickStartedAfterCronStop(t *testing.T) {
	t.Parallel()
	st := testutil.NewTestStore(t)
	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	s := New(Config{}, Deps{Source: src, Store: st, Log: logx.Nop()})

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	<-src.entered

	stopped := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatalf("Stop returned while a tick was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(src.release)
	require.NoError(t, <-done)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("Stop did not return after the tick finished")
	}
}
