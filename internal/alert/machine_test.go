package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"alertdesk/internal/event"
	logx "alertdesk/pkg/logx"
)

type memReader struct {
	mu      sync.Mutex
	events  []event.Event
	failErr error
}

func (r *memReader) Unread(context.Context) ([]event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, ev := range r.events {
		if !ev.IsRead {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *memReader) MarkRead(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	for i := range r.events {
		if r.events[i].ID == id {
			r.events[i].IsRead = true
		}
	}
	return nil
}

func (r *memReader) MarkAllRead(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return 0, r.failErr
	}
	var n int64
	for i := range r.events {
		if !r.events[i].IsRead {
			r.events[i].IsRead = true
			n++
		}
	}
	return n, nil
}

type fakeTimer struct {
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type harness struct {
	m      *Machine
	reader *memReader
	timers []*fakeTimer
	chimes int
	snaps  []Snapshot
}

func newHarness(t *testing.T, n int, chimeErr error) *harness {
	t.Helper()
	h := &harness{reader: &memReader{}}
	for i := 1; i <= n; i++ {
		h.reader.events = append(h.reader.events, event.Event{
			ID:         int64(i),
			ChatID:     1,
			Body:       "[14:02] Автоматическое оповещение: Cabinet 42 cancelled",
			ExternalID: "m",
			OccurredAt: int64(i) * 1000,
			Kind:       event.KindCancellation,
		})
	}
	chime := ChimeFunc(func(context.Context) error {
		h.chimes++
		return chimeErr
	})
	h.m = New(Config{ExpireAfter: 10 * time.Second}, h.reader, chime, func(s Snapshot) { h.snaps = append(h.snaps, s) }, logx.Nop())
	h.m.afterFunc = func(_ time.Duration, f func()) timer {
		ft := &fakeTimer{f: f}
		h.timers = append(h.timers, ft)
		return ft
	}
	return h
}

func (h *harness) fireLast() { h.timers[len(h.timers)-1].f() }

func TestSignalEntersAlerting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, nil)

	if err := h.m.Signal(context.Background()); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	s := h.m.Snapshot()
	if s.State != StateAlerting || !s.Visible || len(s.Pending) != 2 {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.Pending[0].Body != "Cabinet 42 cancelled" {
		t.Fatalf("display body = %q", s.Pending[0].Body)
	}
	if h.chimes != 1 || len(h.timers) != 1 {
		t.Fatalf("chimes = %d timers = %d, want 1 and 1", h.chimes, len(h.timers))
	}

	// A refresh while alerting neither chimes again nor re-arms the timer.
	if err := h.m.Signal(context.Background()); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if h.chimes != 1 || len(h.timers) != 1 {
		t.Fatalf("refresh chimed or re-armed: chimes = %d timers = %d", h.chimes, len(h.timers))
	}
}

func TestSignalWithNothingUnreadStaysIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0, nil)
	if err := h.m.Signal(context.Background()); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if s := h.m.Snapshot(); s.State != StateIdle || s.Visible {
		t.Fatalf("snapshot = %+v", s)
	}
	if h.chimes != 0 || len(h.snaps) != 0 {
		t.Fatalf("idle signal produced chimes=%d snaps=%d", h.chimes, len(h.snaps))
	}
}

func TestDismissOneOfThree(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, 3, nil)
	_ = h.m.Signal(ctx)

	if err := h.m.Dismiss(ctx, 2); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	s := h.m.Snapshot()
	if len(s.Pending) != 2 || !s.Visible || s.State != StateAlerting {
		t.Fatalf("after one dismiss: %+v", s)
	}

	_ = h.m.Dismiss(ctx, 1)
	_ = h.m.Dismiss(ctx, 3)
	s = h.m.Snapshot()
	if s.State != StateIdle || s.Visible || len(s.Pending) != 0 {
		t.Fatalf("after last dismiss: %+v", s)
	}
	if !h.timers[0].stopped {
		t.Fatal("expire timer not stopped on idle")
	}
	if unread, _ := h.reader.Unread(ctx); len(unread) != 0 {
		t.Fatalf("unread = %d, want 0", len(unread))
	}
}

func TestDismissFailureKeepsEventPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, 2, nil)
	_ = h.m.Signal(ctx)

	h.reader.failErr = errors.New("store down")
	if err := h.m.Dismiss(ctx, 1); err == nil {
		t.Fatal("expected error")
	}
	if err := h.m.DismissAll(ctx); err == nil {
		t.Fatal("expected error")
	}
	s := h.m.Snapshot()
	if len(s.Pending) != 2 || !s.Visible {
		t.Fatalf("failed dismiss changed state: %+v", s)
	}
}

func TestDismissAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, 3, nil)
	_ = h.m.Signal(ctx)

	if err := h.m.DismissAll(ctx); err != nil {
		t.Fatalf("DismissAll: %v", err)
	}
	if s := h.m.Snapshot(); s.State != StateIdle || s.Visible || len(s.Pending) != 0 {
		t.Fatalf("snapshot = %+v", s)
	}
	if unread, _ := h.reader.Unread(ctx); len(unread) != 0 {
		t.Fatalf("unread = %d, want 0", len(unread))
	}
}

func TestExpireHidesWithoutMarkingRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, 2, nil)
	_ = h.m.Signal(ctx)

	h.fireLast()

	s := h.m.Snapshot()
	if s.Visible || s.State != StateIdle {
		t.Fatalf("after expire: %+v", s)
	}
	unread, _ := h.reader.Unread(ctx)
	if len(unread) != 2 {
		t.Fatalf("unread = %d, want 2", len(unread))
	}

	// The next signal re-surfaces the still unread events with a new chime.
	_ = h.m.Signal(ctx)
	if s := h.m.Snapshot(); !s.Visible || len(s.Pending) != 2 {
		t.Fatalf("re-surface: %+v", s)
	}
	if h.chimes != 2 {
		t.Fatalf("chimes = %d, want 2", h.chimes)
	}
}

func TestStaleExpireIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, 1, nil)
	_ = h.m.Signal(ctx)
	stale := h.timers[0]

	_ = h.m.DismissAll(ctx)
	h.reader.events = append(h.reader.events, event.Event{ID: 9, ChatID: 1, Body: "new"})
	_ = h.m.Signal(ctx)

	stale.f()
	if s := h.m.Snapshot(); !s.Visible || s.State != StateAlerting {
		t.Fatalf("stale timer hid the new alert: %+v", s)
	}
}

func TestChimeFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, errors.New("autoplay blocked"))
	if err := h.m.Signal(context.Background()); err != nil {
		t.Fatalf("Signal returned chime error: %v", err)
	}
	if s := h.m.Snapshot(); !s.Visible {
		t.Fatalf("alert not visible after chime failure: %+v", s)
	}
}

func TestCloseStopsTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	_ = h.m.Signal(context.Background())
	h.m.Close()
	h.m.Close()

	if !h.timers[0].stopped {
		t.Fatal("timer not stopped")
	}
	n := len(h.snaps)
	h.fireLast()
	_ = h.m.Signal(context.Background())
	if len(h.snaps) != n {
		t.Fatal("closed machine still notified observers")
	}
}

// slowReader holds Unread until release is closed, returning the list it
// read before blocking.
type slowReader struct {
	*memReader
	entered chan struct{}
	release chan struct{}
}

func (r *slowReader) Unread(ctx context.Context) ([]event.Event, error) {
	evs, err := r.memReader.Unread(ctx)
	close(r.entered)
	<-r.release
	return evs, err
}

func TestSignalDropsEventsDismissedDuringRead(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, nil)
	ctx := context.Background()
	if err := h.m.Signal(ctx); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	slow := &slowReader{memReader: h.reader, entered: make(chan struct{}), release: make(chan struct{})}
	h.m.reader = slow
	done := make(chan error, 1)
	go func() { done <- h.m.Signal(ctx) }()

	<-slow.entered
	if err := h.m.Dismiss(ctx, 1); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	close(slow.release)
	if err := <-done; err != nil {
		t.Fatalf("Signal: %v", err)
	}

	s := h.m.Snapshot()
	if len(s.Pending) != 1 || s.Pending[0].ID != 2 {
		t.Fatalf("pending = %+v, want only id 2", s.Pending)
	}
}

func TestSignalAfterDismissAllDuringReadStaysIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, nil)
	ctx := context.Background()

	slow := &slowReader{memReader: h.reader, entered: make(chan struct{}), release: make(chan struct{})}
	h.m.reader = slow
	done := make(chan error, 1)
	go func() { done <- h.m.Signal(ctx) }()

	<-slow.entered
	if err := h.m.DismissAll(ctx); err != nil {
		t.Fatalf("DismissAll: %v", err)
	}
	close(slow.release)
	if err := <-done; err != nil {
		t.Fatalf("Signal: %v", err)
	}

	if s := h.m.Snapshot(); s.State != StateIdle || len(s.Pending) != 0 {
		t.Fatalf("snapshot = %+v, want idle and empty", s)
	}
	if h.chimes != 0 {
		t.Fatalf("chimes = %d, want 0", h.chimes)
	}
}
