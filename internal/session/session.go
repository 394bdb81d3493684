// Package session runs one client's alert loop: a poll against the store on
// its own interval, a bus signal when the unread set changed, and an alert
// machine driven by that signal.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"alertdesk/internal/alert"
	"alertdesk/internal/eventbus"
	logx "alertdesk/pkg/logx"
)

const (
	DefaultPollInterval = 5 * time.Second
	signalTimeout       = 5 * time.Second

	EventUnreadChanged = "unread_changed"
)

type Config struct {
	PollInterval time.Duration
	ExpireAfter  time.Duration
}

// fingerprint identifies an unread set cheaply enough to compare per poll.
type fingerprint struct {
	count int
	maxID int64
}

type Session struct {
	ID string

	reader  alert.Reader
	bus     *eventbus.Bus
	sub     *eventbus.Subscription
	machine *alert.Machine
	log     logx.Logger

	interval atomic.Int64
	kick     chan struct{}
	forced   atomic.Bool

	mu   sync.Mutex
	last fingerprint
	seen bool

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a session. onChange receives every alert snapshot and chime
// receives the audible cue; both must not block.
func New(cfg Config, reader alert.Reader, chime alert.Chime, onChange func(alert.Snapshot), log logx.Logger) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	id := uuid.NewString()
	log = log.With(logx.Component("session"), logx.String("session", id))

	s := &Session{
		ID:     id,
		reader: reader,
		bus:    eventbus.New(log),
		log:    log,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.setInterval(cfg.PollInterval)
	s.machine = alert.New(alert.Config{ExpireAfter: cfg.ExpireAfter}, reader, chime, onChange, log)
	s.sub = s.bus.Subscribe(func(eventbus.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		defer cancel()
		if err := s.machine.Signal(ctx); err != nil {
			s.log.Warn("alert refresh failed", logx.Err(err))
		}
	})
	return s
}

// Apply updates the poll interval and expire duration of a live session.
func (s *Session) Apply(cfg Config) {
	s.setInterval(cfg.PollInterval)
	s.machine.SetExpireAfter(cfg.ExpireAfter)
}

func (s *Session) setInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultPollInterval
	}
	s.interval.Store(int64(d))
}

// Run polls until ctx is done or Close is called. The first check runs
// immediately so a new client sees what is already unread.
func (s *Session) Run(ctx context.Context) {
	cur := time.Duration(s.interval.Load())
	ticker := time.NewTicker(cur)
	defer ticker.Stop()

	s.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if next := time.Duration(s.interval.Load()); next != cur {
			cur = next
			ticker.Reset(cur)
		}
		s.check(ctx)
	}
}

// Notify asks for an immediate check that publishes even when the unread
// set looks unchanged. It never blocks.
func (s *Session) Notify() {
	s.forced.Store(true)
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Session) check(ctx context.Context) {
	evs, err := s.reader.Unread(ctx)
	if err != nil {
		s.log.Debug("unread poll failed", logx.Err(err))
		return
	}
	fp := fingerprint{count: len(evs)}
	for _, ev := range evs {
		if ev.ID > fp.maxID {
			fp.maxID = ev.ID
		}
	}

	forced := s.forced.Swap(false)
	s.mu.Lock()
	changed := !s.seen || fp != s.last
	s.last = fp
	s.seen = true
	s.mu.Unlock()

	idle := s.machine.Snapshot().State == alert.StateIdle
	// Unread events with nothing on screen re-surface, e.g. after auto-expire.
	resurface := fp.count > 0 && idle
	if !changed && !forced && !resurface {
		return
	}
	// Nothing to show and nothing shown.
	if fp.count == 0 && idle {
		return
	}
	s.bus.Publish(eventbus.Event{Type: EventUnreadChanged, Data: fp.count})
}

func (s *Session) Dismiss(ctx context.Context, id int64) error { return s.machine.Dismiss(ctx, id) }

func (s *Session) DismissAll(ctx context.Context) error { return s.machine.DismissAll(ctx) }

// Refresh re-reads the unread list without waiting for the next poll.
func (s *Session) Refresh(ctx context.Context) error { return s.machine.Signal(ctx) }

func (s *Session) Snapshot() alert.Snapshot { return s.machine.Snapshot() }

// Close unsubscribes from the bus and stops alert timers. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.sub.Close()
		s.machine.Close()
		close(s.done)
	})
}

// Done is closed after Close.
func (s *Session) Done() <-chan struct{} { return s.done }
