// Package alert holds the per-client alert presentation state machine.
//
//	IDLE --signal, unread non-empty--> ALERTING (visible, chime once, expire timer armed)
//	ALERTING --dismiss id--> ALERTING | IDLE (when nothing is left)
//	ALERTING --dismiss all--> IDLE
//	ALERTING --expire--> IDLE (hidden; nothing is marked read)
package alert

import (
	"context"
	"sync"
	"time"

	"alertdesk/internal/event"
	logx "alertdesk/pkg/logx"
)

const DefaultExpireAfter = 10 * time.Second

type State string

const (
	StateIdle     State = "idle"
	StateAlerting State = "alerting"
)

// Reader is the read-state slice of the store used by the machine.
type Reader interface {
	Unread(ctx context.Context) ([]event.Event, error)
	MarkRead(ctx context.Context, id int64) error
	MarkAllRead(ctx context.Context) (int64, error)
}

// Chime plays the audible cue. Failures are swallowed by the machine.
type Chime interface {
	Play(ctx context.Context) error
}

// ChimeFunc adapts a function to Chime.
type ChimeFunc func(ctx context.Context) error

func (f ChimeFunc) Play(ctx context.Context) error { return f(ctx) }

type Config struct {
	ExpireAfter time.Duration
}

// View is the presentation form of a pending event.
type View struct {
	ID         int64      `json:"id"`
	ChatID     int64      `json:"chat_id"`
	ChatName   string     `json:"chat_name"`
	Body       string     `json:"body"`
	Kind       event.Kind `json:"kind"`
	Cabinet    string     `json:"cabinet,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

type Snapshot struct {
	State   State  `json:"state"`
	Visible bool   `json:"visible"`
	Pending []View `json:"pending"`
}

// timer is the subset of *time.Timer the machine needs.
type timer interface {
	Stop() bool
}

// Machine is safe for concurrent use. OnChange is called with the machine
// lock held; it must not block or call back into the machine.
type Machine struct {
	reader   Reader
	chime    Chime
	onChange func(Snapshot)
	log      logx.Logger

	afterFunc func(d time.Duration, f func()) timer

	mu      sync.Mutex
	expire  time.Duration
	state   State
	visible bool
	pending []event.Event
	t       timer
	gen     uint64
	closed  bool

	// Dismissals that land while a Signal is reading the store. rev counts
	// dismissals; a Signal drops ids dismissed after it started reading.
	rev         uint64
	allAt       uint64
	dismissedAt map[int64]uint64
	reading     int
}

func New(cfg Config, reader Reader, chime Chime, onChange func(Snapshot), log logx.Logger) *Machine {
	if log.IsZero() {
		log = logx.Nop()
	}
	exp := cfg.ExpireAfter
	if exp <= 0 {
		exp = DefaultExpireAfter
	}
	return &Machine{
		reader:   reader,
		chime:    chime,
		onChange: onChange,
		log:      log.With(logx.Component("alert")),
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		expire:      exp,
		state:       StateIdle,
		dismissedAt: make(map[int64]uint64),
	}
}

// SetExpireAfter changes the auto-expire duration for the next alert.
func (m *Machine) SetExpireAfter(d time.Duration) {
	if d <= 0 {
		d = DefaultExpireAfter
	}
	m.mu.Lock()
	m.expire = d
	m.mu.Unlock()
}

// Signal re-reads the unread list and transitions accordingly.
// A read failure leaves the state unchanged.
func (m *Machine) Signal(ctx context.Context) error {
	m.mu.Lock()
	start := m.rev
	m.reading++
	m.mu.Unlock()

	evs, err := m.reader.Unread(ctx)

	m.mu.Lock()
	m.reading--
	evs = m.withoutDismissedLocked(evs, start)
	if m.reading == 0 {
		clear(m.dismissedAt)
	}
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	entered := false
	switch {
	case len(evs) == 0:
		if m.state == StateIdle && len(m.pending) == 0 {
			m.mu.Unlock()
			return nil
		}
		m.toIdleLocked()
	case m.state == StateIdle:
		m.state = StateAlerting
		m.visible = true
		m.pending = evs
		m.armLocked()
		entered = true
	default:
		m.pending = evs
	}
	m.notifyLocked()
	m.mu.Unlock()

	if entered {
		m.playChime(ctx)
	}
	return nil
}

// Dismiss marks id read and drops it from the pending list. If marking fails
// the event stays pending and the error is returned.
func (m *Machine) Dismiss(ctx context.Context, id int64) error {
	if err := m.reader.MarkRead(ctx, id); err != nil {
		m.log.Warn("dismiss failed; event stays pending", logx.Int64("id", id), logx.Err(err))
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rev++
	if m.reading > 0 {
		m.dismissedAt[id] = m.rev
	}
	if m.closed {
		return nil
	}
	kept := m.pending[:0:0]
	for _, ev := range m.pending {
		if ev.ID != id {
			kept = append(kept, ev)
		}
	}
	m.pending = kept
	if len(m.pending) == 0 && m.state == StateAlerting {
		m.toIdleLocked()
	}
	m.notifyLocked()
	return nil
}

// DismissAll marks every unread event read and returns to idle.
// On failure the state is unchanged.
func (m *Machine) DismissAll(ctx context.Context) error {
	if _, err := m.reader.MarkAllRead(ctx); err != nil {
		m.log.Warn("dismiss all failed", logx.Err(err))
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rev++
	m.allAt = m.rev
	if m.closed {
		return nil
	}
	m.toIdleLocked()
	m.notifyLocked()
	return nil
}

// withoutDismissedLocked drops events from a read that started at rev start
// and was overtaken by a dismissal.
func (m *Machine) withoutDismissedLocked(evs []event.Event, start uint64) []event.Event {
	if m.allAt > start {
		return nil
	}
	if len(m.dismissedAt) == 0 {
		return evs
	}
	kept := evs[:0:0]
	for _, ev := range evs {
		if at, ok := m.dismissedAt[ev.ID]; ok && at > start {
			continue
		}
		kept = append(kept, ev)
	}
	return kept
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Close stops the expire timer. Later calls are no-ops.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.stopTimerLocked()
}

func (m *Machine) armLocked() {
	m.stopTimerLocked()
	gen := m.gen
	m.t = m.afterFunc(m.expire, func() { m.onExpire(gen) })
}

func (m *Machine) stopTimerLocked() {
	m.gen++
	if m.t != nil {
		m.t.Stop()
		m.t = nil
	}
}

func (m *Machine) onExpire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen || m.state != StateAlerting {
		return
	}
	m.t = nil
	m.state = StateIdle
	m.visible = false
	m.pending = nil
	m.log.Debug("alert expired")
	m.notifyLocked()
}

func (m *Machine) toIdleLocked() {
	m.stopTimerLocked()
	m.state = StateIdle
	m.visible = false
	m.pending = nil
}

func (m *Machine) notifyLocked() {
	if m.onChange != nil {
		m.onChange(m.snapshotLocked())
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	views := make([]View, 0, len(m.pending))
	for _, ev := range m.pending {
		views = append(views, View{
			ID:         ev.ID,
			ChatID:     ev.ChatID,
			ChatName:   ev.ChatName,
			Body:       event.DisplayBody(ev.Body),
			Kind:       ev.Kind,
			Cabinet:    ev.Cabinet,
			OccurredAt: ev.OccurredTime(),
		})
	}
	return Snapshot{State: m.state, Visible: m.visible, Pending: views}
}

func (m *Machine) playChime(ctx context.Context) {
	if m.chime == nil {
		return
	}
	if err := m.chime.Play(ctx); err != nil {
		m.log.Debug("chime unavailable", logx.Err(err))
	}
}
