// Package poller runs the source -> extractor -> store pipeline on a timer.
//
// A Scheduler is single-flight: at most one tick runs at a time, whether it
// was started by cron or by RunOnce. The since-marker of the source is only
// advanced after every message of the fetched batch was stored.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"alertdesk/internal/event"
	"alertdesk/internal/ingest"
	"alertdesk/internal/source"
	"alertdesk/internal/storage"
	logx "alertdesk/pkg/logx"
)

// ErrTickInFlight is returned by RunOnce while another tick is running.
var ErrTickInFlight = errors.New("tick already in flight")

const (
	defaultInterval    = 30 * time.Second
	defaultTickTimeout = 25 * time.Second
	defaultLockTTL     = time.Minute
)

type Config struct {
	Enabled       bool
	Interval      time.Duration
	TickTimeout   time.Duration
	LockTTL       time.Duration
	StartupSpread time.Duration
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = defaultTickTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	return c
}

// Hook receives the events created by a tick, in source order.
type Hook func(ctx context.Context, created []event.Event)

// TickObserver is notified once per tick attempt.
type TickObserver interface {
	ObserveTick(result string, took time.Duration)
}

// Tick results reported to TickObserver and Snapshot.
const (
	TickOK          = "ok"
	TickInFlight    = "in_flight"
	TickLockHeld    = "lock_held"
	TickSourceError = "source_error"
	TickStoreError  = "store_error"
	TickError       = "error"
)

type Deps struct {
	Source   source.Source
	Store    storage.Store
	Pipeline *ingest.Pipeline
	Locker   Locker // optional
	Observer TickObserver
	Log      logx.Logger
}

// Result describes one completed tick.
type Result struct {
	Summary  ingest.Summary
	Since    int64
	Next     int64
	Advanced bool
	Took     time.Duration
}

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	Running     bool          `json:"running"`
	Interval    time.Duration `json:"interval"`
	Ticks       uint64        `json:"ticks"`
	LastRun     time.Time     `json:"last_run,omitempty"`
	LastResult  string        `json:"last_result,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	LastCreated int           `json:"last_created"`
	Cursor      int64         `json:"cursor"`
}

type Scheduler struct {
	src      source.Source
	store    storage.Store
	pipe     *ingest.Pipeline
	locker   Locker
	obs      TickObserver
	log      logx.Logger
	cronName string

	mu      sync.Mutex
	cfg     Config
	started bool
	c       *cron.Cron
	hooks   []Hook
	snap    Snapshot
	abort   context.Context
	abortFn context.CancelFunc
	// tickDone is closed when the running tick returns; nil when idle.
	tickDone chan struct{}

	tickMu sync.Mutex
}

func New(cfg Config, d Deps) *Scheduler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	pipe := d.Pipeline
	if pipe == nil {
		pipe = ingest.New(nil, d.Store, nil, log)
	}
	s := &Scheduler{
		src:      d.Source,
		store:    d.Store,
		pipe:     pipe,
		locker:   d.Locker,
		obs:      d.Observer,
		log:      log.With(logx.Component("poller"), logx.String("source", d.Source.Name())),
		cronName: "source:" + d.Source.Name(),
		cfg:      cfg.normalized(),
	}
	s.abort, s.abortFn = context.WithCancel(context.Background())
	return s
}

// OnCreated registers h. Hooks run after the since-marker was handled.
func (s *Scheduler) OnCreated(h Hook) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// CursorName is the store key of this scheduler's since-marker.
func (s *Scheduler) CursorName() string { return s.cronName }

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Start begins cron triggering. It is a no-op when disabled or already running.
func (s *Scheduler) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.started = true
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; waiting for external triggers")
		return
	}
	if s.abort.Err() != nil {
		s.abort, s.abortFn = context.WithCancel(context.Background())
	}
	s.startLocked()
}

func (s *Scheduler) startLocked() {
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	sched, jitter := everyWithSpread(s.cfg.Interval, s.cfg.StartupSpread, time.Now(), s.cronName)
	s.c.Schedule(sched, cron.FuncJob(s.cronTick))
	s.c.Start()
	s.snap.Running = true
	s.snap.Interval = s.cfg.Interval
	s.log.Info("scheduler started", logx.Duration("interval", s.cfg.Interval), logx.Duration("first_run_delay", jitter))
}

// Stop stops cron triggering and waits for the in-flight tick. If ctx ends
// first, the tick is cancelled; its marker is left untouched.
func (s *Scheduler) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.snap.Running = false
	abortFn := s.abortFn
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	done := s.tickDone
	s.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			s.log.Warn("stop deadline reached; cancelling in-flight tick")
			abortFn()
			<-done
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the configuration. An interval or enable change restarts cron.
// A tick still running on the old cron finishes on its own; tickMu keeps it
// from overlapping the new one.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.normalized()

	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	s.snap.Interval = cfg.Interval

	running := s.c != nil
	switch {
	case running && !cfg.Enabled:
		s.c.Stop()
		s.c = nil
		s.snap.Running = false
		s.log.Info("scheduler disabled by config")
	case running && (old.Interval != cfg.Interval || old.StartupSpread != cfg.StartupSpread):
		s.c.Stop()
		s.startLocked()
	case !running && s.started && cfg.Enabled:
		s.startLocked()
	}
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Scheduler) cronTick() {
	res, err := s.RunOnce(context.Background())
	switch {
	case err == nil:
		if res.Summary.Created > 0 || res.Summary.Malformed > 0 {
			s.log.Info("tick done",
				logx.Int("created", res.Summary.Created),
				logx.Int("skipped", res.Summary.Skipped),
				logx.Int("malformed", res.Summary.Malformed),
				logx.Duration("took", res.Took))
		} else {
			s.log.Debug("tick done", logx.Int("processed", res.Summary.Processed), logx.Duration("took", res.Took))
		}
	case errors.Is(err, ErrTickInFlight), errors.Is(err, ErrLockHeld):
		s.log.Debug("tick skipped", logx.Err(err))
	default:
		s.log.Warn("tick failed", logx.Err(err))
	}
}

// RunOnce executes one tick now. It returns ErrTickInFlight when another
// tick is running and ErrLockHeld when another process holds the lock.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	if !s.tickMu.TryLock() {
		s.observe(TickInFlight, 0)
		return Result{}, ErrTickInFlight
	}
	defer s.tickMu.Unlock()

	done := make(chan struct{})
	defer func() {
		s.mu.Lock()
		s.tickDone = nil
		s.mu.Unlock()
		close(done)
	}()

	s.mu.Lock()
	s.tickDone = done
	cfg := s.cfg
	abort := s.abort
	hooks := append([]Hook(nil), s.hooks...)
	s.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, cfg.TickTimeout)
	defer cancel()
	stop := context.AfterFunc(abort, cancel)
	defer stop()

	res, err := s.tick(ctx, cfg)
	res.Took = time.Since(start)

	result := classify(err)
	s.observe(result, res.Took)
	s.record(res, result, err)

	if err == nil && len(res.Summary.CreatedEvents) > 0 {
		for _, h := range hooks {
			h(ctx, res.Summary.CreatedEvents)
		}
	}
	return res, err
}

func (s *Scheduler) tick(ctx context.Context, cfg Config) (Result, error) {
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, "alertdesk:tick:"+s.cronName, cfg.LockTTL)
		if err != nil {
			return Result{}, err
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := release(rctx); err != nil {
				s.log.Warn("tick lock release failed", logx.Err(err))
			}
		}()
	}

	since, _, err := s.store.Cursor(ctx, s.cronName)
	if err != nil {
		return Result{}, fmt.Errorf("reading since-marker: %w", err)
	}
	res := Result{Since: since, Next: since}

	batch, err := s.src.Fetch(ctx, since)
	if err != nil {
		return res, source.Unavailable(s.src.Name(), 0, err)
	}

	sum, err := s.pipe.Process(ctx, batch.Messages)
	res.Summary = sum
	if err != nil {
		return res, err
	}

	if batch.Next > since {
		if err := s.store.PutCursor(ctx, s.cronName, batch.Next); err != nil {
			return res, fmt.Errorf("advancing since-marker: %w", err)
		}
		res.Next = batch.Next
		res.Advanced = true
	}
	return res, nil
}

func classify(err error) string {
	switch {
	case err == nil:
		return TickOK
	case errors.Is(err, ErrLockHeld):
		return TickLockHeld
	case errors.Is(err, source.ErrSourceUnavailable):
		return TickSourceError
	case errors.Is(err, storage.ErrStore):
		return TickStoreError
	default:
		return TickError
	}
}

func (s *Scheduler) observe(result string, took time.Duration) {
	if s.obs != nil {
		s.obs.ObserveTick(result, took)
	}
}

func (s *Scheduler) record(res Result, result string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Ticks++
	s.snap.LastRun = time.Now()
	s.snap.LastResult = result
	s.snap.LastCreated = res.Summary.Created
	s.snap.Cursor = res.Next
	s.snap.LastError = ""
	if err != nil {
		s.snap.LastError = err.Error()
	}
}
