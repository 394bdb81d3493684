// Package app wires configuration, storage, the message source, the polling
// scheduler, alert sessions and the HTTP API into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"alertdesk/internal/broadcast"
	"alertdesk/internal/config"
	"alertdesk/internal/event"
	"alertdesk/internal/httpapi"
	"alertdesk/internal/ingest"
	"alertdesk/internal/metrics"
	"alertdesk/internal/observability/pprof"
	"alertdesk/internal/poller"
	"alertdesk/internal/runtime/supervisor"
	"alertdesk/internal/session"
	"alertdesk/internal/source"
	"alertdesk/internal/source/httpsource"
	"alertdesk/internal/source/telegram"
	"alertdesk/internal/storage"
	logx "alertdesk/pkg/logx"
)

// Options override parts of the wiring. The zero value builds everything
// from config.
type Options struct {
	Version string
	// Source replaces the configured message source.
	Source source.Source
	// EnvFiles are loaded before the config is parsed; nil tries ".env".
	EnvFiles []string
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	src    source.Source
	pipe   *ingest.Pipeline
	sched  *poller.Scheduler
	locker *poller.RedisLocker
	hub    *session.Hub
	pub    *broadcast.Publisher
	pprof  *pprof.Service

	srv    *http.Server
	secret atomic.Value // string

	version string
}

func New(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	if err := config.LoadEnvFiles(opts.EnvFiles...); err != nil {
		return nil, fmt.Errorf("loading env files: %w", err)
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log, logErr := logx.New(mapLoggingConfig(cfg))
	a := &App{cfgm: cfgm, log: log.With(logx.Component("app")), logs: logSvc, version: opts.Version}
	if logErr != nil {
		a.log.Warn("log file sink disabled", logx.Err(logErr))
	}
	a.secret.Store(cfg.HTTP.TriggerSecret)

	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(ctx, sc, log.With(logx.Component("storage"))); err != nil {
		return nil, err
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	a.src = opts.Source
	if a.src == nil {
		if a.src, err = newSource(cfg, log.With(logx.Component("source"))); err != nil {
			return nil, err
		}
	}

	x, err := event.NewExtractor(mapExtractorRules(cfg))
	if err != nil {
		return nil, err
	}
	a.pipe = ingest.New(x, a.store, metrics.Pipeline{}, log)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	deps := poller.Deps{
		Source:   a.src,
		Store:    a.store,
		Pipeline: a.pipe,
		Observer: metrics.Pipeline{},
		Log:      log,
	}
	if url := strings.TrimSpace(cfg.Scheduler.RedisURL); url != "" {
		if a.locker, err = poller.NewRedisLocker(ctx, url); err != nil {
			return nil, fmt.Errorf("scheduler.redis_url: %w", err)
		}
		deps.Locker = a.locker
		a.log.Info("distributed tick lock enabled")
	}
	a.sched = poller.New(schedCfg, deps)

	sessCfg, err := mapSessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.hub = session.NewHub(sessCfg, metrics.SetSessions)
	a.sched.OnCreated(a.hub.OnCreated)

	if b := cfg.Broadcast; b != nil {
		a.pub, err = broadcast.Connect(b.NATSURL, b.Subject, metrics.BroadcastFailures.Inc, log)
		if err != nil {
			return nil, fmt.Errorf("broadcast.nats_url: %w", err)
		}
		a.sched.OnCreated(a.pub.OnCreated)
	}

	timeouts, err := mapHTTPTimeouts(cfg)
	if err != nil {
		return nil, err
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Trigger:       a.sched,
		Cancellations: a.pipe,
		Store:         a.store,
		Hub:           a.hub,
		OnCreated:     a.onCreated,
		Secret:        a.triggerSecret,
		Workers:       a.workers,
		Version:       opts.Version,
		Log:           log,
	})
	a.srv = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       timeouts.read,
		WriteTimeout:      timeouts.write,
		IdleTimeout:       timeouts.idle,
	}

	if pc, enabled := mapPprofConfig(cfg); enabled {
		if a.pprof, err = pprof.New(pc, log); err != nil {
			return nil, fmt.Errorf("pprof: %w", err)
		}
	}

	ok = true
	return a, nil
}

func newSource(cfg *config.Config, log logx.Logger) (source.Source, error) {
	switch config.SourceKind(cfg) {
	case "telegram":
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		return telegram.New(tc, log)
	case "http":
		hc, err := mapHTTPSourceConfig(cfg)
		if err != nil {
			return nil, err
		}
		return httpsource.New(hc, log)
	default:
		return nil, fmt.Errorf("unknown source.kind: %s", cfg.Source.Kind)
	}
}

// onCreated fans out events stored outside the scheduler (direct saves).
func (a *App) onCreated(ctx context.Context, created []event.Event) {
	a.hub.OnCreated(ctx, created)
	if a.pub != nil {
		a.pub.OnCreated(ctx, created)
	}
}

// workers is zero until Start creates the supervisor.
func (a *App) workers() supervisor.Counters {
	if a.sup == nil {
		return supervisor.Counters{}
	}
	return a.sup.Counters()
}

func (a *App) triggerSecret() string {
	s, _ := a.secret.Load().(string)
	return s
}

func (a *App) Logger() logx.Logger { return a.log }

// Scheduler exposes the poller for one-shot CLI runs.
func (a *App) Scheduler() *poller.Scheduler { return a.sched }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start binds the listener, starts the scheduler and the config watcher.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.srv.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", a.srv.Addr, err)
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))

	a.sup.Go("http.serve", func(context.Context) error {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if a.pprof != nil {
		a.sup.Go("pprof.serve", a.pprof.Serve)
	}
	a.sched.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	notifySystemd(a.log, sdReady)
	a.log.Info("app started", logx.String("addr", ln.Addr().String()), logx.String("source", a.src.Name()), logx.String("version", a.version))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(last, cfg)
			last = cfg
		}
	}
}

// apply pushes the live-reloadable sections to running components.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if err := a.logs.Apply(mapLoggingConfig(newCfg)); err != nil {
		a.log.Warn("log file sink disabled", logx.Err(err))
	}
	a.secret.Store(newCfg.HTTP.TriggerSecret)

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if sc, err := mapSessionConfig(newCfg); err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
	} else {
		a.hub.Apply(sc)
	}
	if x, err := event.NewExtractor(mapExtractorRules(newCfg)); err != nil {
		a.log.Warn("invalid extractor config; keeping previous", logx.Err(err))
	} else {
		a.pipe.SetExtractor(x)
	}

	var restart []string
	for _, s := range sections {
		if config.RestartSections[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config change requires restart", logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one slow component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifySystemd(a.log, sdStopping)

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		c, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(c); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	if a.srv != nil && a.sup != nil {
		step("http", 5*time.Second, a.srv.Shutdown)
	}
	if a.pprof != nil {
		step("pprof", time.Second, a.pprof.Shutdown)
	}
	step("sessions", time.Second, func(context.Context) error { a.hub.CloseAll(); return nil })
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 3*time.Second, a.sup.Wait)
	}
	step("resources", 2*time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeResources() error {
	var errs []error
	if a.pub != nil {
		a.pub.Close()
	}
	if a.locker != nil {
		errs = append(errs, a.locker.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.pprof != nil {
		errs = append(errs, a.pprof.Close())
	}
	return errors.Join(errs...)
}
