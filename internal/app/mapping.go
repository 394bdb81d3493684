package app

import (
	"strings"
	"time"

	"alertdesk/internal/config"
	"alertdesk/internal/event"
	"alertdesk/internal/observability/pprof"
	"alertdesk/internal/poller"
	"alertdesk/internal/session"
	"alertdesk/internal/source/httpsource"
	"alertdesk/internal/source/telegram"
	"alertdesk/internal/storage"
	logx "alertdesk/pkg/logx"
)

const (
	defaultHTTPReadTimeout  = 15 * time.Second
	defaultHTTPWriteTimeout = 30 * time.Second
	defaultHTTPIdleTimeout  = 60 * time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		DSN:         strings.TrimSpace(cfg.Storage.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (poller.Config, error) {
	sc := cfg.Scheduler
	interval, err := config.ParseDurationOrDefault("scheduler.interval", sc.Interval, 30*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	tickTimeout, err := config.ParseDurationOrDefault("scheduler.tick_timeout", sc.TickTimeout, 25*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	lockTTL, err := config.ParseDurationOrDefault("scheduler.lock_ttl", sc.LockTTL, time.Minute)
	if err != nil {
		return poller.Config{}, err
	}
	spread, err := config.ParseDurationField("scheduler.startup_spread", sc.StartupSpread)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{
		Enabled:       sc.Enabled,
		Interval:      interval,
		TickTimeout:   tickTimeout,
		LockTTL:       lockTTL,
		StartupSpread: spread,
	}, nil
}

func mapSessionConfig(cfg *config.Config) (session.Config, error) {
	poll, err := config.ParseDurationOrDefault("alerts.session_poll", cfg.Alerts.SessionPoll, session.DefaultPollInterval)
	if err != nil {
		return session.Config{}, err
	}
	expire, err := config.ParseDurationField("alerts.expire_after", cfg.Alerts.ExpireAfter)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{PollInterval: poll, ExpireAfter: expire}, nil
}

func mapExtractorRules(cfg *config.Config) event.Rules {
	return event.Rules{
		CancellationPrefix: cfg.Extractor.CancellationPrefix,
		CabinetPattern:     cfg.Extractor.CabinetPattern,
		IgnoreChats:        append([]int64(nil), cfg.Extractor.IgnoreChats...),
	}
}

func mapHTTPSourceConfig(cfg *config.Config) (httpsource.Config, error) {
	timeout, err := config.ParseDurationField("source.timeout", cfg.Source.Timeout)
	if err != nil {
		return httpsource.Config{}, err
	}
	return httpsource.Config{
		BaseURL:    strings.TrimSpace(cfg.Source.BaseURL),
		APIKey:     strings.TrimSpace(cfg.Source.APIKey),
		BatchLimit: cfg.Source.BatchLimit,
		Timeout:    timeout,
		RatePerSec: cfg.Source.RatePerSec,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationField("source.timeout", cfg.Source.Timeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:      strings.TrimSpace(cfg.Source.Token),
		APIURL:     strings.TrimSpace(cfg.Source.APIURL),
		BatchLimit: cfg.Source.BatchLimit,
		Timeout:    timeout,
	}, nil
}

type httpTimeouts struct {
	read, write, idle time.Duration
}

func mapHTTPTimeouts(cfg *config.Config) (httpTimeouts, error) {
	var t httpTimeouts
	var err error
	if t.read, err = config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, defaultHTTPReadTimeout); err != nil {
		return t, err
	}
	if t.write, err = config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, defaultHTTPWriteTimeout); err != nil {
		return t, err
	}
	if t.idle, err = config.ParseDurationOrDefault("http.idle_timeout", cfg.HTTP.IdleTimeout, defaultHTTPIdleTimeout); err != nil {
		return t, err
	}
	return t, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, bool) {
	pc := cfg.Pprof
	if pc == nil || !pc.Enabled {
		return pprof.Config{}, false
	}
	return pprof.Config{
		Addr:                 pc.Addr,
		Token:                strings.TrimSpace(pc.Token),
		AllowInsecure:        pc.AllowInsecure,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
	}, true
}
