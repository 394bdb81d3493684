package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"alertdesk/pkg/logx"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints, durations and cross-section rules. It
// runs on the initial load and on every hot reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fieldError(err)
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			return fmt.Errorf("logging.level: unknown level %q", lvl)
		}
	}

	var d durations
	d.get("http.read_timeout", cfg.HTTP.ReadTimeout, 0)
	d.get("http.write_timeout", cfg.HTTP.WriteTimeout, 0)
	d.get("http.idle_timeout", cfg.HTTP.IdleTimeout, 0)
	d.get("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	d.get("source.timeout", cfg.Source.Timeout, 0)
	d.get("scheduler.interval", cfg.Scheduler.Interval, 0)
	d.get("scheduler.tick_timeout", cfg.Scheduler.TickTimeout, 0)
	d.get("scheduler.startup_spread", cfg.Scheduler.StartupSpread, 0)
	d.get("scheduler.lock_ttl", cfg.Scheduler.LockTTL, 0)
	d.get("alerts.session_poll", cfg.Alerts.SessionPoll, 0)
	d.get("alerts.expire_after", cfg.Alerts.ExpireAfter, 0)
	if d.err != nil {
		return d.err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver=%s", cfg.Storage.Driver)
		}
	default:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	}

	switch SourceKind(cfg) {
	case "http":
		if strings.TrimSpace(cfg.Source.BaseURL) == "" {
			return errors.New("source.base_url is required when source.kind=http")
		}
	case "telegram":
		if strings.TrimSpace(cfg.Source.Token) == "" {
			return errors.New("source.token is required when source.kind=telegram")
		}
		if cfg.Source.BatchLimit > 100 {
			return errors.New("source.batch_limit must be <= 100 when source.kind=telegram")
		}
	}

	if p := strings.TrimSpace(cfg.Extractor.CancellationPrefix); p != "" {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("extractor.cancellation_prefix: %w", err)
		}
	}
	if p := strings.TrimSpace(cfg.Extractor.CabinetPattern); p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("extractor.cabinet_pattern: %w", err)
		}
		if re.NumSubexp() < 1 {
			return errors.New("extractor.cabinet_pattern: needs one capture group")
		}
	}
	return nil
}

// SourceKind returns the normalized source kind; empty means "http".
func SourceKind(cfg *Config) string {
	k := strings.ToLower(strings.TrimSpace(cfg.Source.Kind))
	if k == "" {
		return "http"
	}
	return k
}

// fieldError turns validator output into "section.field: rule" messages.
func fieldError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		path := strings.TrimPrefix(fe.Namespace(), "Config.")
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, path+": "+rule)
	}
	return errors.New("invalid config: " + strings.Join(parts, "; "))
}
