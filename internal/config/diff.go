package config

import (
	"reflect"
	"sort"
	"strings"

	logx "alertdesk/pkg/logx"
)

// RestartSections lists sections whose changes only apply after a restart.
var RestartSections = map[string]bool{
	"http":      true,
	"storage":   true,
	"source":    true,
	"broadcast": true,
	"pprof":     true,
}

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets (api keys, tokens, DSNs, URLs with
// credentials) are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.trigger_secret_set", set(newCfg.HTTP.TriggerSecret)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", set(newCfg.Storage.Path)),
			logx.Bool("storage.dsn_set", set(newCfg.Storage.DSN)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Source, newCfg.Source) {
		changed = append(changed, "source")
		attrs = append(attrs,
			logx.String("source.kind", SourceKind(newCfg)),
			logx.String("source.base_url", strings.TrimSpace(newCfg.Source.BaseURL)),
			logx.Bool("source.api_key_set", set(newCfg.Source.APIKey)),
			logx.Bool("source.token_set", set(newCfg.Source.Token)),
			logx.Int("source.batch_limit", newCfg.Source.BatchLimit),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.interval", strings.TrimSpace(newCfg.Scheduler.Interval)),
			logx.String("scheduler.tick_timeout", strings.TrimSpace(newCfg.Scheduler.TickTimeout)),
			logx.Bool("scheduler.redis_set", set(newCfg.Scheduler.RedisURL)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Extractor, newCfg.Extractor) {
		changed = append(changed, "extractor")
		attrs = append(attrs, logx.Int("extractor.ignore_chats", len(newCfg.Extractor.IgnoreChats)))
	}

	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.String("alerts.session_poll", strings.TrimSpace(newCfg.Alerts.SessionPoll)),
			logx.String("alerts.expire_after", strings.TrimSpace(newCfg.Alerts.ExpireAfter)),
		)
	}

	// nil means disabled
	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
		attrs = append(attrs, logx.Bool("broadcast.enabled", newCfg.Broadcast != nil))
	}

	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		enabled := newCfg.Pprof != nil && newCfg.Pprof.Enabled
		attrs = append(attrs, logx.Bool("pprof.enabled", enabled))
		if newCfg.Pprof != nil {
			attrs = append(attrs,
				logx.String("pprof.addr", newCfg.Pprof.Addr),
				logx.Bool("pprof.token_set", set(newCfg.Pprof.Token)),
			)
		}
	}

	sort.Strings(changed)
	return changed, attrs
}

func set(s string) bool { return strings.TrimSpace(s) != "" }
