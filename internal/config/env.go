package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets and endpoints from the file.
const (
	EnvSourceAPIKey    = "ALERTDESK_SOURCE_API_KEY"
	EnvTelegramToken   = "ALERTDESK_TELEGRAM_TOKEN"
	EnvTriggerSecret   = "ALERTDESK_TRIGGER_SECRET"
	EnvDatabaseURL     = "ALERTDESK_DATABASE_URL"
	EnvRedisURL        = "ALERTDESK_REDIS_URL"
	EnvNATSURL         = "ALERTDESK_NATS_URL"
	EnvHTTPAddr        = "ALERTDESK_HTTP_ADDR"
	EnvLogLevel        = "ALERTDESK_LOG_LEVEL"
	defaultEnvFileName = ".env"
)

// LoadEnvFiles loads .env style files into the process environment. Variables
// already set are kept. Missing files are ignored; with no arguments ".env"
// in the working directory is tried.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{defaultEnvFileName}
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvSourceAPIKey); ok {
		cfg.Source.APIKey = v
	}
	if v, ok := get(EnvTelegramToken); ok {
		cfg.Source.Token = v
	}
	if v, ok := get(EnvTriggerSecret); ok {
		cfg.HTTP.TriggerSecret = v
	}
	if v, ok := get(EnvDatabaseURL); ok {
		cfg.Storage.DSN = v
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
	if v, ok := get(EnvRedisURL); ok {
		cfg.Scheduler.RedisURL = v
	}
	if v, ok := get(EnvNATSURL); ok {
		if cfg.Broadcast == nil {
			cfg.Broadcast = &BroadcastConfig{}
		}
		cfg.Broadcast.NATSURL = v
	}
	if v, ok := get(EnvHTTPAddr); ok {
		cfg.HTTP.Addr = v
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
}
