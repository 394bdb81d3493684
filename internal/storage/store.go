package storage

import (
	"context"
	"errors"
	"strings"

	"alertdesk/internal/event"
	logx "alertdesk/pkg/logx"
)

// Store is the persistence API used by the ingest pipeline, the poller,
// and the read-state handlers.
type Store interface {
	// Upsert inserts ev unless (ChatID, ExternalID) already exists.
	Upsert(ctx context.Context, ev event.Event) (UpsertResult, error)
	// UpsertBatch upserts all events in one transaction. On error nothing is written.
	UpsertBatch(ctx context.Context, evs []event.Event) ([]UpsertResult, error)

	// MarkRead is idempotent; it returns ErrNotFound for an unknown id.
	MarkRead(ctx context.Context, id int64) error
	MarkAllRead(ctx context.Context) (int64, error)

	// Unread returns unread events, most recent first (OccurredAt DESC, ID DESC).
	Unread(ctx context.Context) ([]event.Event, error)
	UnreadCount(ctx context.Context) (int64, error)
	Get(ctx context.Context, id int64) (event.Event, error)

	Cursor(ctx context.Context, name string) (int64, bool, error)
	PutCursor(ctx context.Context, name string, value int64) error

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store and applies pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return OpenPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
