package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"alertdesk/internal/event"
	logx "alertdesk/pkg/logx"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db  *sqlx.DB
	log logx.Logger
	now func() time.Time
}

// eventRow is the column layout of the events table.
type eventRow struct {
	ID         int64  `db:"id"`
	ChatID     int64  `db:"chat_id"`
	ChatName   string `db:"chat_name"`
	Body       string `db:"body"`
	ExternalID string `db:"external_id"`
	OccurredAt int64  `db:"occurred_at"`
	IsRead     bool   `db:"is_read"`
	Kind       string `db:"kind"`
	Cabinet    string `db:"cabinet"`
	CreatedAt  int64  `db:"created_at"`
}

func (r eventRow) event() event.Event {
	return event.Event{
		ID:         r.ID,
		ChatID:     r.ChatID,
		ChatName:   r.ChatName,
		Body:       r.Body,
		ExternalID: r.ExternalID,
		OccurredAt: r.OccurredAt,
		IsRead:     r.IsRead,
		Kind:       event.Kind(r.Kind),
		Cabinet:    r.Cabinet,
		CreatedAt:  time.UnixMilli(r.CreatedAt),
	}
}

const eventColumns = `id, chat_id, chat_name, body, external_id, occurred_at, is_read, kind, cabinet, created_at`

// OpenSQLite opens (or creates) the database at cfg.Path, enables WAL and
// runs pending migrations.
func OpenSQLite(ctx context.Context, cfg Config, log logx.Logger) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection: SQLite serializes writers anyway and ":memory:" is per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, log: log.With(logx.Component("storage"), logx.String("driver", "sqlite")), now: time.Now}
	if err := s.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) runMigrations(ctx context.Context) error {
	current := 0

	var tables int
	err := s.db.GetContext(ctx, &tables,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range sqliteMigrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		s.log.Debug("migration applied", logx.Int("version", m.version))
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

func (s *SQLiteStore) Upsert(ctx context.Context, ev event.Event) (UpsertResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return UpsertResult{}, wrap("upsert", fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	res, err := s.upsertTx(ctx, tx, ev)
	if err != nil {
		return UpsertResult{}, wrap("upsert", err)
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, wrap("upsert", fmt.Errorf("committing: %w", err))
	}
	return res, nil
}

func (s *SQLiteStore) UpsertBatch(ctx context.Context, evs []event.Event) ([]UpsertResult, error) {
	if len(evs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrap("upsert_batch", fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	out := make([]UpsertResult, 0, len(evs))
	for _, ev := range evs {
		res, err := s.upsertTx(ctx, tx, ev)
		if err != nil {
			return nil, wrap("upsert_batch", fmt.Errorf("event %s: %w", ev.Key(), err))
		}
		out = append(out, res)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("upsert_batch", fmt.Errorf("committing: %w", err))
	}
	return out, nil
}

func (s *SQLiteStore) upsertTx(ctx context.Context, tx *sqlx.Tx, ev event.Event) (UpsertResult, error) {
	kind := ev.Kind
	if !kind.Valid() {
		kind = event.KindGeneric
	}
	created := ev.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	var id int64
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO events (chat_id, chat_name, body, external_id, occurred_at, is_read, kind, cabinet, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(chat_id, external_id) DO NOTHING
		RETURNING id`,
		ev.ChatID, ev.ChatName, ev.Body, ev.ExternalID, ev.OccurredAt, string(kind), ev.Cabinet, created.UnixMilli(),
	).Scan(&id)
	if err == nil {
		return UpsertResult{ID: id, Created: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return UpsertResult{}, fmt.Errorf("inserting event: %w", err)
	}

	err = tx.GetContext(ctx, &id,
		`SELECT id FROM events WHERE chat_id = ? AND external_id = ?`, ev.ChatID, ev.ExternalID)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("resolving existing event: %w", err)
	}
	return UpsertResult{ID: id, Created: false}, nil
}

func (s *SQLiteStore) MarkRead(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return wrap("mark_read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("mark_read", err)
	}
	if n == 0 {
		return fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) MarkAllRead(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET is_read = 1 WHERE is_read = 0`)
	if err != nil {
		return 0, wrap("mark_all_read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("mark_all_read", err)
	}
	return n, nil
}

func (s *SQLiteStore) Unread(ctx context.Context) ([]event.Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+eventColumns+` FROM events WHERE is_read = 0 ORDER BY occurred_at DESC, id DESC`)
	if err != nil {
		return nil, wrap("unread", err)
	}
	out := make([]event.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.event())
	}
	return out, nil
}

func (s *SQLiteStore) UnreadCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM events WHERE is_read = 0`); err != nil {
		return 0, wrap("unread_count", err)
	}
	return n, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (event.Event, error) {
	var r eventRow
	err := s.db.GetContext(ctx, &r, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return event.Event{}, wrap("get", err)
	}
	return r.event(), nil
}

func (s *SQLiteStore) Cursor(ctx context.Context, name string) (int64, bool, error) {
	var v int64
	err := s.db.GetContext(ctx, &v, `SELECT value FROM cursors WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap("cursor", err)
	}
	return v, true, nil
}

func (s *SQLiteStore) PutCursor(ctx context.Context, name string, value int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, s.now().UnixMilli())
	return wrap("put_cursor", err)
}
