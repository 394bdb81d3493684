package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"alertdesk/internal/event"
	logx "alertdesk/pkg/logx"
)

// PostgresStore implements Store on a PostgreSQL connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	now  func() time.Time
}

// OpenPostgres connects to cfg.DSN, pings it and runs pending migrations.
func OpenPostgres(ctx context.Context, cfg Config, log logx.Logger) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, log: log.With(logx.Component("storage"), logx.String("driver", "postgres")), now: time.Now}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	current := 0

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'schema_version')`,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if exists {
		if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range postgresMigrations {
		if m.version <= current {
			continue
		}
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		s.log.Debug("migration applied", logx.Int("version", m.version))
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrap("ping", s.pool.Ping(ctx))
}

func (s *PostgresStore) Upsert(ctx context.Context, ev event.Event) (UpsertResult, error) {
	var res UpsertResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		res, err = s.upsertTx(ctx, tx, ev)
		return err
	})
	if err != nil {
		return UpsertResult{}, wrap("upsert", err)
	}
	return res, nil
}

func (s *PostgresStore) UpsertBatch(ctx context.Context, evs []event.Event) ([]UpsertResult, error) {
	if len(evs) == 0 {
		return nil, nil
	}
	var out []UpsertResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		out = make([]UpsertResult, 0, len(evs))
		for _, ev := range evs {
			res, err := s.upsertTx(ctx, tx, ev)
			if err != nil {
				return fmt.Errorf("event %s: %w", ev.Key(), err)
			}
			out = append(out, res)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("upsert_batch", err)
	}
	return out, nil
}

func (s *PostgresStore) upsertTx(ctx context.Context, tx pgx.Tx, ev event.Event) (UpsertResult, error) {
	kind := ev.Kind
	if !kind.Valid() {
		kind = event.KindGeneric
	}
	created := ev.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO events (chat_id, chat_name, body, external_id, occurred_at, is_read, kind, cabinet, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7, $8)
		ON CONFLICT (chat_id, external_id) DO NOTHING
		RETURNING id`,
		ev.ChatID, ev.ChatName, ev.Body, ev.ExternalID, ev.OccurredAt, string(kind), ev.Cabinet, created.UnixMilli(),
	).Scan(&id)
	if err == nil {
		return UpsertResult{ID: id, Created: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return UpsertResult{}, fmt.Errorf("inserting event: %w", err)
	}

	err = tx.QueryRow(ctx,
		`SELECT id FROM events WHERE chat_id = $1 AND external_id = $2`, ev.ChatID, ev.ExternalID,
	).Scan(&id)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("resolving existing event: %w", err)
	}
	return UpsertResult{ID: id, Created: false}, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE events SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return wrap("mark_read", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) MarkAllRead(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE events SET is_read = TRUE WHERE is_read = FALSE`)
	if err != nil {
		return 0, wrap("mark_all_read", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Unread(ctx context.Context) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE is_read = FALSE ORDER BY occurred_at DESC, id DESC`)
	if err != nil {
		return nil, wrap("unread", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		r, err := scanPostgresRow(rows)
		if err != nil {
			return nil, wrap("unread", err)
		}
		out = append(out, r.event())
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("unread", err)
	}
	return out, nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events WHERE is_read = FALSE`).Scan(&n); err != nil {
		return 0, wrap("unread_count", err)
	}
	return n, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (event.Event, error) {
	r, err := scanPostgresRow(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return event.Event{}, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return event.Event{}, wrap("get", err)
	}
	return r.event(), nil
}

func (s *PostgresStore) Cursor(ctx context.Context, name string) (int64, bool, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `SELECT value FROM cursors WHERE name = $1`, name).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap("cursor", err)
	}
	return v, true, nil
}

func (s *PostgresStore) PutCursor(ctx context.Context, name string, value int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cursors (name, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		name, value, s.now().UnixMilli())
	return wrap("put_cursor", err)
}

func scanPostgresRow(row pgx.Row) (eventRow, error) {
	var r eventRow
	err := row.Scan(&r.ID, &r.ChatID, &r.ChatName, &r.Body, &r.ExternalID,
		&r.OccurredAt, &r.IsRead, &r.Kind, &r.Cabinet, &r.CreatedAt)
	return r, err
}
