// Package storage persists deduplicated events, their read state, and the
// source since-markers.
//
// Two drivers are available:
//   - "sqlite": a local SQLite file (modernc.org/sqlite through sqlx)
//   - "postgres": a PostgreSQL database through a pgx pool
//
// Deduplication is enforced by a UNIQUE(chat_id, external_id) constraint and
// a single INSERT ... ON CONFLICT DO NOTHING statement; callers never check
// existence before writing.
package storage
