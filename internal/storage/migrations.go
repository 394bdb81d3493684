package storage

// migration is one schema step. Versions are sequential starting from 1.
type migration struct {
	version int
	sql     string
}

var sqliteMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id     INTEGER NOT NULL,
	chat_name   TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL,
	external_id TEXT NOT NULL,
	occurred_at INTEGER NOT NULL,
	is_read     INTEGER NOT NULL DEFAULT 0,
	kind        TEXT NOT NULL DEFAULT 'GENERIC',
	cabinet     TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	UNIQUE(chat_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_events_unread ON events(is_read, occurred_at DESC, id DESC);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS cursors (
	name       TEXT PRIMARY KEY,
	value      INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

var postgresMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id          BIGSERIAL PRIMARY KEY,
	chat_id     BIGINT NOT NULL,
	chat_name   TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL,
	external_id TEXT NOT NULL,
	occurred_at BIGINT NOT NULL,
	is_read     BOOLEAN NOT NULL DEFAULT FALSE,
	kind        TEXT NOT NULL DEFAULT 'GENERIC',
	cabinet     TEXT NOT NULL DEFAULT '',
	created_at  BIGINT NOT NULL,
	UNIQUE(chat_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_events_unread ON events(is_read, occurred_at DESC, id DESC);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS cursors (
	name       TEXT PRIMARY KEY,
	value      BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
