package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// schema is applied in full on every open; all statements are
// idempotent so an existing cache file is reused as-is.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT '',
	banned INTEGER NOT NULL DEFAULT 0,
	muted INTEGER NOT NULL DEFAULT 0,
	online INTEGER NOT NULL DEFAULT 0,
	last_active TIMESTAMP,
	created_at TIMESTAMP,
	updated_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS channels (
	cid TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	created_by_id TEXT NOT NULL DEFAULT '',
	members TEXT NOT NULL DEFAULT '{}',
	reads TEXT NOT NULL DEFAULT '{}',
	hidden INTEGER NOT NULL DEFAULT 0,
	hide_messages_before TIMESTAMP,
	sync_status INTEGER NOT NULL DEFAULT 0,
	last_message_at TIMESTAMP,
	created_at TIMESTAMP,
	updated_at TIMESTAMP,
	deleted_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	cid TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	parent_id TEXT NOT NULL DEFAULT '',
	attachments TEXT NOT NULL DEFAULT '[]',
	reaction_counts TEXT NOT NULL DEFAULT '{}',
	latest_reactions TEXT NOT NULL DEFAULT '[]',
	sync_status INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP,
	created_locally_at TIMESTAMP,
	updated_at TIMESTAMP,
	deleted_at TIMESTAMP,
	send_completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_cid ON messages(cid, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_sync ON messages(sync_status) WHERE sync_status != 0;

CREATE TABLE IF NOT EXISTS reactions (
	message_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	score INTEGER NOT NULL DEFAULT 0,
	sync_status INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP,
	deleted_at TIMESTAMP,
	PRIMARY KEY (message_id, user_id, type)
);

CREATE TABLE IF NOT EXISTS queries (
	id TEXT PRIMARY KEY,
	filter TEXT NOT NULL DEFAULT '{}',
	sort TEXT NOT NULL DEFAULT '[]',
	cids TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS configs (
	channel_type TEXT PRIMARY KEY,
	typing_events INTEGER NOT NULL DEFAULT 0,
	read_events INTEGER NOT NULL DEFAULT 0,
	mutes INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_state (
	user_id TEXT PRIMARY KEY,
	last_synced_at TIMESTAMP
);
`

type SQLiteRepository struct {
	conn *sql.DB
}

// NewSQLiteRepository opens (or creates) the cache database at path. An
// empty path opens a private in-memory database, used when offline
// storage is disabled.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, errors.Wrap(err, "open cache db")
	}

	// The cache is written from a single background worker; one
	// connection keeps sqlite write access serialized.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping cache db")
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}

	return &SQLiteRepository{conn: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// marshalJSON encodes map/slice columns; nil encodes to the zero
// literal so scans never see SQL NULL.
func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(data string, v any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	ts := t.Time
	return &ts
}
