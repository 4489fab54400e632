package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "memories: encrypted record table",
		SQL: `
CREATE TABLE memories (
    id             TEXT PRIMARY KEY,
    agent_id       TEXT NOT NULL,

    -- ciphertext and nonce are only ever written and read together
    ciphertext     BLOB NOT NULL,
    nonce          BLOB NOT NULL,
    size_bytes     INTEGER NOT NULL CHECK (size_bytes >= 0),

    created_at     INTEGER NOT NULL,
    expires_at     INTEGER,
    access_count   INTEGER NOT NULL DEFAULT 0,
    last_access    INTEGER
);

CREATE INDEX idx_memories_agent   ON memories(agent_id);
CREATE INDEX idx_memories_expires ON memories(expires_at) WHERE expires_at IS NOT NULL;
`,
	},
	{
		Version:     2,
		Description: "memory_tags: per-agent tag rows",
		SQL: `
CREATE TABLE memory_tags (
    memory_id  TEXT NOT NULL,
    agent_id   TEXT NOT NULL,
    tag        TEXT NOT NULL,
    PRIMARY KEY (memory_id, tag),
    FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
);

CREATE INDEX idx_tags_agent_tag ON memory_tags(agent_id, tag);
`,
	},
	{
		Version:     3,
		Description: "memory_vectors: embedding vectors for semantic search",
		SQL: `
CREATE TABLE memory_vectors (
    memory_id  TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    dimensions INTEGER NOT NULL,
    FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     4,
		Description: "usage_events: append-only billing ledger",
		SQL: `
CREATE TABLE usage_events (
    id          INTEGER PRIMARY KEY,
    agent_id    TEXT NOT NULL,
    op          TEXT NOT NULL CHECK (op IN ('store', 'get', 'search')),
    cost_micros INTEGER NOT NULL CHECK (cost_micros >= 0),
    memory_id   TEXT,
    dedup_key   TEXT,
    created_at  INTEGER NOT NULL,
    settled_at  INTEGER
);

CREATE UNIQUE INDEX idx_usage_dedup     ON usage_events(agent_id, dedup_key);
CREATE INDEX        idx_usage_agent     ON usage_events(agent_id);
CREATE INDEX        idx_usage_unsettled ON usage_events(id) WHERE settled_at IS NULL;

CREATE TRIGGER usage_events_no_update BEFORE UPDATE OF agent_id, op, cost_micros, memory_id, dedup_key, created_at ON usage_events
BEGIN
    SELECT RAISE(ABORT, 'usage_events is append-only');
END;

CREATE TRIGGER usage_events_no_delete BEFORE DELETE ON usage_events
BEGIN
    SELECT RAISE(ABORT, 'usage_events is append-only');
END;
`,
	},
	{
		Version:     5,
		Description: "memory_tombstones: terminal state of explicitly deleted ids",
		SQL: `
CREATE TABLE memory_tombstones (
    id          INTEGER PRIMARY KEY,
    memory_id   TEXT NOT NULL UNIQUE,
    agent_id    TEXT NOT NULL,
    deleted_at  INTEGER NOT NULL
);

CREATE INDEX idx_tombstones_agent ON memory_tombstones(agent_id);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
