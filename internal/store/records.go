package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Memory is one persisted record row with its tag and vector rows.
type Memory struct {
	ID          string
	AgentID     string
	Ciphertext  []byte
	Nonce       []byte
	SizeBytes   int
	Tags        []string
	Embedding   []float32 // nil when the record has no vector
	CreatedAt   int64     // unix millis
	ExpiresAt   *int64    // unix millis, nil = never expires
	AccessCount int
	LastAccess  *int64
}

// InsertMemory writes the record row plus its tag and vector rows.
func (t *Tx) InsertMemory(m *Memory) error {
	var expires sql.NullInt64
	if m.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: *m.ExpiresAt, Valid: true}
	}

	_, err := t.tx.Exec(`
		INSERT INTO memories (id, agent_id, ciphertext, nonce, size_bytes, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.AgentID, m.Ciphertext, m.Nonce, m.SizeBytes, m.CreatedAt, expires)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	for _, tag := range m.Tags {
		if _, err := t.tx.Exec(`
			INSERT INTO memory_tags (memory_id, agent_id, tag) VALUES (?, ?, ?)
		`, m.ID, m.AgentID, tag); err != nil {
			return fmt.Errorf("insert tag %q: %w", tag, err)
		}
	}

	if m.Embedding != nil {
		if _, err := t.tx.Exec(`
			INSERT INTO memory_vectors (memory_id, embedding, dimensions) VALUES (?, ?, ?)
		`, m.ID, encodeEmbedding(m.Embedding), len(m.Embedding)); err != nil {
			return fmt.Errorf("insert vector: %w", err)
		}
	}
	return nil
}

// AgentDimensions returns the dimension of one of the agent's stored
// vectors, or 0 if the agent has none.
func (t *Tx) AgentDimensions(agentID string) (int, error) {
	var d int
	err := t.tx.QueryRow(`
		SELECT v.dimensions FROM memory_vectors v
		JOIN memories m ON m.id = v.memory_id
		WHERE m.agent_id = ? LIMIT 1
	`, agentID).Scan(&d)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("agent dimensions: %w", err)
	}
	return d, nil
}

// GetMemory returns the record row (ciphertext included, tags and vector
// excluded), or nil if not found.
func (t *Tx) GetMemory(id string) (*Memory, error) {
	var m Memory
	var expires, lastAccess sql.NullInt64
	err := t.tx.QueryRow(`
		SELECT id, agent_id, ciphertext, nonce, size_bytes, created_at, expires_at, access_count, last_access
		FROM memories WHERE id = ?
	`, id).Scan(&m.ID, &m.AgentID, &m.Ciphertext, &m.Nonce, &m.SizeBytes,
		&m.CreatedAt, &expires, &m.AccessCount, &lastAccess)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	if expires.Valid {
		m.ExpiresAt = &expires.Int64
	}
	if lastAccess.Valid {
		m.LastAccess = &lastAccess.Int64
	}
	return &m, nil
}

// TouchMemory records a successful read.
func (t *Tx) TouchMemory(id string, at time.Time) error {
	_, err := t.tx.Exec(`
		UPDATE memories SET access_count = access_count + 1, last_access = ? WHERE id = ?
	`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch memory: %w", err)
	}
	return nil
}

// DeleteMemory removes the record row; tag and vector rows cascade.
// Returns false if no row existed.
func (t *Tx) DeleteMemory(id string) (bool, error) {
	res, err := t.tx.Exec("DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	return n > 0, nil
}

// InsertTombstone marks id as explicitly deleted. Returns the tombstone row id.
func (t *Tx) InsertTombstone(memoryID, agentID string, at time.Time) (int64, error) {
	res, err := t.tx.Exec(`
		INSERT INTO memory_tombstones (memory_id, agent_id, deleted_at) VALUES (?, ?, ?)
	`, memoryID, agentID, at.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert tombstone: %w", err)
	}
	return res.LastInsertId()
}

// ScanMemories streams every record row, with tags and vectors but without
// ciphertext, to fn. Used to rebuild the in-memory indices at startup.
func (db *DB) ScanMemories(ctx context.Context, fn func(m *Memory) error) error {
	tags, err := db.allTags(ctx)
	if err != nil {
		return err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT m.id, m.agent_id, m.size_bytes, m.created_at, m.expires_at, m.access_count, m.last_access,
			v.embedding
		FROM memories m LEFT JOIN memory_vectors v ON v.memory_id = m.id
		ORDER BY m.created_at
	`)
	if err != nil {
		return fmt.Errorf("scan memories: %w", err)
	}
	defer rows.Close()

	// Rows are buffered before fn runs so fn may use db freely.
	var all []*Memory
	for rows.Next() {
		var m Memory
		var expires, lastAccess sql.NullInt64
		var blob []byte
		if err := rows.Scan(&m.ID, &m.AgentID, &m.SizeBytes, &m.CreatedAt, &expires,
			&m.AccessCount, &lastAccess, &blob); err != nil {
			return fmt.Errorf("scan memory: %w", err)
		}
		if expires.Valid {
			m.ExpiresAt = &expires.Int64
		}
		if lastAccess.Valid {
			m.LastAccess = &lastAccess.Int64
		}
		if blob != nil {
			m.Embedding = decodeEmbedding(blob)
		}
		m.Tags = tags[m.ID]
		all = append(all, &m)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, m := range all {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) allTags(ctx context.Context) (map[string][]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT memory_id, tag FROM memory_tags ORDER BY memory_id, tag")
	if err != nil {
		return nil, fmt.Errorf("all tags: %w", err)
	}
	defer rows.Close()

	tags := make(map[string][]string)
	for rows.Next() {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags[id] = append(tags[id], tag)
	}
	return tags, rows.Err()
}

// CountMemories returns the number of record rows, expired or not.
func (db *DB) CountMemories(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}
