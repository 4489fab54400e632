package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// UsageRow is one row of the usage_events ledger.
type UsageRow struct {
	ID         int64
	AgentID    string
	Op         string
	CostMicros int64
	MemoryID   string // empty for operations not linked to a record
	DedupKey   string // empty when the caller supplied none
	CreatedAt  int64
	SettledAt  *int64
}

// InsertUsage appends u to the ledger and sets u.ID. If the agent already has
// an event with the same dedup key, nothing is written, u is overwritten with
// the existing row and dup is true.
func (t *Tx) InsertUsage(u *UsageRow) (dup bool, err error) {
	res, err := t.tx.Exec(`
		INSERT INTO usage_events (agent_id, op, cost_micros, memory_id, dedup_key, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)
		ON CONFLICT(agent_id, dedup_key) DO NOTHING
	`, u.AgentID, u.Op, u.CostMicros, u.MemoryID, u.DedupKey, u.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert usage: %w", err)
	}
	if n == 1 {
		u.ID, err = res.LastInsertId()
		return false, err
	}

	existing, err := scanUsage(t.tx.QueryRow(usageSelect+" WHERE agent_id = ? AND dedup_key = ?", u.AgentID, u.DedupKey))
	if err != nil {
		return false, fmt.Errorf("load duplicate usage: %w", err)
	}
	if existing == nil {
		return false, fmt.Errorf("insert usage: conflict without existing row")
	}
	*u = *existing
	return true, nil
}

// FindUsageByDedupKey returns the agent's event with the given dedup key, or nil.
func (db *DB) FindUsageByDedupKey(ctx context.Context, agentID, key string) (*UsageRow, error) {
	u, err := scanUsage(db.QueryRowContext(ctx, usageSelect+" WHERE agent_id = ? AND dedup_key = ?", agentID, key))
	if err != nil {
		return nil, fmt.Errorf("find usage by dedup key: %w", err)
	}
	return u, nil
}

// UsageByAgent returns the agent's ledger in commit order.
func (db *DB) UsageByAgent(ctx context.Context, agentID string) ([]UsageRow, error) {
	rows, err := db.QueryContext(ctx, usageSelect+" WHERE agent_id = ? ORDER BY id", agentID)
	if err != nil {
		return nil, fmt.Errorf("usage by agent: %w", err)
	}
	defer rows.Close()
	return scanUsageRows(rows)
}

// UnsettledUsage returns up to limit events not yet handed to the billing sink, oldest first.
func (db *DB) UnsettledUsage(ctx context.Context, limit int) ([]UsageRow, error) {
	rows, err := db.QueryContext(ctx, usageSelect+" WHERE settled_at IS NULL ORDER BY id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("unsettled usage: %w", err)
	}
	defer rows.Close()
	return scanUsageRows(rows)
}

// MarkSettled stamps the given events as delivered to the billing sink.
func (db *DB) MarkSettled(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := db.ExecContext(ctx,
		"UPDATE usage_events SET settled_at = ? WHERE settled_at IS NULL AND id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("mark settled: %w", err)
	}
	return nil
}

// OpSummary aggregates one operation kind for an agent.
type OpSummary struct {
	Count      int64
	CostMicros int64
}

// UsageSummary is the ledger aggregation for one agent.
type UsageSummary struct {
	Ops          map[string]OpSummary
	Deletes      int64
	LastAccess   int64 // unix millis, 0 if the agent has no activity
	ThroughEvent int64 // highest usage event id visible to the aggregation
	ThroughTomb  int64 // highest tombstone id visible to the aggregation
}

// SummarizeUsage aggregates the agent's ledger and tombstones in one read
// transaction, so the watermarks match exactly the rows that were counted.
func (db *DB) SummarizeUsage(ctx context.Context, agentID string) (*UsageSummary, error) {
	sum := &UsageSummary{Ops: make(map[string]OpSummary)}
	err := db.InTx(ctx, func(t *Tx) error {
		if err := t.tx.QueryRow("SELECT COALESCE(MAX(id), 0) FROM usage_events").Scan(&sum.ThroughEvent); err != nil {
			return fmt.Errorf("usage watermark: %w", err)
		}
		if err := t.tx.QueryRow("SELECT COALESCE(MAX(id), 0) FROM memory_tombstones").Scan(&sum.ThroughTomb); err != nil {
			return fmt.Errorf("tombstone watermark: %w", err)
		}

		rows, err := t.tx.Query(`
			SELECT op, COUNT(*), COALESCE(SUM(cost_micros), 0), COALESCE(MAX(created_at), 0)
			FROM usage_events WHERE agent_id = ? AND id <= ? GROUP BY op
		`, agentID, sum.ThroughEvent)
		if err != nil {
			return fmt.Errorf("summarize usage: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var op string
			var s OpSummary
			var last int64
			if err := rows.Scan(&op, &s.Count, &s.CostMicros, &last); err != nil {
				return fmt.Errorf("scan usage summary: %w", err)
			}
			sum.Ops[op] = s
			if last > sum.LastAccess {
				sum.LastAccess = last
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		var last int64
		if err := t.tx.QueryRow(`
			SELECT COUNT(*), COALESCE(MAX(deleted_at), 0) FROM memory_tombstones WHERE agent_id = ? AND id <= ?
		`, agentID, sum.ThroughTomb).Scan(&sum.Deletes, &last); err != nil {
			return fmt.Errorf("summarize tombstones: %w", err)
		}
		if last > sum.LastAccess {
			sum.LastAccess = last
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}

const usageSelect = `
	SELECT id, agent_id, op, cost_micros, COALESCE(memory_id, ''), COALESCE(dedup_key, ''), created_at, settled_at
	FROM usage_events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsage(row rowScanner) (*UsageRow, error) {
	var u UsageRow
	var settled sql.NullInt64
	err := row.Scan(&u.ID, &u.AgentID, &u.Op, &u.CostMicros, &u.MemoryID, &u.DedupKey, &u.CreatedAt, &settled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if settled.Valid {
		u.SettledAt = &settled.Int64
	}
	return &u, nil
}

func scanUsageRows(rows *sql.Rows) ([]UsageRow, error) {
	var out []UsageRow
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}
