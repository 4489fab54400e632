package meter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lazypower/memvault/internal/store"
)

// UsageEvent is one immutable ledger entry.
type UsageEvent struct {
	ID       int64
	AgentID  string
	Op       OpKind
	Cost     Cost
	MemoryID string // record the event was committed with; empty for search
	DedupKey string
	At       time.Time
}

// AgentStats is derived from the ledger and the delete tombstones. It is a
// cache, never the source of truth.
type AgentStats struct {
	AgentID    string
	Operations map[OpKind]int64
	TotalCost  Cost
	LastAccess time.Time // zero if the agent has no activity
}

type cachedStats struct {
	stats        AgentStats
	throughEvent int64
	throughTomb  int64
}

// Meter appends usage events and serves per-agent stats.
type Meter struct {
	db      *store.DB
	pricing Pricing

	mu    sync.Mutex
	cache map[string]*cachedStats
}

// New creates a meter over db's ledger.
func New(db *store.DB, pricing Pricing) *Meter {
	return &Meter{
		db:      db,
		pricing: pricing,
		cache:   make(map[string]*cachedStats),
	}
}

// Pricing returns the configured price list.
func (m *Meter) Pricing() Pricing {
	return m.pricing
}

// Record appends ev inside tx, priced from the configured list, and sets
// ev.ID. When ev carries a dedup key the agent already used, nothing is
// written: ev is replaced by the original event and dup is true.
//
// The event becomes durable only when tx commits; call Observe afterwards.
func (m *Meter) Record(tx *store.Tx, ev *UsageEvent) (dup bool, err error) {
	if !ev.Op.Billable() {
		return false, fmt.Errorf("record %s: operation is not billable", ev.Op)
	}
	ev.Cost = m.pricing.For(ev.Op)

	row := toRow(ev)
	dup, err = tx.InsertUsage(row)
	if err != nil {
		return false, err
	}
	*ev = fromRow(row)
	return dup, nil
}

// Find returns the agent's event with dedup key, or nil.
func (m *Meter) Find(ctx context.Context, agentID, dedupKey string) (*UsageEvent, error) {
	row, err := m.db.FindUsageByDedupKey(ctx, agentID, dedupKey)
	if err != nil || row == nil {
		return nil, err
	}
	ev := fromRow(row)
	return &ev, nil
}

// Events returns the agent's ledger in commit order.
func (m *Meter) Events(ctx context.Context, agentID string) ([]UsageEvent, error) {
	rows, err := m.db.UsageByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	out := make([]UsageEvent, len(rows))
	for i := range rows {
		out[i] = fromRow(&rows[i])
	}
	return out, nil
}

// Observe folds a committed event into the agent's cached stats. Events
// already covered by the last rebuild are ignored, as are agents with no
// cached stats.
func (m *Meter) Observe(ev UsageEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cache[ev.AgentID]
	if !ok || ev.ID <= c.throughEvent {
		return
	}
	c.stats.Operations[ev.Op]++
	c.stats.TotalCost += ev.Cost
	if ev.At.After(c.stats.LastAccess) {
		c.stats.LastAccess = ev.At
	}
}

// ObserveDelete folds a committed delete (tombstone id tombID) into the
// agent's cached stats.
func (m *Meter) ObserveDelete(agentID string, tombID int64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cache[agentID]
	if !ok || tombID <= c.throughTomb {
		return
	}
	c.stats.Operations[OpDelete]++
	if at.After(c.stats.LastAccess) {
		c.stats.LastAccess = at
	}
}

// StatsFor returns the agent's stats, rebuilding them from the ledger on
// first use.
func (m *Meter) StatsFor(ctx context.Context, agentID string) (AgentStats, error) {
	m.mu.Lock()
	if c, ok := m.cache[agentID]; ok {
		s := c.stats.clone()
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()
	return m.Rebuild(ctx, agentID)
}

// Rebuild recomputes the agent's stats from the ledger and replaces the
// cached copy. The meter lock is held across the query so no committed event
// can slip between the aggregation and the cache update.
func (m *Meter) Rebuild(ctx context.Context, agentID string) (AgentStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum, err := m.db.SummarizeUsage(ctx, agentID)
	if err != nil {
		return AgentStats{}, fmt.Errorf("rebuild stats for %s: %w", agentID, err)
	}

	stats := AgentStats{AgentID: agentID, Operations: emptyCounts()}
	for op, s := range sum.Ops {
		stats.Operations[OpKind(op)] = s.Count
		stats.TotalCost += Cost(s.CostMicros)
	}
	stats.Operations[OpDelete] = sum.Deletes
	if sum.LastAccess > 0 {
		stats.LastAccess = time.UnixMilli(sum.LastAccess)
	}

	m.cache[agentID] = &cachedStats{
		stats:        stats,
		throughEvent: sum.ThroughEvent,
		throughTomb:  sum.ThroughTomb,
	}
	return stats.clone(), nil
}

func (s AgentStats) clone() AgentStats {
	ops := make(map[OpKind]int64, len(s.Operations))
	for k, v := range s.Operations {
		ops[k] = v
	}
	s.Operations = ops
	return s
}

func emptyCounts() map[OpKind]int64 {
	m := make(map[OpKind]int64, len(OpKinds))
	for _, op := range OpKinds {
		m[op] = 0
	}
	return m
}

func toRow(ev *UsageEvent) *store.UsageRow {
	return &store.UsageRow{
		ID:         ev.ID,
		AgentID:    ev.AgentID,
		Op:         string(ev.Op),
		CostMicros: int64(ev.Cost),
		MemoryID:   ev.MemoryID,
		DedupKey:   ev.DedupKey,
		CreatedAt:  ev.At.UnixMilli(),
	}
}

func fromRow(r *store.UsageRow) UsageEvent {
	return UsageEvent{
		ID:       r.ID,
		AgentID:  r.AgentID,
		Op:       OpKind(r.Op),
		Cost:     Cost(r.CostMicros),
		MemoryID: r.MemoryID,
		DedupKey: r.DedupKey,
		At:       time.UnixMilli(r.CreatedAt),
	}
}

// FromRow converts a ledger row, for consumers reading the ledger directly.
func FromRow(r store.UsageRow) UsageEvent {
	return fromRow(&r)
}
