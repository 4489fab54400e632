package meter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/memvault/internal/store"
)

func testMeter(t *testing.T) (*Meter, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, DefaultPricing()), db
}

func record(t *testing.T, m *Meter, db *store.DB, ev UsageEvent) (UsageEvent, bool) {
	t.Helper()
	var dup bool
	err := db.InTx(context.Background(), func(tx *store.Tx) error {
		var err error
		dup, err = m.Record(tx, &ev)
		return err
	})
	require.NoError(t, err)
	return ev, dup
}

func TestRecordPricesAndAssignsID(t *testing.T) {
	m, db := testMeter(t)

	ev, dup := record(t, m, db, UsageEvent{AgentID: "a", Op: OpSearch, At: time.UnixMilli(10)})
	assert.False(t, dup)
	assert.NotZero(t, ev.ID)
	assert.Equal(t, Cost(5000), ev.Cost)

	events, err := m.Events(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev, events[0])
}

func TestRecordRejectsDelete(t *testing.T) {
	m, db := testMeter(t)
	err := db.InTx(context.Background(), func(tx *store.Tx) error {
		_, err := m.Record(tx, &UsageEvent{AgentID: "a", Op: OpDelete})
		return err
	})
	assert.Error(t, err)
}

func TestRecordDuplicateReturnsOriginal(t *testing.T) {
	m, db := testMeter(t)
	first, _ := record(t, m, db, UsageEvent{AgentID: "a", Op: OpGet, MemoryID: "m1", DedupKey: "k", At: time.UnixMilli(1)})
	again, dup := record(t, m, db, UsageEvent{AgentID: "a", Op: OpGet, MemoryID: "m1", DedupKey: "k", At: time.UnixMilli(2)})

	assert.True(t, dup)
	assert.Equal(t, first, again)

	found, err := m.Find(context.Background(), "a", "k")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)

	missing, err := m.Find(context.Background(), "a", "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStatsRebuildFromLedger(t *testing.T) {
	m, db := testMeter(t)
	ctx := context.Background()
	record(t, m, db, UsageEvent{AgentID: "a", Op: OpStore, At: time.UnixMilli(1000)})
	record(t, m, db, UsageEvent{AgentID: "a", Op: OpGet, At: time.UnixMilli(2000)})
	record(t, m, db, UsageEvent{AgentID: "b", Op: OpSearch, At: time.UnixMilli(3000)})

	stats, err := m.StatsFor(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", stats.AgentID)
	assert.Equal(t, int64(1), stats.Operations[OpStore])
	assert.Equal(t, int64(1), stats.Operations[OpGet])
	assert.Equal(t, int64(0), stats.Operations[OpSearch])
	assert.Equal(t, int64(0), stats.Operations[OpDelete])
	assert.Equal(t, Cost(2000), stats.TotalCost)
	assert.Equal(t, time.UnixMilli(2000), stats.LastAccess)

	empty, err := m.StatsFor(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, empty.LastAccess.IsZero())
	assert.Equal(t, Cost(0), empty.TotalCost)
}

func TestObserveSkipsEventsCoveredByRebuild(t *testing.T) {
	m, db := testMeter(t)
	ctx := context.Background()

	covered, _ := record(t, m, db, UsageEvent{AgentID: "a", Op: OpStore, At: time.UnixMilli(1)})
	_, err := m.StatsFor(ctx, "a")
	require.NoError(t, err)

	// An Observe racing the rebuild for an event it already counted.
	m.Observe(covered)

	fresh, _ := record(t, m, db, UsageEvent{AgentID: "a", Op: OpGet, At: time.UnixMilli(5)})
	m.Observe(fresh)

	stats, err := m.StatsFor(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Operations[OpStore])
	assert.Equal(t, int64(1), stats.Operations[OpGet])
	assert.Equal(t, Cost(2000), stats.TotalCost)

	rebuilt, err := m.Rebuild(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, stats, rebuilt, "incremental stats drifted from the ledger")
}

func TestObserveDelete(t *testing.T) {
	m, db := testMeter(t)
	ctx := context.Background()
	_, err := m.StatsFor(ctx, "a")
	require.NoError(t, err)

	var tomb int64
	err = db.InTx(ctx, func(tx *store.Tx) error {
		var err error
		tomb, err = tx.InsertTombstone("m1", "a", time.UnixMilli(77))
		return err
	})
	require.NoError(t, err)
	m.ObserveDelete("a", tomb, time.UnixMilli(77))

	stats, err := m.StatsFor(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Operations[OpDelete])
	assert.Equal(t, Cost(0), stats.TotalCost)
	assert.Equal(t, time.UnixMilli(77), stats.LastAccess)

	rebuilt, err := m.Rebuild(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, stats, rebuilt)
}

func TestStatsForReturnsCopy(t *testing.T) {
	m, _ := testMeter(t)
	s, err := m.StatsFor(context.Background(), "a")
	require.NoError(t, err)
	s.Operations[OpStore] = 99

	again, err := m.StatsFor(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.Operations[OpStore])
}
