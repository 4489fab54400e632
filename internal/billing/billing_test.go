package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazypower/memvault/internal/meter"
	"github.com/lazypower/memvault/internal/store"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := DialRedis(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func testLedger(t *testing.T, n int) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for i := 0; i < n; i++ {
		err := db.InTx(context.Background(), func(tx *store.Tx) error {
			_, err := tx.InsertUsage(&store.UsageRow{
				AgentID:    "agent-a",
				Op:         "get",
				CostMicros: 1000,
				MemoryID:   "m1",
				CreatedAt:  int64(1000 + i),
			})
			return err
		})
		require.NoError(t, err)
	}
	return db
}

func unsettled(t *testing.T, db *store.DB) int {
	t.Helper()
	rows, err := db.UnsettledUsage(context.Background(), 1000)
	require.NoError(t, err)
	return len(rows)
}

func TestRedisSinkPublish(t *testing.T) {
	mr, client := setupTestRedis(t)
	sink := NewRedisSink(client, "memvault:usage")

	err := sink.Publish(context.Background(), []meter.UsageEvent{
		{ID: 1, AgentID: "a", Op: meter.OpStore, Cost: 1000, MemoryID: "m1", At: time.UnixMilli(5)},
		{ID: 2, AgentID: "a", Op: meter.OpSearch, Cost: 5000, At: time.UnixMilli(6)},
	})
	require.NoError(t, err)

	entries, err := client.XRange(context.Background(), "memvault:usage", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "1", entries[0].Values["event_id"])
	assert.Equal(t, "store", entries[0].Values["op"])
	assert.Equal(t, "5000", entries[1].Values["cost_micros"])
	assert.True(t, mr.Exists("memvault:usage"))

	require.NoError(t, sink.Publish(context.Background(), nil))
}

func TestDialRedisFails(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = DialRedis(context.Background(), addr, "", 0)
	assert.Error(t, err)
}

func TestRelayOnceSettlesInBatches(t *testing.T) {
	_, client := setupTestRedis(t)
	db := testLedger(t, 7)
	relay := NewRelay(db, NewRedisSink(client, "usage"), RelayOptions{Batch: 3})

	n, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, 0, unsettled(t, db))

	length, err := client.XLen(context.Background(), "usage").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(7), length)

	n, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "settled events must not be published twice")
}

type failingSink struct{ calls int }

func (s *failingSink) Publish(context.Context, []meter.UsageEvent) error {
	s.calls++
	return errors.New("sink down")
}

type countingObserver struct{ ok, failed int }

func (o *countingObserver) ObserveRelay(status string, n int) {
	if status == "ok" {
		o.ok += n
	} else {
		o.failed += n
	}
}

func TestRelayLeavesEventsUnsettledOnFailure(t *testing.T) {
	db := testLedger(t, 4)
	sink := &failingSink{}
	obs := &countingObserver{}
	relay := NewRelay(db, sink, RelayOptions{Batch: 10, Observer: obs})

	n, err := relay.RelayOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 4, unsettled(t, db))
	assert.Equal(t, 4, obs.failed)

	mr, client := setupTestRedis(t)
	relay = NewRelay(db, NewRedisSink(client, "usage"), RelayOptions{Batch: 10, Observer: obs})
	n, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, obs.ok)
	assert.True(t, mr.Exists("usage"))
}

func TestRelayStartStop(t *testing.T) {
	_, client := setupTestRedis(t)
	db := testLedger(t, 2)
	relay := NewRelay(db, NewRedisSink(client, "usage"), RelayOptions{Interval: 10 * time.Millisecond})

	relay.Start()
	require.Eventually(t, func() bool {
		rows, err := db.UnsettledUsage(context.Background(), 10)
		return err == nil && len(rows) == 0
	}, 2*time.Second, 10*time.Millisecond)
	relay.Stop()
	relay.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	relay := NewRelay(testLedger(t, 0), NewLogSink(zap.NewNop()), RelayOptions{})
	relay.Stop()
}

func TestLogSink(t *testing.T) {
	sink := NewLogSink(zap.NewNop())
	assert.NoError(t, sink.Publish(context.Background(), []meter.UsageEvent{{ID: 1, Op: meter.OpGet}}))
}
