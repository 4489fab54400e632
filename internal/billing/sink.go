// Package billing hands committed usage events to the settlement side.
//
// The usage ledger doubles as an outbox: Relay reads unsettled events in
// commit order, publishes them to a Sink and stamps them settled. Delivery is
// at least once; consumers deduplicate on event_id.
package billing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lazypower/memvault/internal/meter"
)

// Sink consumes committed usage events.
type Sink interface {
	Publish(ctx context.Context, events []meter.UsageEvent) error
}

// RedisSink appends events to a Redis stream.
type RedisSink struct {
	client *redis.Client
	stream string
}

// DialRedis connects to Redis and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisSink returns a sink writing to stream.
func NewRedisSink(client *redis.Client, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream}
}

// Publish adds every event to the stream in one MULTI/EXEC.
func (s *RedisSink) Publish(ctx context.Context, events []meter.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, ev := range events {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			ID:     "*",
			Values: map[string]any{
				"event_id":    strconv.FormatInt(ev.ID, 10),
				"agent_id":    ev.AgentID,
				"op":          string(ev.Op),
				"cost_micros": strconv.FormatInt(int64(ev.Cost), 10),
				"memory_id":   ev.MemoryID,
				"at":          strconv.FormatInt(ev.At.UnixMilli(), 10),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %d usage events: %w", len(events), err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// LogSink writes events to a logger. It is the sink when Redis billing is off.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.With(zap.String("component", "billing"))}
}

// Publish logs each event.
func (s *LogSink) Publish(_ context.Context, events []meter.UsageEvent) error {
	for _, ev := range events {
		s.logger.Info("usage",
			zap.Int64("event_id", ev.ID),
			zap.String("agent_id", ev.AgentID),
			zap.String("op", string(ev.Op)),
			zap.Int64("cost_micros", int64(ev.Cost)),
			zap.String("memory_id", ev.MemoryID),
			zap.Time("at", ev.At),
		)
	}
	return nil
}
