package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lazypower/memvault/internal/meter"
)

func TestConcurrentAgentsBillExactlyOnce(t *testing.T) {
	e, clock := testEngine(t)
	ctx := context.Background()
	reaper := NewReaper(e, time.Hour, 4)

	const agents, perAgent = 6, 20
	var billed [agents]atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for a := 0; a < agents; a++ {
		agent := fmt.Sprintf("agent-%d", a)
		g.Go(func() error {
			for i := 0; i < perAgent; i++ {
				payload := []byte(fmt.Sprintf("%s/%d", agent, i))
				req := StoreRequest{AgentID: agent, Payload: payload, Tags: []string{"t"}, Embedding: []float32{1, float32(i)}}
				if i%3 == 0 {
					req.TTL = TTLSeconds(0)
				}
				r, err := e.Store(gctx, req)
				if err != nil {
					return fmt.Errorf("store: %w", err)
				}
				billed[a].Add(1)

				got, err := e.Get(gctx, GetRequest{ID: r.ID, AgentID: agent})
				switch {
				case err == nil:
					if !bytes.Equal(got.Payload, payload) {
						return fmt.Errorf("payload %q, want %q", got.Payload, payload)
					}
					billed[a].Add(1)
				case errors.Is(err, ErrExpired), errors.Is(err, ErrNotFound):
				default:
					return fmt.Errorf("get: %w", err)
				}

				if _, err := e.Search(gctx, SearchRequest{AgentID: agent, Embedding: []float32{1, 1}, TopK: 5}); err != nil {
					return fmt.Errorf("search: %w", err)
				}
				billed[a].Add(1)

				if i%4 == 0 {
					if err := e.Delete(gctx, r.ID, agent); err != nil && !errors.Is(err, ErrNotFound) {
						return fmt.Errorf("delete: %w", err)
					}
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < 20; i++ {
			clock.Advance(time.Millisecond)
			if _, err := reaper.Sweep(gctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent ops: %v", err)
	}

	clock.Advance(time.Second)
	if _, err := reaper.Sweep(ctx); err != nil {
		t.Fatalf("final Sweep: %v", err)
	}

	var live int64
	for a := 0; a < agents; a++ {
		agent := fmt.Sprintf("agent-%d", a)
		evs := events(t, e, agent)
		if int64(len(evs)) != billed[a].Load() {
			t.Errorf("%s: %d events, %d billed operations", agent, len(evs), billed[a].Load())
		}
		for _, ev := range evs {
			if ev.Op == meter.OpDelete {
				t.Errorf("%s: delete was billed", agent)
			}
		}
		stats, err := e.Stats(ctx, agent)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		live += int64(stats.LiveRecords)
	}

	rows := countRows(t, e)
	if int64(rows) != e.LiveRecords() || live != e.LiveRecords() {
		t.Errorf("rows = %d, LiveRecords = %d, stats live = %d; want all equal", rows, e.LiveRecords(), live)
	}
}

func TestDeleteIsLinearizableWithGet(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		stored := mustStore(t, e, StoreRequest{AgentID: "A", Payload: []byte("v")})

		var deleted atomic.Bool
		g, gctx := errgroup.WithContext(ctx)
		for w := 0; w < 4; w++ {
			g.Go(func() error {
				for i := 0; i < 10; i++ {
					after := deleted.Load()
					got, err := e.Get(gctx, GetRequest{ID: stored.ID, AgentID: "A"})
					switch {
					case err == nil:
						if after {
							return errors.New("get succeeded after delete returned")
						}
						if string(got.Payload) != "v" {
							return fmt.Errorf("payload %q", got.Payload)
						}
					case errors.Is(err, ErrNotFound):
					default:
						return err
					}
				}
				return nil
			})
		}
		g.Go(func() error {
			if err := e.Delete(gctx, stored.ID, "A"); err != nil {
				return err
			}
			deleted.Store(true)
			return nil
		})
		if err := g.Wait(); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
	}
}
