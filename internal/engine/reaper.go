package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/memvault/internal/store"
)

// Reaper periodically evicts expired records. Reaping is never billed.
type Reaper struct {
	engine      *Engine
	interval    time.Duration
	concurrency int
	logger      *zap.Logger

	started  atomic.Bool
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewReaper returns a reaper that sweeps every interval, working on up to
// concurrency agent partitions at once.
func NewReaper(e *Engine, interval time.Duration, concurrency int) *Reaper {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Reaper{
		engine:      e,
		interval:    interval,
		concurrency: concurrency,
		logger:      e.logger.With(zap.String("component", "reaper")),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start sweeps once and then on every tick until Stop.
func (r *Reaper) Start() {
	r.started.Store(true)
	go func() {
		defer close(r.done)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-r.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		r.sweepAndLog(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweepAndLog(ctx)
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop ends the ticker goroutine and waits for an in-flight sweep.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if !r.started.Load() {
		return
	}
	select {
	case <-r.done:
	case <-time.After(30 * time.Second):
		r.logger.Warn("reaper did not stop within 30s")
	}
}

func (r *Reaper) sweepAndLog(ctx context.Context) {
	n, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Warn("sweep incomplete", zap.Int("reaped", n), zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Info("sweep", zap.Int("reaped", n))
	}
}

// Sweep evicts every record whose expiry is at or before now and returns how
// many were evicted. An eviction that fails is queued again for the next
// sweep and does not stop the others.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	e := r.engine
	now := e.clock()

	var reaped atomic.Int64
	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, p := range e.partitionsSnapshot() {
		g.Go(func() error {
			ids := p.expiry.PopExpiredBefore(now)
			for i, id := range ids {
				if err := gctx.Err(); err != nil {
					for _, rest := range ids[i:] {
						e.requeue(p, rest)
					}
					return err
				}
				ok, err := e.reap(gctx, id, now)
				if err != nil {
					failed.Add(1)
					r.logger.Warn("evict failed, retrying next sweep",
						zap.String("agent_id", p.agentID),
						zap.String("memory_id", id),
						zap.Error(err),
					)
					e.requeue(p, id)
					continue
				}
				if ok {
					reaped.Add(1)
				}
			}
			return nil
		})
	}
	err := g.Wait()

	n := int(reaped.Load())
	e.observer.ObserveReaped(n)
	if err == nil && failed.Load() > 0 {
		err = fmt.Errorf("%d evictions failed", failed.Load())
	}
	return n, err
}

// reap evicts one expired record. It reports false when the record is already
// gone or not yet expired.
func (e *Engine) reap(ctx context.Context, id string, now time.Time) (bool, error) {
	en := e.lookup(id)
	if en == nil {
		return false, nil
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	if en.gone.Load() {
		return false, nil
	}
	if !en.expired(now) {
		if p := e.partition(en.agentID); p != nil {
			p.expiry.Push(id, en.expiresAt)
		}
		return false, nil
	}

	err := e.db.InTx(ctx, func(tx *store.Tx) error {
		_, err := tx.DeleteMemory(id)
		return err
	})
	if err != nil {
		return false, err
	}
	e.evict(en)
	return true, nil
}

func (e *Engine) requeue(p *partition, id string) {
	if en := e.lookup(id); en != nil && !en.gone.Load() && en.expires {
		p.expiry.Push(id, en.expiresAt)
	}
}
