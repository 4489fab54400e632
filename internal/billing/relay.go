package billing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/memvault/internal/meter"
	"github.com/lazypower/memvault/internal/store"
)

// RelayObserver counts relayed events. metrics.Collector implements it.
type RelayObserver interface {
	ObserveRelay(status string, n int)
}

type nopRelayObserver struct{}

func (nopRelayObserver) ObserveRelay(string, int) {}

// RelayOptions configures a Relay.
type RelayOptions struct {
	Interval time.Duration
	Batch    int
	Logger   *zap.Logger
	Observer RelayObserver
}

// Relay moves unsettled ledger events to a Sink.
type Relay struct {
	db       *store.DB
	sink     Sink
	interval time.Duration
	batch    int
	logger   *zap.Logger
	observer RelayObserver

	mu       sync.Mutex // one relay pass at a time
	started  atomic.Bool
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRelay returns a relay from db's ledger to sink.
func NewRelay(db *store.DB, sink Sink, opts RelayOptions) *Relay {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Batch < 1 {
		opts.Batch = 500
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = nopRelayObserver{}
	}
	return &Relay{
		db:       db,
		sink:     sink,
		interval: opts.Interval,
		batch:    opts.Batch,
		logger:   opts.Logger.With(zap.String("component", "relay")),
		observer: opts.Observer,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RelayOnce publishes every unsettled event, batch by batch, and returns how
// many were settled. A failed publish leaves the batch unsettled for the next
// pass.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for {
		rows, err := r.db.UnsettledUsage(ctx, r.batch)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}

		events := make([]meter.UsageEvent, len(rows))
		ids := make([]int64, len(rows))
		for i, row := range rows {
			events[i] = meter.FromRow(row)
			ids[i] = row.ID
		}

		if err := r.sink.Publish(ctx, events); err != nil {
			r.observer.ObserveRelay("error", len(events))
			return total, err
		}
		if err := r.db.MarkSettled(ctx, ids, time.Now()); err != nil {
			return total, err
		}
		r.observer.ObserveRelay("ok", len(events))
		total += len(events)

		if len(rows) < r.batch {
			return total, nil
		}
	}
}

// Start relays on every tick until Stop.
func (r *Relay) Start() {
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

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := r.RelayOnce(ctx)
				if err != nil {
					r.logger.Warn("relay failed, retrying next tick", zap.Int("settled", n), zap.Error(err))
				} else if n > 0 {
					r.logger.Debug("relayed", zap.Int("settled", n))
				}
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop ends the relay loop. Callers wanting a final flush call RelayOnce
// afterwards.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.started.Load() {
		<-r.done
	}
}
