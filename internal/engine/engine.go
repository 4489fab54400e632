// Package engine implements the memory store: encrypted records, their tag,
// semantic and expiry indices, metered operations and the expiry reaper.
//
// Every mutation is one SQLite transaction that writes the record rows and
// the usage event together. In-memory indices are partitioned per agent and
// updated after the commit while the record's lock is still held, so a
// concurrent Get on the same id sees either the old or the new state.
//
// Lock order: entry.mu, then the database connection, then partition.mu.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/memvault/internal/crypto"
	"github.com/lazypower/memvault/internal/index"
	"github.com/lazypower/memvault/internal/meter"
	"github.com/lazypower/memvault/internal/store"
)

// Limits bounds what callers may store and ask for.
type Limits struct {
	MaxRecords          int // live records engine-wide, 0 = unbounded
	MaxPayloadBytes     int
	MaxTags             int
	MaxTagLength        int
	EmbeddingDimensions int // 0 = any, fixed per agent by its first vector
	MaxTopK             int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxRecords:      1_000_000,
		MaxPayloadBytes: 1 << 20,
		MaxTags:         32,
		MaxTagLength:    64,
		MaxTopK:         100,
	}
}

// Observer receives operation outcomes. metrics.Collector implements it.
type Observer interface {
	ObserveOp(op meter.OpKind, status string, charged meter.Cost, elapsed time.Duration)
	ObserveReaped(n int)
	SetLiveRecords(n int64)
}

type nopObserver struct{}

func (nopObserver) ObserveOp(meter.OpKind, string, meter.Cost, time.Duration) {}
func (nopObserver) ObserveReaped(int)                                        {}
func (nopObserver) SetLiveRecords(int64)                                     {}

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	Pricing  meter.Pricing
	Limits   Limits
	Semantic index.SemanticConfig
	Clock    func() time.Time
	Logger   *zap.Logger
	Observer Observer
}

// Engine is the memory store.
type Engine struct {
	db       *store.DB
	codec    *crypto.Codec
	keys     crypto.KeySource
	meter    *meter.Meter
	limits   Limits
	semantic index.SemanticConfig
	now      func() time.Time
	logger   *zap.Logger
	observer Observer

	mu         sync.RWMutex
	records    map[string]*entry
	partitions map[string]*partition

	live atomic.Int64
}

// New creates an engine over db. Call Load before serving traffic.
func New(db *store.DB, keys crypto.KeySource, opts Options) *Engine {
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.Semantic == (index.SemanticConfig{}) {
		opts.Semantic = index.DefaultSemanticConfig()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Engine{
		db:         db,
		codec:      crypto.NewCodec(),
		keys:       keys,
		meter:      meter.New(db, opts.Pricing),
		limits:     opts.Limits,
		semantic:   opts.Semantic,
		now:        opts.Clock,
		logger:     opts.Logger.With(zap.String("component", "engine")),
		observer:   opts.Observer,
		records:    make(map[string]*entry),
		partitions: make(map[string]*partition),
	}
}

// Load rebuilds the in-memory indices from the database. Records that expired
// while the engine was down are queued for the next reaper sweep.
func (e *Engine) Load(ctx context.Context) error {
	start := time.Now()
	var n int64
	err := e.db.ScanMemories(ctx, func(m *store.Memory) error {
		en := &entry{
			id:        m.ID,
			agentID:   m.AgentID,
			createdAt: time.UnixMilli(m.CreatedAt),
			size:      m.SizeBytes,
			tags:      m.Tags,
			hasVector: len(m.Embedding) > 0,
		}
		if m.ExpiresAt != nil {
			en.expires = true
			en.expiresAt = time.UnixMilli(*m.ExpiresAt)
		}

		p := e.partitionFor(m.AgentID)
		e.mu.Lock()
		e.records[m.ID] = en
		e.mu.Unlock()
		p.add(en, m.Embedding)
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("load memories: %w", err)
	}

	e.live.Store(n)
	e.observer.SetLiveRecords(n)
	e.logger.Info("indices loaded",
		zap.Int64("records", n),
		zap.Int("agents", len(e.partitionsSnapshot())),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Meter returns the engine's usage meter.
func (e *Engine) Meter() *meter.Meter {
	return e.meter
}

// Pricing returns the configured price list.
func (e *Engine) Pricing() meter.Pricing {
	return e.meter.Pricing()
}

// LiveRecords returns the number of stored records not yet deleted or
// reaped, including expired ones awaiting the reaper.
func (e *Engine) LiveRecords() int64 {
	return e.live.Load()
}

// clock returns the current time at the millisecond precision records are
// persisted with.
func (e *Engine) clock() time.Time {
	return time.UnixMilli(e.now().UnixMilli())
}

func (e *Engine) lookup(id string) *entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.records[id]
}

func (e *Engine) partition(agentID string) *partition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.partitions[agentID]
}

func (e *Engine) partitionFor(agentID string) *partition {
	if p := e.partition(agentID); p != nil {
		return p
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.partitions[agentID]
	if !ok {
		p = newPartition(agentID, e.semantic)
		e.partitions[agentID] = p
	}
	return p
}

func (e *Engine) partitionsSnapshot() []*partition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*partition, 0, len(e.partitions))
	for _, p := range e.partitions {
		out = append(out, p)
	}
	return out
}

// reserve claims capacity for one new record.
func (e *Engine) reserve() bool {
	if e.limits.MaxRecords <= 0 {
		e.live.Add(1)
		return true
	}
	for {
		n := e.live.Load()
		if n >= int64(e.limits.MaxRecords) {
			return false
		}
		if e.live.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// register publishes a committed record. Caller holds en.mu.
func (e *Engine) register(en *entry, embedding []float32) {
	e.mu.Lock()
	e.records[en.id] = en
	e.mu.Unlock()
	e.partitionFor(en.agentID).add(en, embedding)
}

// evict unpublishes a record whose rows were deleted. Caller holds en.mu.
func (e *Engine) evict(en *entry) {
	en.gone.Store(true)
	e.mu.Lock()
	delete(e.records, en.id)
	e.mu.Unlock()
	if p := e.partition(en.agentID); p != nil {
		p.remove(en)
	}
	e.observer.SetLiveRecords(e.live.Add(-1))
}

func (e *Engine) track(op meter.OpKind, start time.Time, charged *meter.Cost, err *error) {
	var c meter.Cost
	if *err == nil {
		c = *charged
	}
	e.observer.ObserveOp(op, Status(*err), c, time.Since(start))
}
