package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazypower/memvault/internal/meter"
	"github.com/lazypower/memvault/internal/store"
)

// StoreRequest is the input to Store.
type StoreRequest struct {
	AgentID   string
	Payload   []byte
	Tags      []string
	TTL       *time.Duration // nil = never expires; 0 expires immediately
	Embedding []float32
	DedupKey  string // retries with the same key return the first result
}

// StoreResult is the outcome of Store.
type StoreResult struct {
	ID        string
	Cost      meter.Cost
	CreatedAt time.Time
	ExpiresAt *time.Time
	Replayed  bool // the dedup key was already used; nothing new was stored
}

// Store encrypts and persists a record, indexes it and bills it in one
// commit unit.
func (e *Engine) Store(ctx context.Context, req StoreRequest) (res StoreResult, err error) {
	var charged meter.Cost
	defer e.track(meter.OpStore, time.Now(), &charged, &err)

	tags, err := e.validateStore(&req)
	if err != nil {
		return StoreResult{}, err
	}
	p := e.partitionFor(req.AgentID)
	if len(req.Embedding) > 0 && !p.fitsDims(len(req.Embedding)) {
		return StoreResult{}, invalid("embedding has %d dimensions, agent uses %d", len(req.Embedding), p.dims.Load())
	}

	if req.DedupKey != "" {
		prev, err := e.meter.Find(ctx, req.AgentID, req.DedupKey)
		if err != nil {
			return StoreResult{}, fmt.Errorf("store: %w", err)
		}
		if prev != nil {
			return storeReplay(prev)
		}
	}

	if !e.reserve() {
		return StoreResult{}, ErrStorageFull
	}
	committed := false
	defer func() {
		if !committed {
			e.live.Add(-1)
		}
	}()

	key, err := e.keys.KeyFor(ctx, req.AgentID)
	if err != nil {
		return StoreResult{}, fmt.Errorf("store: agent key: %w", err)
	}

	id := uuid.NewString()
	ciphertext, nonce, err := e.codec.Encrypt(req.Payload, key, []byte(id))
	if err != nil {
		return StoreResult{}, fmt.Errorf("store: %w", err)
	}

	now := e.clock()
	en := &entry{
		id:        id,
		agentID:   req.AgentID,
		createdAt: now,
		size:      len(req.Payload),
		tags:      tags,
		hasVector: len(req.Embedding) > 0,
	}
	row := &store.Memory{
		ID:         id,
		AgentID:    req.AgentID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		SizeBytes:  len(req.Payload),
		Tags:       tags,
		Embedding:  req.Embedding,
		CreatedAt:  now.UnixMilli(),
	}
	if req.TTL != nil {
		en.expires = true
		en.expiresAt = now.Add(*req.TTL)
		at := en.expiresAt.UnixMilli()
		row.ExpiresAt = &at
	}

	ev := meter.UsageEvent{
		AgentID:  req.AgentID,
		Op:       meter.OpStore,
		MemoryID: id,
		DedupKey: req.DedupKey,
		At:       now,
	}
	err = e.db.InTx(ctx, func(tx *store.Tx) error {
		// Another store may have committed the agent's first vector since
		// the check above; its dimension is not cached until it registers.
		if len(req.Embedding) > 0 {
			d := int(p.dims.Load())
			if d == 0 {
				var err error
				if d, err = tx.AgentDimensions(req.AgentID); err != nil {
					return err
				}
			}
			if d != 0 && d != len(req.Embedding) {
				return invalid("embedding has %d dimensions, agent uses %d", len(req.Embedding), d)
			}
		}
		if err := tx.InsertMemory(row); err != nil {
			return err
		}
		dup, err := e.meter.Record(tx, &ev)
		if err != nil {
			return err
		}
		if dup {
			return errReplay
		}
		return nil
	})
	if errors.Is(err, errReplay) {
		return storeReplay(&ev)
	}
	if errors.Is(err, ErrInvalidArgument) {
		return StoreResult{}, err
	}
	if err != nil {
		return StoreResult{}, fmt.Errorf("store: %w", err)
	}
	committed = true

	en.mu.Lock()
	e.register(en, req.Embedding)
	en.mu.Unlock()
	e.meter.Observe(ev)
	e.observer.SetLiveRecords(e.live.Load())

	e.logger.Debug("memory stored",
		zap.String("agent_id", req.AgentID),
		zap.String("memory_id", id),
		zap.Int("size_bytes", len(req.Payload)),
		zap.Int("tags", len(tags)),
	)

	charged = ev.Cost
	res = StoreResult{ID: id, Cost: ev.Cost, CreatedAt: now}
	if en.expires {
		at := en.expiresAt
		res.ExpiresAt = &at
	}
	return res, nil
}

func storeReplay(prev *meter.UsageEvent) (StoreResult, error) {
	if prev.Op != meter.OpStore {
		return StoreResult{}, invalid("dedup key already used for a %s", prev.Op)
	}
	return StoreResult{ID: prev.MemoryID, Cost: prev.Cost, CreatedAt: prev.At, Replayed: true}, nil
}

// GetRequest is the input to Get.
type GetRequest struct {
	ID       string
	AgentID  string
	DedupKey string // a retried read with the same key is not billed again
}

// GetResult is the outcome of Get.
type GetResult struct {
	ID          string
	Payload     []byte
	Tags        []string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	AccessCount int
	Cost        meter.Cost
	Replayed    bool
}

// Get decrypts a record owned by the agent and bills the read.
func (e *Engine) Get(ctx context.Context, req GetRequest) (res GetResult, err error) {
	var charged meter.Cost
	defer e.track(meter.OpGet, time.Now(), &charged, &err)

	if err := validateAgentID(req.AgentID); err != nil {
		return GetResult{}, err
	}
	en := e.lookup(req.ID)
	if en == nil {
		return GetResult{}, ErrNotFound
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	if en.gone.Load() {
		return GetResult{}, ErrNotFound
	}
	if en.agentID != req.AgentID {
		return GetResult{}, ErrForbidden
	}
	now := e.clock()
	if en.expired(now) {
		return GetResult{}, ErrExpired
	}

	key, err := e.keys.KeyFor(ctx, req.AgentID)
	if err != nil {
		return GetResult{}, fmt.Errorf("get: agent key: %w", err)
	}

	var (
		row       *store.Memory
		plaintext []byte
		replayed  bool
	)
	ev := meter.UsageEvent{
		AgentID:  req.AgentID,
		Op:       meter.OpGet,
		MemoryID: req.ID,
		DedupKey: req.DedupKey,
		At:       now,
	}
	err = e.db.InTx(ctx, func(tx *store.Tx) error {
		var err error
		row, err = tx.GetMemory(req.ID)
		if err != nil {
			return err
		}
		if row == nil {
			return ErrNotFound
		}
		plaintext, err = e.codec.Decrypt(row.Ciphertext, row.Nonce, key, []byte(req.ID))
		if err != nil {
			return fmt.Errorf("memory %s: %w", req.ID, err)
		}

		dup, err := e.meter.Record(tx, &ev)
		if err != nil {
			return err
		}
		if dup {
			if ev.Op != meter.OpGet || ev.MemoryID != req.ID {
				return invalid("dedup key already used for a %s", ev.Op)
			}
			replayed = true
			return nil
		}
		return tx.TouchMemory(req.ID, now)
	})
	if err != nil {
		if errors.Is(err, ErrDecryption) {
			e.logger.Error("decryption failed",
				zap.String("agent_id", req.AgentID),
				zap.String("memory_id", req.ID),
			)
		}
		return GetResult{}, fmt.Errorf("get: %w", err)
	}

	res = GetResult{
		ID:          req.ID,
		Payload:     plaintext,
		Tags:        en.tags,
		CreatedAt:   en.createdAt,
		AccessCount: row.AccessCount,
		Cost:        ev.Cost,
		Replayed:    replayed,
	}
	if en.expires {
		at := en.expiresAt
		res.ExpiresAt = &at
	}
	if !replayed {
		res.AccessCount++
		charged = ev.Cost
		e.meter.Observe(ev)
	}
	return res, nil
}

// Delete removes a record and its index entries. Deletes are free and write
// no usage event; a tombstone row keeps the per-agent delete count.
func (e *Engine) Delete(ctx context.Context, id, agentID string) (err error) {
	var charged meter.Cost
	defer e.track(meter.OpDelete, time.Now(), &charged, &err)

	if err := validateAgentID(agentID); err != nil {
		return err
	}
	en := e.lookup(id)
	if en == nil {
		return ErrNotFound
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	if en.gone.Load() {
		return ErrNotFound
	}
	if en.agentID != agentID {
		return ErrForbidden
	}

	now := e.clock()
	var tomb int64
	err = e.db.InTx(ctx, func(tx *store.Tx) error {
		ok, err := tx.DeleteMemory(id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		tomb, err = tx.InsertTombstone(id, agentID, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	e.evict(en)
	e.meter.ObserveDelete(agentID, tomb, now)
	e.logger.Debug("memory deleted", zap.String("agent_id", agentID), zap.String("memory_id", id))
	return nil
}
