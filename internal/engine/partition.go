package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lazypower/memvault/internal/index"
)

// entry is the in-memory handle of one record. Its mutex serializes get,
// delete and reap on the id.
type entry struct {
	mu sync.Mutex

	id        string
	agentID   string
	createdAt time.Time
	expires   bool
	expiresAt time.Time
	size      int
	tags      []string
	hasVector bool

	gone atomic.Bool // set once the record's rows are deleted
}

func (en *entry) expired(now time.Time) bool {
	return en.expires && !now.Before(en.expiresAt)
}

func (en *entry) liveAt(now time.Time) bool {
	return !en.gone.Load() && !en.expired(now)
}

// partition holds one agent's indices.
type partition struct {
	agentID string

	mu      sync.RWMutex
	members map[string]*entry
	tags    *index.Tags
	vectors *index.Semantic

	// expiry has its own lock so the reaper can pop without taking mu.
	expiry *index.Expiry

	dims atomic.Int64 // embedding dimension, 0 until the first vector
}

func newPartition(agentID string, cfg index.SemanticConfig) *partition {
	return &partition{
		agentID: agentID,
		members: make(map[string]*entry),
		tags:    index.NewTags(),
		vectors: index.NewSemantic(cfg),
		expiry:  index.NewExpiry(),
	}
}

// fitsDims reports whether an n-dimensional vector can join the partition.
// The dimension is only fixed by add, after a vector has been committed.
func (p *partition) fitsDims(n int) bool {
	d := p.dims.Load()
	return d == 0 || d == int64(n)
}

func (p *partition) add(en *entry, embedding []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.members[en.id] = en
	if len(en.tags) > 0 {
		p.tags.Add(en.id, en.tags)
	}
	if len(embedding) > 0 {
		p.dims.CompareAndSwap(0, int64(len(embedding)))
		p.vectors.Add(en.id, embedding, en.createdAt)
	}
	if en.expires {
		p.expiry.Push(en.id, en.expiresAt)
	}
}

func (p *partition) remove(en *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.members, en.id)
	p.tags.Remove(en.id)
	p.vectors.Remove(en.id)
	p.expiry.Remove(en.id)
}

// usage returns the count and plaintext bytes of records live at now.
func (p *partition) usage(now time.Time) (count int, bytes int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, en := range p.members {
		if en.liveAt(now) {
			count++
			bytes += int64(en.size)
		}
	}
	return count, bytes
}
