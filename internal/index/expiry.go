package index

import (
	"sync"
	"time"

	"github.com/google/btree"
)

type expiryItem struct {
	at time.Time
	id string
}

func expiryLess(a, b expiryItem) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.id < b.id
}

// Expiry is an ordered queue of (expiresAt, id). Records without a TTL are
// never added.
type Expiry struct {
	mu   sync.Mutex
	tree *btree.BTreeG[expiryItem]
	byID map[string]time.Time
}

// NewExpiry returns an empty expiry queue.
func NewExpiry() *Expiry {
	return &Expiry{
		tree: btree.NewG(16, expiryLess),
		byID: make(map[string]time.Time),
	}
}

// Push schedules id to expire at at. Pushing an id again reschedules it.
func (e *Expiry) Push(id string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prev, ok := e.byID[id]; ok {
		e.tree.Delete(expiryItem{at: prev, id: id})
	}
	e.byID[id] = at
	e.tree.ReplaceOrInsert(expiryItem{at: at, id: id})
}

// Remove unschedules id. It is a no-op if id is not queued.
func (e *Expiry) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if at, ok := e.byID[id]; ok {
		e.tree.Delete(expiryItem{at: at, id: id})
		delete(e.byID, id)
	}
}

// PopExpiredBefore removes and returns every id whose expiry is at or before
// now, earliest first. An id is returned at most once.
func (e *Expiry) PopExpiredBefore(now time.Time) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for {
		item, ok := e.tree.Min()
		if !ok || item.at.After(now) {
			break
		}
		e.tree.DeleteMin()
		delete(e.byID, item.id)
		ids = append(ids, item.id)
	}
	return ids
}

// Next returns the earliest scheduled expiry.
func (e *Expiry) Next() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	item, ok := e.tree.Min()
	return item.at, ok
}

// Len returns the number of scheduled ids.
func (e *Expiry) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tree.Len()
}
