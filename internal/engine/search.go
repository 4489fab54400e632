package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lazypower/memvault/internal/index"
	"github.com/lazypower/memvault/internal/meter"
	"github.com/lazypower/memvault/internal/store"
)

// TagFilter restricts a search to records carrying all (MatchAll) or any of Tags.
type TagFilter struct {
	Tags     []string
	MatchAll bool
}

// SearchRequest is the input to Search. At least one of Embedding and Filter
// is required. Without an embedding, matching records are listed newest
// first with score 0.
type SearchRequest struct {
	AgentID   string
	Embedding []float32
	Filter    *TagFilter
	TopK      int
	MinScore  *float64
	DedupKey  string
}

// SearchHit is one search result.
type SearchHit struct {
	ID        string
	Score     float64
	Tags      []string
	CreatedAt time.Time
}

// SearchResult is the outcome of Search.
type SearchResult struct {
	Results  []SearchHit
	Cost     meter.Cost
	Replayed bool
}

// Search ranks the agent's live records. Every successful search is billed,
// including one that finds nothing.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (res SearchResult, err error) {
	var charged meter.Cost
	defer e.track(meter.OpSearch, time.Now(), &charged, &err)

	if err := e.validateSearch(&req); err != nil {
		return SearchResult{}, err
	}

	now := e.clock()
	hits, err := e.rank(req, now)
	if err != nil {
		return SearchResult{}, err
	}

	ev := meter.UsageEvent{
		AgentID:  req.AgentID,
		Op:       meter.OpSearch,
		DedupKey: req.DedupKey,
		At:       now,
	}
	replayed := false
	err = e.db.InTx(ctx, func(tx *store.Tx) error {
		dup, err := e.meter.Record(tx, &ev)
		if err != nil {
			return err
		}
		if dup {
			if ev.Op != meter.OpSearch {
				return invalid("dedup key already used for a %s", ev.Op)
			}
			replayed = true
			return errReplay
		}
		return nil
	})
	if err != nil && !errors.Is(err, errReplay) {
		return SearchResult{}, fmt.Errorf("search: %w", err)
	}

	if !replayed {
		charged = ev.Cost
		e.meter.Observe(ev)
	}
	return SearchResult{Results: hits, Cost: ev.Cost, Replayed: replayed}, nil
}

// rank takes a snapshot of the agent's live records at now and orders them.
func (e *Engine) rank(req SearchRequest, now time.Time) ([]SearchHit, error) {
	p := e.partition(req.AgentID)
	if p == nil {
		return []SearchHit{}, nil
	}
	if len(req.Embedding) > 0 {
		if d := p.dims.Load(); d != 0 && d != int64(len(req.Embedding)) {
			return nil, invalid("query has %d dimensions, agent uses %d", len(req.Embedding), d)
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	keep := func(id string) bool {
		en := p.members[id]
		return en != nil && en.liveAt(now)
	}

	var candidates map[string]struct{}
	if req.Filter != nil {
		candidates = p.tags.Match(req.Filter.Tags, req.Filter.MatchAll)
	}

	var hits []index.Hit
	switch {
	case len(req.Embedding) > 0:
		minScore := math.Inf(-1)
		if req.MinScore != nil {
			minScore = *req.MinScore
		}
		if candidates != nil {
			hits = p.vectors.Score(req.Embedding, candidates, req.TopK, minScore, keep)
		} else {
			hits = p.vectors.Search(req.Embedding, req.TopK, minScore, keep)
		}
	default:
		hits = make([]index.Hit, 0, len(candidates))
		for id := range candidates {
			if keep(id) {
				hits = append(hits, index.Hit{ID: id, CreatedAt: p.members[id].createdAt})
			}
		}
		index.SortHits(hits)
		if len(hits) > req.TopK {
			hits = hits[:req.TopK]
		}
	}

	out := make([]SearchHit, len(hits))
	for i, h := range hits {
		out[i] = SearchHit{
			ID:        h.ID,
			Score:     h.Score,
			Tags:      p.members[h.ID].tags,
			CreatedAt: h.CreatedAt,
		}
	}
	return out, nil
}
