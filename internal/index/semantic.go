package index

import (
	"math"
	"sort"
	"time"
)

// SemanticConfig controls when an agent's vectors move from exact scan to HNSW.
type SemanticConfig struct {
	FlatLimit int // exact scan while the agent holds at most this many vectors
	HNSW      HNSWConfig
}

// DefaultSemanticConfig returns the default flat/HNSW crossover.
func DefaultSemanticConfig() SemanticConfig {
	return SemanticConfig{FlatLimit: 4096, HNSW: DefaultHNSWConfig()}
}

// Hit is one scored search result.
type Hit struct {
	ID        string
	Score     float64
	CreatedAt time.Time
}

type vectorEntry struct {
	vec       []float32 // unit length
	createdAt time.Time
}

// Semantic is one agent's embedding index. Small partitions are scanned
// exactly; past FlatLimit an HNSW graph answers nearest-neighbour queries and
// candidates are rescored exactly before ordering.
//
// Semantic is not safe for concurrent use; the owning partition locks it.
type Semantic struct {
	cfg     SemanticConfig
	entries map[string]vectorEntry
	graph   *hnsw
}

// NewSemantic returns an empty index.
func NewSemantic(cfg SemanticConfig) *Semantic {
	if cfg.FlatLimit < 0 {
		cfg.FlatLimit = 0
	}
	return &Semantic{cfg: cfg, entries: make(map[string]vectorEntry)}
}

// Add indexes vec under id. vec must be non-zero; the index stores a
// normalized copy.
func (s *Semantic) Add(id string, vec []float32, createdAt time.Time) {
	nv := normalize(vec)
	s.entries[id] = vectorEntry{vec: nv, createdAt: createdAt}

	switch {
	case s.graph != nil:
		s.graph.insert(id, nv)
	case len(s.entries) > s.cfg.FlatLimit:
		s.rebuild()
	}
}

// Remove drops id. Unknown ids are ignored.
func (s *Semantic) Remove(id string) {
	if _, ok := s.entries[id]; !ok {
		return
	}
	delete(s.entries, id)
	if s.graph == nil {
		return
	}
	s.graph.remove(id)

	switch {
	case len(s.entries) <= s.cfg.FlatLimit/2:
		s.graph = nil
	case s.graph.deleted*4 > len(s.graph.nodes):
		s.rebuild()
	}
}

// Has reports whether id is indexed.
func (s *Semantic) Has(id string) bool {
	_, ok := s.entries[id]
	return ok
}

// Len returns the number of indexed vectors.
func (s *Semantic) Len() int {
	return len(s.entries)
}

// Approximate reports whether searches go through the HNSW graph.
func (s *Semantic) Approximate() bool {
	return s.graph != nil
}

// Search returns up to k hits with score >= minScore, ordered by SortHits.
// keep, when non-nil, filters candidate ids (liveness checks).
func (s *Semantic) Search(query []float32, k int, minScore float64, keep func(id string) bool) []Hit {
	if k <= 0 || len(s.entries) == 0 {
		return nil
	}
	q := normalize(query)

	if s.graph == nil {
		return s.exact(q, k, minScore, keep, nil)
	}

	ef := k * 4
	cands := s.graph.search(q, ef)
	hits := make([]Hit, 0, len(cands))
	dropped := 0
	worst := math.Inf(1)
	for _, c := range cands {
		e := s.entries[c.id]
		score := clampScore(dot(q, e.vec))
		worst = math.Min(worst, score)
		if keep != nil && !keep(c.id) {
			dropped++
			continue
		}
		if score < minScore {
			continue
		}
		hits = append(hits, Hit{ID: c.id, Score: score, CreatedAt: e.createdAt})
	}

	// Fall back to the exact scan when the graph under-delivers or the
	// keep filter ate candidates that later ones could have replaced.
	short := len(cands) < ef && len(cands) < len(s.entries)
	if short || (len(hits) < k && dropped > 0) {
		return s.exact(q, k, minScore, keep, nil)
	}
	SortHits(hits)
	// A tie at the k-th score that reaches the edge of the candidate window
	// may continue past it, and only the exact scan can order it by recency.
	if len(hits) >= k && hits[k-1].Score <= worst {
		return s.exact(q, k, minScore, keep, nil)
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Score ranks exactly the given candidate ids. Ids without a vector are skipped.
func (s *Semantic) Score(query []float32, ids map[string]struct{}, k int, minScore float64, keep func(id string) bool) []Hit {
	if k <= 0 || len(ids) == 0 {
		return nil
	}
	return s.exact(normalize(query), k, minScore, keep, ids)
}

func (s *Semantic) exact(q []float32, k int, minScore float64, keep func(string) bool, only map[string]struct{}) []Hit {
	var hits []Hit
	visit := func(id string, e vectorEntry) {
		if keep != nil && !keep(id) {
			return
		}
		score := clampScore(dot(q, e.vec))
		if score < minScore {
			return
		}
		hits = append(hits, Hit{ID: id, Score: score, CreatedAt: e.createdAt})
	}

	if only != nil && len(only) < len(s.entries) {
		for id := range only {
			if e, ok := s.entries[id]; ok {
				visit(id, e)
			}
		}
	} else {
		for id, e := range s.entries {
			if only != nil {
				if _, ok := only[id]; !ok {
					continue
				}
			}
			visit(id, e)
		}
	}

	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func (s *Semantic) rebuild() {
	g := newHNSW(s.cfg.HNSW)
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	// Insert in creation order so rebuilds of the same data give the same graph.
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.entries[ids[i]], s.entries[ids[j]]
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.Before(b.createdAt)
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		g.insert(id, s.entries[id].vec)
	}
	s.graph = g
}

// SortHits orders by descending score, then newest first, then id.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Norm returns the Euclidean length of v.
func Norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func normalize(v []float32) []float32 {
	n := Norm(v)
	out := make([]float32, len(v))
	if n == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

func clampScore(s float64) float64 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	}
	return s
}
