package index

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
)

// HNSWConfig tunes the hierarchical navigable small world graph used once an
// agent holds more vectors than SemanticConfig.FlatLimit.
type HNSWConfig struct {
	M              int   // max links per node per layer (2*M on layer 0)
	EfConstruction int   // candidate list width while inserting
	EfSearch       int   // minimum candidate list width while searching
	MaxLevel       int   // layer cap
	Seed           int64 // level generator seed, fixed for reproducible graphs
}

// DefaultHNSWConfig returns settings suited to tens of thousands of vectors per agent.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:              16,
		EfConstruction: 200,
		EfSearch:       100,
		MaxLevel:       16,
		Seed:           1,
	}
}

type hnswNode struct {
	vec     []float32
	links   [][]string // links[level]
	deleted bool
}

// hnsw is a cosine-distance HNSW graph over unit vectors. Removal marks a
// node deleted: it keeps routing traffic but never appears in results.
type hnsw struct {
	cfg      HNSWConfig
	nodes    map[string]*hnswNode
	entry    string
	maxLevel int
	deleted  int
	ml       float64
	rng      *rand.Rand
}

func newHNSW(cfg HNSWConfig) *hnsw {
	if cfg.M < 2 {
		cfg.M = 2
	}
	if cfg.EfConstruction < cfg.M {
		cfg.EfConstruction = cfg.M
	}
	if cfg.EfSearch < 1 {
		cfg.EfSearch = 1
	}
	return &hnsw{
		cfg:   cfg,
		nodes: make(map[string]*hnswNode),
		ml:    1 / math.Log(float64(cfg.M)),
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (h *hnsw) live() int {
	return len(h.nodes) - h.deleted
}

func (h *hnsw) randomLevel() int {
	level := int(-math.Log(1-h.rng.Float64()) * h.ml)
	if level > h.cfg.MaxLevel {
		level = h.cfg.MaxLevel
	}
	return level
}

func (h *hnsw) insert(id string, vec []float32) {
	if n, ok := h.nodes[id]; ok {
		// Re-adding a deleted id revives it in place; the graph position of
		// its old vector is reused only if the vector is unchanged.
		if n.deleted && equalVec(n.vec, vec) {
			n.deleted = false
			h.deleted--
			return
		}
		if !n.deleted {
			return
		}
		// Different vector under a recycled id: the old node stays as a
		// routing tombstone under a private key.
		h.nodes["\x00"+id] = n
		delete(h.nodes, id)
	}

	level := h.randomLevel()
	node := &hnswNode{vec: vec, links: make([][]string, level+1)}
	h.nodes[id] = node

	if h.entry == "" {
		h.entry = id
		h.maxLevel = level
		return
	}

	ep := h.entry
	for l := h.maxLevel; l > level; l-- {
		ep = h.greedy(vec, ep, l)
	}

	top := level
	if h.maxLevel < top {
		top = h.maxLevel
	}
	for l := top; l >= 0; l-- {
		cands := h.searchLayer(vec, ep, h.cfg.EfConstruction, l)
		m := h.maxLinks(l)

		neighbors := make([]string, 0, m)
		for _, c := range cands {
			if c.id == id || h.nodes[c.id].deleted {
				continue
			}
			neighbors = append(neighbors, c.id)
			if len(neighbors) == m {
				break
			}
		}
		if len(neighbors) == 0 && len(cands) > 0 && cands[0].id != id {
			neighbors = append(neighbors, cands[0].id)
		}

		node.links[l] = neighbors
		for _, nid := range neighbors {
			nn := h.nodes[nid]
			nn.links[l] = append(nn.links[l], id)
			if len(nn.links[l]) > m {
				nn.links[l] = h.prune(nn.vec, nn.links[l], m)
			}
		}
		if len(cands) > 0 {
			ep = cands[0].id
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = id
	}
}

func (h *hnsw) remove(id string) {
	if n, ok := h.nodes[id]; ok && !n.deleted {
		n.deleted = true
		h.deleted++
	}
}

// search returns up to ef live nodes nearest to q, nearest first.
func (h *hnsw) search(q []float32, ef int) []candidate {
	if h.entry == "" {
		return nil
	}
	if ef < h.cfg.EfSearch {
		ef = h.cfg.EfSearch
	}
	ep := h.entry
	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedy(q, ep, l)
	}
	cands := h.searchLayer(q, ep, ef, 0)

	out := cands[:0]
	for _, c := range cands {
		if !h.nodes[c.id].deleted {
			out = append(out, c)
		}
	}
	return out
}

func (h *hnsw) maxLinks(level int) int {
	if level == 0 {
		return h.cfg.M * 2
	}
	return h.cfg.M
}

func (h *hnsw) greedy(q []float32, ep string, level int) string {
	best := ep
	bestDist := distance(q, h.nodes[ep].vec)
	for improved := true; improved; {
		improved = false
		for _, nid := range h.nodes[best].linksAt(level) {
			if d := distance(q, h.nodes[nid].vec); d < bestDist {
				best, bestDist = nid, d
				improved = true
			}
		}
	}
	return best
}

func (h *hnsw) searchLayer(q []float32, ep string, ef int, level int) []candidate {
	visited := map[string]bool{ep: true}
	start := candidate{id: ep, dist: distance(q, h.nodes[ep].vec)}
	frontier := &minHeap{start}
	results := &maxHeap{start}

	for frontier.Len() > 0 {
		c := heap.Pop(frontier).(candidate)
		if c.dist > (*results)[0].dist && results.Len() >= ef {
			break
		}
		for _, nid := range h.nodes[c.id].linksAt(level) {
			if visited[nid] {
				continue
			}
			visited[nid] = true

			d := distance(q, h.nodes[nid].vec)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(frontier, candidate{id: nid, dist: d})
				heap.Push(results, candidate{id: nid, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

func (h *hnsw) prune(base []float32, links []string, m int) []string {
	cands := make([]candidate, len(links))
	for i, nid := range links {
		cands[i] = candidate{id: nid, dist: distance(base, h.nodes[nid].vec)}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })

	out := make([]string, m)
	for i := 0; i < m; i++ {
		out[i] = cands[i].id
	}
	return out
}

func (n *hnswNode) linksAt(level int) []string {
	if level >= len(n.links) {
		return nil
	}
	return n.links[level]
}

// distance is cosine distance between unit vectors.
func distance(a, b []float32) float64 {
	return 1 - dot(a, b)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func equalVec(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type candidate struct {
	id   string
	dist float64
}

type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
