package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lazypower/memvault/internal/engine"
	"github.com/lazypower/memvault/internal/meter"
)

// idempotencyHeader carries the caller's dedup key on billable requests.
const idempotencyHeader = "Idempotency-Key"

const defaultTopK = 10

type storeRequest struct {
	AgentID    string    `json:"agent_id"`
	Content    []byte    `json:"content"` // base64
	Tags       []string  `json:"tags"`
	TTLSeconds *uint32   `json:"ttl_seconds"`
	Embedding  []float32 `json:"embedding"`
}

type searchRequest struct {
	AgentID   string    `json:"agent_id"`
	Embedding []float32 `json:"embedding"`
	Tags      []string  `json:"tags"`
	MatchAll  bool      `json:"match_all"`
	TopK      int       `json:"top_k"`
	MinScore  *float64  `json:"min_score"`
}

type searchHit struct {
	MemoryID  string    `json:"memory_id"`
	Score     float64   `json:"score"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	in := engine.StoreRequest{
		AgentID:   req.AgentID,
		Payload:   req.Content,
		Tags:      req.Tags,
		Embedding: req.Embedding,
		DedupKey:  r.Header.Get(idempotencyHeader),
	}
	if req.TTLSeconds != nil {
		in.TTL = engine.TTLSeconds(*req.TTLSeconds)
	}

	res, err := s.engine.Store(r.Context(), in)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"memory_id":   res.ID,
		"created_at":  res.CreatedAt,
		"expires_at":  res.ExpiresAt,
		"cost":        res.Cost.Dollars(),
		"cost_micros": int64(res.Cost),
		"replayed":    res.Replayed,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Get(r.Context(), engine.GetRequest{
		ID:       chi.URLParam(r, "id"),
		AgentID:  r.URL.Query().Get("agent_id"),
		DedupKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"memory_id":    res.ID,
		"content":      res.Payload,
		"tags":         nonNil(res.Tags),
		"created_at":   res.CreatedAt,
		"expires_at":   res.ExpiresAt,
		"access_count": res.AccessCount,
		"cost":         res.Cost.Dollars(),
		"cost_micros":  int64(res.Cost),
		"replayed":     res.Replayed,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.TopK == 0 {
		req.TopK = defaultTopK
	}

	in := engine.SearchRequest{
		AgentID:   req.AgentID,
		Embedding: req.Embedding,
		TopK:      req.TopK,
		MinScore:  req.MinScore,
		DedupKey:  r.Header.Get(idempotencyHeader),
	}
	if len(req.Tags) > 0 {
		in.Filter = &engine.TagFilter{Tags: req.Tags, MatchAll: req.MatchAll}
	}

	res, err := s.engine.Search(r.Context(), in)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	hits := make([]searchHit, len(res.Results))
	for i, h := range res.Results {
		hits[i] = searchHit{MemoryID: h.ID, Score: h.Score, Tags: nonNil(h.Tags), CreatedAt: h.CreatedAt}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":     hits,
		"count":       len(hits),
		"cost":        res.Cost.Dollars(),
		"cost_micros": int64(res.Cost),
		"replayed":    res.Replayed,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Delete(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("agent_id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ack": true, "cost": 0})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	st, err := s.engine.Stats(r.Context(), agentID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	ops := make(map[string]int64, len(st.Operations))
	for op, n := range st.Operations {
		ops[string(op)] = n
	}
	var last *time.Time
	if !st.LastAccess.IsZero() {
		last = &st.LastAccess
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":          agentID,
		"operations":        ops,
		"total_cost":        st.TotalCost.Dollars(),
		"total_cost_micros": int64(st.TotalCost),
		"last_access":       last,
		"live_records":      st.LiveRecords,
		"stored_bytes":      st.StoredBytes,
	})
}

func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	if s.reaper == nil {
		writeError(w, http.StatusServiceUnavailable, "reaper not configured")
		return
	}
	n, err := s.reaper.Sweep(r.Context())
	if err != nil {
		s.logger.Warn("manual sweep incomplete", zap.Int("reaped", n), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"reaped": n, "error": "some evictions failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reaped": n})
}

func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	p := s.engine.Pricing()
	writeJSON(w, http.StatusOK, map[string]any{
		"currency": "USD",
		"store":    p.For(meter.OpStore).Dollars(),
		"get":      p.For(meter.OpGet).Dollars(),
		"search":   p.For(meter.OpSearch).Dollars(),
		"delete":   p.For(meter.OpDelete).Dollars(),
	})
}

// writeEngineError maps engine errors to HTTP statuses. Unclassified errors
// are logged and reported without detail.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, "memory not found")
	case errors.Is(err, engine.ErrForbidden):
		writeError(w, http.StatusForbidden, "memory belongs to another agent")
	case errors.Is(err, engine.ErrExpired):
		writeError(w, http.StatusGone, "memory expired")
	case errors.Is(err, engine.ErrDecryption):
		writeError(w, http.StatusUnprocessableEntity, "memory could not be decrypted")
	case errors.Is(err, engine.ErrStorageFull):
		writeError(w, http.StatusInsufficientStorage, "storage full")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
