package engine

import (
	"math"
	"strings"
	"time"
	"unicode"
)

const maxAgentIDLength = 256

func validateAgentID(agentID string) error {
	if agentID == "" {
		return invalid("agent id is required")
	}
	if len(agentID) > maxAgentIDLength {
		return invalid("agent id longer than %d bytes", maxAgentIDLength)
	}
	for _, r := range agentID {
		if unicode.IsControl(r) {
			return invalid("agent id contains control characters")
		}
	}
	return nil
}

// normalizeTags trims tags, drops duplicates and enforces the tag limits.
// Order of first occurrence is kept.
func (e *Engine) normalizeTags(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return nil, invalid("empty tag")
		}
		if e.limits.MaxTagLength > 0 && len(tag) > e.limits.MaxTagLength {
			return nil, invalid("tag %q longer than %d bytes", tag, e.limits.MaxTagLength)
		}
		if seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	if e.limits.MaxTags > 0 && len(out) > e.limits.MaxTags {
		return nil, invalid("%d tags, at most %d allowed", len(out), e.limits.MaxTags)
	}
	return out, nil
}

// validateEmbedding checks a vector against the configured dimension. A
// per-agent dimension is checked separately against the partition.
func (e *Engine) validateEmbedding(vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	if d := e.limits.EmbeddingDimensions; d > 0 && len(vec) != d {
		return invalid("embedding has %d dimensions, want %d", len(vec), d)
	}
	var norm float64
	for _, x := range vec {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return invalid("embedding contains NaN or Inf")
		}
		norm += f * f
	}
	if norm == 0 {
		return invalid("embedding is the zero vector")
	}
	return nil
}

func (e *Engine) validateStore(req *StoreRequest) ([]string, error) {
	if err := validateAgentID(req.AgentID); err != nil {
		return nil, err
	}
	if e.limits.MaxPayloadBytes > 0 && len(req.Payload) > e.limits.MaxPayloadBytes {
		return nil, invalid("payload is %d bytes, at most %d allowed", len(req.Payload), e.limits.MaxPayloadBytes)
	}
	if req.TTL != nil && *req.TTL < 0 {
		return nil, invalid("negative ttl %s", *req.TTL)
	}
	if err := e.validateEmbedding(req.Embedding); err != nil {
		return nil, err
	}
	return e.normalizeTags(req.Tags)
}

func (e *Engine) validateSearch(req *SearchRequest) error {
	if err := validateAgentID(req.AgentID); err != nil {
		return err
	}
	if req.TopK < 1 {
		return invalid("topK must be at least 1")
	}
	if e.limits.MaxTopK > 0 && req.TopK > e.limits.MaxTopK {
		return invalid("topK %d exceeds %d", req.TopK, e.limits.MaxTopK)
	}
	if req.MinScore != nil {
		s := *req.MinScore
		if math.IsNaN(s) || s < -1 || s > 1 {
			return invalid("minScore must be within [-1, 1]")
		}
		if len(req.Embedding) == 0 {
			return invalid("minScore requires a query embedding")
		}
	}
	if req.Filter != nil {
		tags, err := e.normalizeTags(req.Filter.Tags)
		if err != nil {
			return err
		}
		if len(tags) == 0 {
			return invalid("tag filter has no tags")
		}
		f := *req.Filter
		f.Tags = tags
		req.Filter = &f
	}
	if len(req.Embedding) == 0 && req.Filter == nil {
		return invalid("search needs a query embedding or a tag filter")
	}
	return e.validateEmbedding(req.Embedding)
}

// TTLSeconds converts a whole number of seconds to a TTL.
func TTLSeconds(s uint32) *time.Duration {
	d := time.Duration(s) * time.Second
	return &d
}
