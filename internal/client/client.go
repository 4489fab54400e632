// Package client is a small HTTP client for a running memvault server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

const (
	defaultServerURL = "http://127.0.0.1:37780"
	httpTimeout      = 10 * time.Second
)

// Client talks to the memvault server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty serverURL falls back to the
// MEMVAULT_URL env var, then http://127.0.0.1:37780.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("MEMVAULT_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

// StatusError is returned for responses with a status of 400 or above.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Msg    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Msg)
}

// StoreInput is the body of a store request.
type StoreInput struct {
	AgentID    string    `json:"agent_id"`
	Content    []byte    `json:"content"`
	Tags       []string  `json:"tags,omitempty"`
	TTLSeconds *uint32   `json:"ttl_seconds,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// Stored is the server's reply to a store request.
type Stored struct {
	MemoryID   string     `json:"memory_id"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
	Cost       float64    `json:"cost"`
	CostMicros int64      `json:"cost_micros"`
	Replayed   bool       `json:"replayed"`
}

// Memory is the server's reply to a get request.
type Memory struct {
	MemoryID    string     `json:"memory_id"`
	Content     []byte     `json:"content"`
	Tags        []string   `json:"tags"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	AccessCount int64      `json:"access_count"`
	Cost        float64    `json:"cost"`
	Replayed    bool       `json:"replayed"`
}

// SearchInput is the body of a search request.
type SearchInput struct {
	AgentID   string    `json:"agent_id"`
	Embedding []float32 `json:"embedding,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	MatchAll  bool      `json:"match_all,omitempty"`
	TopK      int       `json:"top_k,omitempty"`
	MinScore  *float64  `json:"min_score,omitempty"`
}

// Hit is one search result.
type Hit struct {
	MemoryID  string    `json:"memory_id"`
	Score     float64   `json:"score"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResults is the server's reply to a search request.
type SearchResults struct {
	Results  []Hit   `json:"results"`
	Count    int     `json:"count"`
	Cost     float64 `json:"cost"`
	Replayed bool    `json:"replayed"`
}

// Stats is an agent's usage report.
type Stats struct {
	AgentID     string           `json:"agent_id"`
	Operations  map[string]int64 `json:"operations"`
	TotalCost   float64          `json:"total_cost"`
	LastAccess  *time.Time       `json:"last_access"`
	LiveRecords int              `json:"live_records"`
	StoredBytes int64            `json:"stored_bytes"`
}

// Store saves a memory. A non-empty idempotencyKey makes retries safe.
func (c *Client) Store(ctx context.Context, in StoreInput, idempotencyKey string) (*Stored, error) {
	var out Stored
	if err := c.do(ctx, http.MethodPost, "/api/memory", in, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get fetches and decrypts a memory owned by agentID.
func (c *Client) Get(ctx context.Context, id, agentID, idempotencyKey string) (*Memory, error) {
	var out Memory
	path := "/api/memory/" + url.PathEscape(id) + "?agent_id=" + url.QueryEscape(agentID)
	if err := c.do(ctx, http.MethodGet, path, nil, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search ranks the agent's memories.
func (c *Client) Search(ctx context.Context, in SearchInput, idempotencyKey string) (*SearchResults, error) {
	var out SearchResults
	if err := c.do(ctx, http.MethodPost, "/api/memory/search", in, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a memory owned by agentID.
func (c *Client) Delete(ctx context.Context, id, agentID string) error {
	path := "/api/memory/" + url.PathEscape(id) + "?agent_id=" + url.QueryEscape(agentID)
	return c.do(ctx, http.MethodDelete, path, nil, "", nil)
}

// Stats returns the agent's usage report.
func (c *Client) Stats(ctx context.Context, agentID string) (*Stats, error) {
	var out Stats
	if err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(agentID)+"/stats", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reap asks the server to sweep expired memories now.
func (c *Client) Reap(ctx context.Context) (int, error) {
	var out struct {
		Reaped int `json:"reaped"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/admin/reap", nil, "", &out); err != nil {
		return 0, err
	}
	return out.Reaped, nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/api/health", nil, "", nil) == nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, rd)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		msg := string(data)
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Msg: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	return nil
}
