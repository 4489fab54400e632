package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/crypto/hkdf"
)

// KeySource supplies the encryption key for an agent.
type KeySource interface {
	KeyFor(ctx context.Context, agentID string) ([]byte, error)
}

// DerivedKeySource derives a distinct key per agent from one master secret
// with HKDF-SHA256. Nothing is persisted; the same master always yields the
// same agent keys.
type DerivedKeySource struct {
	master []byte
}

// NewDerivedKeySource returns a DerivedKeySource. The master secret must be at
// least KeySize bytes.
func NewDerivedKeySource(master []byte) (*DerivedKeySource, error) {
	if len(master) < KeySize {
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", KeySize, len(master))
	}
	return &DerivedKeySource{master: append([]byte(nil), master...)}, nil
}

// KeyFor implements KeySource.
func (s *DerivedKeySource) KeyFor(_ context.Context, agentID string) ([]byte, error) {
	if agentID == "" {
		return nil, errors.New("agent id required")
	}
	r := hkdf.New(sha256.New, s.master, nil, []byte("memvault agent key v1\x00"+agentID))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// ParseMasterKey decodes a base64 (std or url alphabet) master key.
func ParseMasterKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(s); err == nil {
			if len(key) < KeySize {
				return nil, fmt.Errorf("master key must decode to at least %d bytes, got %d", KeySize, len(key))
			}
			return key, nil
		}
	}
	return nil, errors.New("master key is not valid base64")
}

// GenerateMasterKey returns a fresh random master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	return key, nil
}

// CachedKeySource memoizes another KeySource in a bounded ristretto cache.
type CachedKeySource struct {
	next  KeySource
	cache *ristretto.Cache
}

// NewCachedKeySource caches up to maxKeys agent keys from next.
func NewCachedKeySource(next KeySource, maxKeys int64) (*CachedKeySource, error) {
	if maxKeys <= 0 {
		maxKeys = 10_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxKeys * 10,
		MaxCost:     maxKeys,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create key cache: %w", err)
	}
	return &CachedKeySource{next: next, cache: cache}, nil
}

// KeyFor implements KeySource.
func (s *CachedKeySource) KeyFor(ctx context.Context, agentID string) ([]byte, error) {
	if v, ok := s.cache.Get(agentID); ok {
		return v.([]byte), nil
	}
	key, err := s.next.KeyFor(ctx, agentID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(agentID, key, 1)
	return key, nil
}

// Close releases the cache.
func (s *CachedKeySource) Close() {
	s.cache.Close()
}
