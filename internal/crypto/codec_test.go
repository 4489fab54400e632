package crypto

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"pgregory.net/rapid"
)

func testKey(t testing.TB, agent string) []byte {
	t.Helper()
	src, err := NewDerivedKeySource(bytes.Repeat([]byte{7}, KeySize))
	if err != nil {
		t.Fatalf("NewDerivedKeySource: %v", err)
	}
	key, err := src.KeyFor(context.Background(), agent)
	if err != nil {
		t.Fatalf("KeyFor: %v", err)
	}
	return key
}

func TestRoundTrip(t *testing.T) {
	c := NewCodec()
	key := testKey(t, "agent-a")

	ct, nonce, err := c.Encrypt([]byte("hello"), key, []byte("m1"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(nonce) != NonceSize {
		t.Errorf("nonce length = %d, want %d", len(nonce), NonceSize)
	}
	if bytes.Contains(ct, []byte("hello")) {
		t.Error("ciphertext contains plaintext")
	}

	pt, err := c.Decrypt(ct, nonce, key, []byte("m1"))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "hello" {
		t.Errorf("Decrypt = %q, want hello", pt)
	}
}

func TestRoundTripProperty(t *testing.T) {
	c := NewCodec()
	rapid.Check(t, func(t *rapid.T) {
		plaintext := rapid.SliceOf(rapid.Byte()).Draw(t, "plaintext")
		key := rapid.SliceOfN(rapid.Byte(), KeySize, KeySize).Draw(t, "key")
		other := rapid.SliceOfN(rapid.Byte(), KeySize, KeySize).Draw(t, "other")

		ct, nonce, err := c.Encrypt(plaintext, key, nil)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		pt, err := c.Decrypt(ct, nonce, key, nil)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(pt, plaintext) {
			t.Fatalf("round trip = %x, want %x", pt, plaintext)
		}

		if !bytes.Equal(key, other) {
			if _, err := c.Decrypt(ct, nonce, other, nil); !errors.Is(err, ErrDecryption) {
				t.Fatalf("Decrypt with other key err = %v, want ErrDecryption", err)
			}
		}
	})
}

func TestFreshNoncePerCall(t *testing.T) {
	c := NewCodec()
	key := testKey(t, "agent-a")

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		_, nonce, err := c.Encrypt([]byte("same"), key, nil)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if seen[string(nonce)] {
			t.Fatalf("nonce reused after %d calls", i)
		}
		seen[string(nonce)] = true
	}
}

func TestDecryptFailures(t *testing.T) {
	c := NewCodec()
	key := testKey(t, "agent-a")
	ct, nonce, err := c.Encrypt([]byte("payload"), key, []byte("m1"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0xff
	otherNonce := append([]byte(nil), nonce...)
	otherNonce[0] ^= 0xff

	tests := []struct {
		name  string
		ct    []byte
		nonce []byte
		key   []byte
		ad    []byte
	}{
		{"wrong agent key", ct, nonce, testKey(t, "agent-b"), []byte("m1")},
		{"tampered ciphertext", tampered, nonce, key, []byte("m1")},
		{"wrong nonce", ct, otherNonce, key, []byte("m1")},
		{"short nonce", ct, nonce[:12], key, []byte("m1")},
		{"short key", ct, nonce, key[:16], []byte("m1")},
		{"other record id", ct, nonce, key, []byte("m2")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Decrypt(tt.ct, tt.nonce, tt.key, tt.ad); !errors.Is(err, ErrDecryption) {
				t.Errorf("Decrypt err = %v, want ErrDecryption", err)
			}
		})
	}
}

func TestEmptyPlaintext(t *testing.T) {
	c := NewCodec()
	key := testKey(t, "a")
	ct, nonce, err := c.Encrypt(nil, key, nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := c.Decrypt(ct, nonce, key, nil)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if pt == nil || len(pt) != 0 {
		t.Errorf("Decrypt = %v, want empty non-nil", pt)
	}
}

func TestDerivedKeysArePerAgent(t *testing.T) {
	a := testKey(t, "agent-a")
	again := testKey(t, "agent-a")
	b := testKey(t, "agent-b")

	if !bytes.Equal(a, again) {
		t.Error("same agent derived different keys")
	}
	if bytes.Equal(a, b) {
		t.Error("different agents derived the same key")
	}
}

func TestDerivedKeySourceRejectsShortMaster(t *testing.T) {
	if _, err := NewDerivedKeySource([]byte("short")); err == nil {
		t.Error("expected error for short master key")
	}
}

func TestParseMasterKey(t *testing.T) {
	raw := bytes.Repeat([]byte{1}, KeySize)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawURLEncoding} {
		got, err := ParseMasterKey(enc.EncodeToString(raw))
		if err != nil {
			t.Fatalf("ParseMasterKey: %v", err)
		}
		if !bytes.Equal(got, raw) {
			t.Errorf("ParseMasterKey = %x, want %x", got, raw)
		}
	}

	if _, err := ParseMasterKey("not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := ParseMasterKey(base64.StdEncoding.EncodeToString([]byte("tiny"))); err == nil {
		t.Error("expected error for short key")
	}
}

type countingSource struct {
	calls int
	next  KeySource
}

func (c *countingSource) KeyFor(ctx context.Context, agentID string) ([]byte, error) {
	c.calls++
	return c.next.KeyFor(ctx, agentID)
}

func TestCachedKeySource(t *testing.T) {
	derived, err := NewDerivedKeySource(bytes.Repeat([]byte{9}, KeySize))
	if err != nil {
		t.Fatalf("NewDerivedKeySource: %v", err)
	}
	counter := &countingSource{next: derived}
	cached, err := NewCachedKeySource(counter, 16)
	if err != nil {
		t.Fatalf("NewCachedKeySource: %v", err)
	}
	defer cached.Close()

	ctx := context.Background()
	first, err := cached.KeyFor(ctx, "agent-a")
	if err != nil {
		t.Fatalf("KeyFor: %v", err)
	}
	cached.cache.Wait()

	second, err := cached.KeyFor(ctx, "agent-a")
	if err != nil {
		t.Fatalf("KeyFor: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("cached key differs from derived key")
	}
	if counter.calls != 1 {
		t.Errorf("underlying calls = %d, want 1", counter.calls)
	}
}
