package store

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func insert(t *testing.T, db *DB, m *Memory) {
	t.Helper()
	err := db.InTx(context.Background(), func(tx *Tx) error {
		return tx.InsertMemory(m)
	})
	if err != nil {
		t.Fatalf("InsertMemory: %v", err)
	}
}

func TestInsertAndGetMemory(t *testing.T) {
	db := testDB(t)
	expires := int64(5000)
	insert(t, db, &Memory{
		ID: "m1", AgentID: "agent-a",
		Ciphertext: []byte("sealed"), Nonce: []byte("nonce"),
		SizeBytes: 5, Tags: []string{"x", "y"},
		Embedding: []float32{0.5, -1},
		CreatedAt: 1000, ExpiresAt: &expires,
	})

	var got *Memory
	err := db.InTx(context.Background(), func(tx *Tx) error {
		var err error
		got, err = tx.GetMemory("m1")
		return err
	})
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got == nil {
		t.Fatal("GetMemory returned nil")
	}
	if got.AgentID != "agent-a" {
		t.Errorf("AgentID = %q, want agent-a", got.AgentID)
	}
	if !bytes.Equal(got.Ciphertext, []byte("sealed")) || !bytes.Equal(got.Nonce, []byte("nonce")) {
		t.Errorf("ciphertext/nonce not round-tripped: %q %q", got.Ciphertext, got.Nonce)
	}
	if got.ExpiresAt == nil || *got.ExpiresAt != 5000 {
		t.Errorf("ExpiresAt = %v, want 5000", got.ExpiresAt)
	}
}

func TestGetMemoryMissing(t *testing.T) {
	db := testDB(t)

	err := db.InTx(context.Background(), func(tx *Tx) error {
		m, err := tx.GetMemory("nope")
		if m != nil {
			t.Errorf("GetMemory = %+v, want nil", m)
		}
		return err
	})
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
}

func TestDeleteMemoryCascades(t *testing.T) {
	db := testDB(t)
	insert(t, db, &Memory{
		ID: "m1", AgentID: "a", Ciphertext: []byte{1}, Nonce: []byte{2},
		Tags: []string{"t"}, Embedding: []float32{1, 0}, CreatedAt: 1,
	})

	err := db.InTx(context.Background(), func(tx *Tx) error {
		ok, err := tx.DeleteMemory("m1")
		if !ok {
			t.Error("DeleteMemory = false, want true")
		}
		return err
	})
	if err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}

	for _, table := range []string{"memory_tags", "memory_vectors"} {
		var n int
		db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n)
		if n != 0 {
			t.Errorf("%s rows = %d after delete, want 0", table, n)
		}
	}

	err = db.InTx(context.Background(), func(tx *Tx) error {
		ok, err := tx.DeleteMemory("m1")
		if ok {
			t.Error("second DeleteMemory = true, want false")
		}
		return err
	})
	if err != nil {
		t.Fatalf("second DeleteMemory: %v", err)
	}
}

func TestTouchMemory(t *testing.T) {
	db := testDB(t)
	insert(t, db, &Memory{ID: "m1", AgentID: "a", Ciphertext: []byte{1}, Nonce: []byte{2}, CreatedAt: 1})

	at := time.UnixMilli(42_000)
	err := db.InTx(context.Background(), func(tx *Tx) error {
		if err := tx.TouchMemory("m1", at); err != nil {
			return err
		}
		m, err := tx.GetMemory("m1")
		if err != nil {
			return err
		}
		if m.AccessCount != 1 {
			t.Errorf("AccessCount = %d, want 1", m.AccessCount)
		}
		if m.LastAccess == nil || *m.LastAccess != 42_000 {
			t.Errorf("LastAccess = %v, want 42000", m.LastAccess)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("TouchMemory: %v", err)
	}
}

func TestScanMemories(t *testing.T) {
	db := testDB(t)
	insert(t, db, &Memory{ID: "m1", AgentID: "a", Ciphertext: []byte{1}, Nonce: []byte{2},
		Tags: []string{"b", "a"}, Embedding: []float32{1, 2, 3}, CreatedAt: 1})
	insert(t, db, &Memory{ID: "m2", AgentID: "b", Ciphertext: []byte{1}, Nonce: []byte{2}, CreatedAt: 2})

	var seen []*Memory
	err := db.ScanMemories(context.Background(), func(m *Memory) error {
		if m.Ciphertext != nil {
			t.Errorf("ScanMemories loaded ciphertext for %s", m.ID)
		}
		seen = append(seen, m)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanMemories: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("scanned %d memories, want 2", len(seen))
	}
	if seen[0].ID != "m1" || len(seen[0].Tags) != 2 || len(seen[0].Embedding) != 3 {
		t.Errorf("first = %+v, want m1 with 2 tags and 3 dims", seen[0])
	}
	if seen[1].Embedding != nil {
		t.Errorf("m2 embedding = %v, want nil", seen[1].Embedding)
	}
}

func TestAgentDimensions(t *testing.T) {
	db := testDB(t)
	insert(t, db, &Memory{ID: "m1", AgentID: "a", Ciphertext: []byte{1}, Nonce: []byte{2},
		Embedding: []float32{1, 2, 3}, CreatedAt: 1})
	insert(t, db, &Memory{ID: "m2", AgentID: "b", Ciphertext: []byte{1}, Nonce: []byte{2}, CreatedAt: 2})

	err := db.InTx(context.Background(), func(tx *Tx) error {
		for agent, want := range map[string]int{"a": 3, "b": 0, "nobody": 0} {
			d, err := tx.AgentDimensions(agent)
			if err != nil {
				return err
			}
			if d != want {
				t.Errorf("AgentDimensions(%q) = %d, want %d", agent, d, want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("AgentDimensions: %v", err)
	}
}
