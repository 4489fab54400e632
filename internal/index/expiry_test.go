package index

import (
	"sync"
	"testing"
	"time"
)

func TestExpiryPopsInOrderInclusive(t *testing.T) {
	e := NewExpiry()
	base := time.UnixMilli(1_000_000)
	e.Push("late", base.Add(3*time.Second))
	e.Push("b", base.Add(time.Second))
	e.Push("a", base.Add(time.Second))
	e.Push("now", base)

	got := e.PopExpiredBefore(base.Add(time.Second))
	want := []string{"now", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("PopExpiredBefore = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("PopExpiredBefore = %v, want %v", got, want)
		}
	}

	if again := e.PopExpiredBefore(base.Add(time.Second)); len(again) != 0 {
		t.Errorf("second pop = %v, want none", again)
	}
	if e.Len() != 1 {
		t.Errorf("Len = %d, want 1", e.Len())
	}
	next, ok := e.Next()
	if !ok || !next.Equal(base.Add(3*time.Second)) {
		t.Errorf("Next = %v, %v; want %v", next, ok, base.Add(3*time.Second))
	}
}

func TestExpiryRescheduleAndRemove(t *testing.T) {
	e := NewExpiry()
	base := time.UnixMilli(0)
	e.Push("m1", base.Add(time.Second))
	e.Push("m1", base.Add(time.Hour))

	if got := e.PopExpiredBefore(base.Add(time.Minute)); len(got) != 0 {
		t.Errorf("rescheduled id popped early: %v", got)
	}

	e.Remove("m1")
	e.Remove("m1")
	if e.Len() != 0 {
		t.Errorf("Len = %d after remove, want 0", e.Len())
	}
	if _, ok := e.Next(); ok {
		t.Error("Next reported an entry on an empty queue")
	}
}

func TestExpiryConcurrentPopNoDoubleReturn(t *testing.T) {
	e := NewExpiry()
	base := time.UnixMilli(0)
	const n = 1000
	for i := 0; i < n; i++ {
		e.Push(string(rune('a'+i%26))+time.Duration(i).String(), base.Add(time.Duration(i)*time.Millisecond))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for step := 0; step <= n; step += 50 {
				for _, id := range e.PopExpiredBefore(base.Add(time.Duration(step+w) * time.Millisecond)) {
					mu.Lock()
					seen[id]++
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()

	for _, id := range e.PopExpiredBefore(base.Add(time.Hour)) {
		seen[id]++
	}
	if len(seen) != n {
		t.Fatalf("popped %d distinct ids, want %d", len(seen), n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Errorf("id %s popped %d times", id, c)
		}
	}
}
