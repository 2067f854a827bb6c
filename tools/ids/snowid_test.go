package ids

import (
	"sync"
	"testing"
	"time"
)

func TestGenerateUniqueAndIncreasing(t *testing.T) {
	const n = 5000
	seen := make(map[int64]struct{}, n)
	var last int64
	for i := 0; i < n; i++ {
		id := Generate()
		if id <= last {
			t.Fatalf("id not increasing: %d after %d", id, last)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
		last = id
	}
}

func TestGenerateConcurrent(t *testing.T) {
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		seen = make(map[int64]struct{})
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				id := Generate()
				mu.Lock()
				if _, dup := seen[id]; dup {
					mu.Unlock()
					t.Errorf("duplicate id %d", id)
					return
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestSetNodeID(t *testing.T) {
	SetNodeID(42)
	defer SetNodeID(1)
	if got := NodeOf(Generate()); got != 42 {
		t.Fatalf("node bits = %d, want 42", got)
	}
	SetNodeID(5000)
	if got := NodeOf(Generate()); got != 1 {
		t.Fatalf("out-of-range node should fall back to 1, got %d", got)
	}
}

func TestGeneratorClockRollback(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	g := NewGenerator(3, func() time.Time { return now })
	a := g.Next()
	now = now.Add(-time.Second)
	b := g.Next()
	if b <= a {
		t.Fatalf("id went backwards after clock rollback: %d then %d", a, b)
	}
	if NodeOf(b) != 3 {
		t.Fatalf("node bits = %d", NodeOf(b))
	}
}

func TestGeneratorSequenceOverflow(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	g := NewGenerator(0, func() time.Time { return now })
	last := g.Next()
	for i := 0; i < 3*4096; i++ {
		id := g.Next()
		if id <= last {
			t.Fatalf("id %d not above %d at step %d", id, last, i)
		}
		last = id
	}
}
