package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestCache_GetIsIdempotentWithoutConsume(t *testing.T) {
	clk := newFakeClock()
	c := New[string](Options{TTL: 10 * time.Second, Clock: clk})
	c.Put("fp", "hello", "m1", 0)

	for i := 0; i < 3; i++ {
		e, ok := c.Get("fp")
		if !ok {
			t.Fatalf("read %d: expected hit", i+1)
		}
		if e.Value != "hello" || e.Model != "m1" {
			t.Fatalf("unexpected entry: %+v", e)
		}
	}
	if c.Len() != 1 {
		t.Fatalf("expected entry to remain, len=%d", c.Len())
	}
	if got := c.Counters().Hits; got != 3 {
		t.Fatalf("hits = %d, want 3", got)
	}
}

func TestCache_ConsumeOnReadHitsOnce(t *testing.T) {
	clk := newFakeClock()
	c := New[string](Options{TTL: 10 * time.Second, ConsumeOnRead: true, Clock: clk})
	c.Put("fp", "hello", "m1", 0)

	if _, ok := c.Get("fp"); !ok {
		t.Fatal("first read should hit")
	}
	if _, ok := c.Get("fp"); ok {
		t.Fatal("second read should miss after consume")
	}
}

func TestCache_ConsumeOnReadConcurrentReaders(t *testing.T) {
	c := New[int](Options{TTL: time.Minute, ConsumeOnRead: true})
	c.Put("fp", 42, "m", 0)

	var hits atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.Get("fp"); ok {
				hits.Add(1)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.CleanExpired(time.Now())
	}()
	wg.Wait()

	if hits.Load() != 1 {
		t.Fatalf("expected exactly one hit, got %d", hits.Load())
	}
}

func TestCache_ExpiredIsMissUntilCleaned(t *testing.T) {
	clk := newFakeClock()
	c := New[string](Options{TTL: 10 * time.Second, Clock: clk})
	c.Put("fp", "v", "m1", 0)

	clk.Advance(10 * time.Second)
	if _, ok := c.Get("fp"); ok {
		t.Fatal("expected miss at expiry time")
	}
	if c.Len() != 1 {
		t.Fatal("Get must not remove expired entries")
	}

	if removed := c.CleanExpired(clk.Now()); removed != 1 {
		t.Fatalf("CleanExpired removed %d, want 1", removed)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, len=%d", c.Len())
	}
}

func TestCache_EvictsSoonestExpiry(t *testing.T) {
	clk := newFakeClock()
	c := New[string](Options{TTL: 10 * time.Second, MaxEntries: 2, Clock: clk})

	c.Put("A", "a", "m", 0)
	clk.Advance(time.Second)
	c.Put("B", "b", "m", 0)
	clk.Advance(time.Second)
	c.Put("C", "c", "m", 0)

	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if _, ok := c.Get("A"); ok {
		t.Fatal("A should have been evicted")
	}
	for _, fp := range []string{"B", "C"} {
		if _, ok := c.Get(fp); !ok {
			t.Fatalf("%s should still be cached", fp)
		}
	}
	if got := c.Counters().Evictions; got != 1 {
		t.Fatalf("evictions = %d, want 1", got)
	}
}

func TestCache_PrefersExpiredOverValidEviction(t *testing.T) {
	clk := newFakeClock()
	c := New[string](Options{TTL: time.Minute, MaxEntries: 2, Clock: clk})

	c.Put("long", "l", "m", 100*time.Second)
	c.Put("short", "s", "m", time.Second)
	clk.Advance(2 * time.Second)
	c.Put("new", "n", "m", 0)

	if _, ok := c.Get("long"); !ok {
		t.Fatal("valid entry evicted while an expired one was available")
	}
	if _, ok := c.Get("new"); !ok {
		t.Fatal("new entry missing")
	}
	if got := c.Counters().Evictions; got != 0 {
		t.Fatalf("evictions = %d, want 0", got)
	}
}

func TestCache_TieBreaksOnInsertionOrder(t *testing.T) {
	clk := newFakeClock()
	c := New[string](Options{TTL: 10 * time.Second, MaxEntries: 2, Clock: clk})

	// 同一时钟读数，A 和 B 过期时间相同
	c.Put("A", "a", "m", 0)
	c.Put("B", "b", "m", 0)
	c.Put("C", "c", "m", 0)

	if _, ok := c.Get("A"); ok {
		t.Fatal("A should lose the tie as the oldest insertion")
	}
	if _, ok := c.Get("B"); !ok {
		t.Fatal("B should survive")
	}
}

func TestCache_StaysWithinCapacity(t *testing.T) {
	clk := newFakeClock()
	c := New[int](Options{TTL: time.Minute, MaxEntries: 5, Clock: clk})
	for i := 0; i < 100; i++ {
		c.Put(fmt.Sprintf("fp-%d", i), i, "m", time.Duration(i%7+1)*time.Second)
		if c.Len() > 5 {
			t.Fatalf("after insert %d len=%d exceeds capacity", i, c.Len())
		}
		if i%10 == 0 {
			clk.Advance(3 * time.Second)
		}
	}
}

func TestCache_OverwriteDoesNotEvict(t *testing.T) {
	clk := newFakeClock()
	c := New[string](Options{TTL: 10 * time.Second, MaxEntries: 2, Clock: clk})
	c.Put("A", "a1", "m", 0)
	c.Put("B", "b", "m", 0)
	clk.Advance(5 * time.Second)
	c.Put("A", "a2", "m2", 0)

	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	e, ok := c.Get("A")
	if !ok || e.Value != "a2" || e.Model != "m2" {
		t.Fatalf("unexpected overwrite result: %+v ok=%v", e, ok)
	}
	if !e.ExpiresAt.Equal(clk.Now().Add(10 * time.Second)) {
		t.Fatalf("overwrite should extend expiry, got %v", e.ExpiresAt)
	}
}

func TestCache_Stats(t *testing.T) {
	clk := newFakeClock()
	c := New[string](Options{TTL: 10 * time.Second, Clock: clk})
	c.Put("a", "x", "m1", 0)
	c.Put("b", "x", "m1", 0)
	c.Put("c", "x", "m2", 0)
	c.Put("d", "x", "m2", time.Second)
	clk.Advance(2 * time.Second)

	st := c.Stats(clk.Now())
	if st.Total != 4 || st.Valid != 3 || st.Expired != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.ByModel["m1"] != 2 || st.ByModel["m2"] != 1 {
		t.Fatalf("unexpected per-model stats: %v", st.ByModel)
	}
	if c.Len() != 4 {
		t.Fatal("Stats must not mutate the cache")
	}
}

func TestFingerprint(t *testing.T) {
	body := map[string]any{"messages": []string{"hi"}, "temperature": 0.2}
	a, err := Fingerprint("m1", body)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Fingerprint("m1", body)
	if a != b {
		t.Fatal("fingerprint must be deterministic")
	}
	c, _ := Fingerprint("m2", body)
	if a == c {
		t.Fatal("fingerprint must depend on the model")
	}
	if _, err := Fingerprint("m1", func() {}); err == nil {
		t.Fatal("expected error for unencodable payload")
	}
}
