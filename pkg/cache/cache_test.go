package cache

import (
	"testing"
	"time"
)

func TestInMemoryCache_ExpiresByClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewInMemoryCache[string, int](time.Minute).WithClock(func() time.Time { return now })

	c.Set("a", 1, 0)
	c.Set("b", 2, 10*time.Second)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a)=%v,%v", v, ok)
	}

	now = now.Add(10 * time.Second)
	if _, ok := c.Get("b"); ok {
		t.Fatalf("b should expire exactly at ttl")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("a should still be cached")
	}

	// Set 时回收所有过期项
	now = now.Add(time.Minute)
	c.Set("c", 3, 0)
	if len(c.items) != 1 {
		t.Fatalf("len(items)=%d after set", len(c.items))
	}
}

func TestInMemoryCache_DeleteAndDefaultTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewInMemoryCache[int, string](time.Hour).WithClock(func() time.Time { return now })
	c.Set(1, "x", 0)
	c.Delete(1)
	if _, ok := c.Get(1); ok {
		t.Fatalf("expected deleted")
	}

	c.SetDefaultTTL(time.Second)
	c.Set(2, "y", 0)
	now = now.Add(time.Second)
	if _, ok := c.Get(2); ok {
		t.Fatalf("expected expiry with new default ttl")
	}
}
