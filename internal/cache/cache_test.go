package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steveyegge/tether/internal/clock"
)

func newTestCache(t *testing.T) (*Cache, *clock.Fake) {
	t.Helper()

	fc := clock.NewFake(time.Unix(1700000000, 0))
	c := New(&Config{
		SweepInterval: time.Minute,
		Clock:         fc,
		Logger:        log.New(io.Discard, "", 0),
	})
	return c, fc
}

func TestCache_StoryScenario(t *testing.T) {
	c, fc := newTestCache(t)

	c.Set("story:42", map[string]int{"views": 3}, 30*time.Second)

	v, ok := c.Get("story:42")
	if !ok {
		t.Fatal("Get() immediately after Set() = absent")
	}
	if got := v.(map[string]int)["views"]; got != 3 {
		t.Errorf("views = %d, want 3", got)
	}

	fc.Advance(31 * time.Second)
	if _, ok := c.Get("story:42"); ok {
		t.Error("Get() after 31s = present, want absent")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want expired entry removed lazily", c.Len())
	}
}

func TestCache_ExpiresExactlyAtTTL(t *testing.T) {
	c, fc := newTestCache(t)

	c.Set("k", "v", 10*time.Second)

	fc.Advance(10*time.Second - time.Nanosecond)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired before TTL")
	}

	fc.Advance(time.Nanosecond)
	if _, ok := c.Get("k"); ok {
		t.Error("entry still valid at now == storedAt+ttl")
	}
}

func TestCache_SetOverwrites(t *testing.T) {
	c, fc := newTestCache(t)

	c.Set("k", "old", 5*time.Second)
	fc.Advance(4 * time.Second)
	c.Set("k", "new", 5*time.Second)
	fc.Advance(4 * time.Second)

	v, ok := c.Get("k")
	if !ok || v != "new" {
		t.Errorf("Get() = %v, %v; want new, true", v, ok)
	}
}

func TestCache_NonPositiveTTL(t *testing.T) {
	c, _ := newTestCache(t)

	c.Set("k", "v", time.Minute)
	c.Set("k", "v2", 0)

	if _, ok := c.Get("k"); ok {
		t.Error("zero TTL should leave key absent")
	}
}

func TestCache_DeleteAndClear(t *testing.T) {
	c, _ := newTestCache(t)

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	c.Delete("a")
	c.Delete("missing")

	if _, ok := c.Get("a"); ok {
		t.Error("deleted key still present")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("unrelated key removed by Delete")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d", c.Len())
	}
}

func TestCache_PeriodicSweep(t *testing.T) {
	c, fc := newTestCache(t)
	c.Start()
	defer c.Stop()

	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("short:%d", i), i, 10*time.Second)
	}
	c.Set("long", "kept", time.Hour)

	fc.Advance(time.Minute)

	if got := c.Len(); got != 1 {
		t.Errorf("Len() after sweep = %d, want 1", got)
	}
	if got := c.Stats().Expirations; got != 10 {
		t.Errorf("Expirations = %d, want 10", got)
	}
}

func TestCache_Stats(t *testing.T) {
	c, fc := newTestCache(t)

	first := fc.Now()
	c.Set("a", 1, time.Hour)
	fc.Advance(time.Second)
	c.Set("b", 2, time.Hour)
	last := fc.Now()

	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	if s.Entries != 2 {
		t.Errorf("Entries = %d, want 2", s.Entries)
	}
	if !s.Oldest.Equal(first) || !s.Newest.Equal(last) {
		t.Errorf("Oldest/Newest = %v/%v, want %v/%v", s.Oldest, s.Newest, first, last)
	}
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("Hits/Misses = %d/%d, want 1/1", s.Hits, s.Misses)
	}
}

func TestCache_GetOrLoad(t *testing.T) {
	c, _ := newTestCache(t)

	var calls int32
	release := make(chan struct{})
	load := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "loaded", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "feed:home", time.Minute, load)
			if err != nil {
				t.Errorf("GetOrLoad() error = %v", err)
			}
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n < 1 || n > int32(len(results)) {
		t.Fatalf("loader calls = %d", n)
	}
	for i, v := range results {
		if v != "loaded" {
			t.Errorf("results[%d] = %v", i, v)
		}
	}

	if _, ok := c.Get("feed:home"); !ok {
		t.Error("loaded value not cached")
	}
}

func TestCache_GetOrLoadError(t *testing.T) {
	c, _ := newTestCache(t)

	wantErr := errors.New("boom")
	_, err := c.GetOrLoad(context.Background(), "k", time.Minute, func(context.Context) (any, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("GetOrLoad() error = %v, want %v", err, wantErr)
	}
	if _, ok := c.Get("k"); ok {
		t.Error("failed load should not populate the cache")
	}
}

func TestCache_GetOrLoadInvalidatedDuringLoad(t *testing.T) {
	tests := []struct {
		name       string
		invalidate func(c *Cache)
		want       any
		cached     bool
	}{
		{"delete", func(c *Cache) { c.Delete("story:42") }, nil, false},
		{"clear", func(c *Cache) { c.Clear() }, nil, false},
		{"set", func(c *Cache) { c.Set("story:42", "fresh", time.Minute) }, "fresh", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCache(t)

			v, err := c.GetOrLoad(context.Background(), "story:42", time.Minute, func(context.Context) (any, error) {
				tt.invalidate(c)
				return "stale", nil
			})
			if err != nil {
				t.Fatalf("GetOrLoad() error = %v", err)
			}
			if v != "stale" {
				t.Errorf("GetOrLoad() = %v, want the loaded value", v)
			}

			got, ok := c.Get("story:42")
			if ok != tt.cached || got != tt.want {
				t.Errorf("Get() after invalidation = %v, %v; want %v, %v", got, ok, tt.want, tt.cached)
			}
		})
	}
}

func TestCache_GetOrLoadAfterEarlierDelete(t *testing.T) {
	c, _ := newTestCache(t)
	c.Set("story:42", "old", time.Minute)
	c.Delete("story:42")

	if _, err := c.GetOrLoad(context.Background(), "story:42", time.Minute, func(context.Context) (any, error) {
		return "new", nil
	}); err != nil {
		t.Fatal(err)
	}
	if v, ok := c.Get("story:42"); !ok || v != "new" {
		t.Errorf("Get() = %v, %v; an invalidation before the load must not block caching", v, ok)
	}
}
