// Package cache provides the in-memory TTL cache that serves recently fetched data.
//
// Every entry carries its own time-to-live. An entry is valid while
// now-StoredAt < TTL; expired entries are never returned and are removed lazily
// on access or by the periodic sweep started with Start.
//
// All operations are total: no method fails, whatever the key.
package cache

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/tether/internal/clock"
)

// Entry is a single cached value.
type Entry struct {
	Key      string
	Value    any
	StoredAt time.Time
	TTL      time.Duration
}

// Valid reports whether the entry is still fresh at now.
func (e *Entry) Valid(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Stats is a diagnostic snapshot of the cache.
type Stats struct {
	Entries     int
	Oldest      time.Time
	Newest      time.Time
	Hits        uint64
	Misses      uint64
	Expirations uint64
}

// Config holds configuration for the cache.
type Config struct {
	// SweepInterval is how often expired entries are purged
	SweepInterval time.Duration

	// Clock drives expiry checks and the sweep timer
	Clock clock.Clock

	// Logger for cache activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SweepInterval: time.Minute,
		Clock:         clock.Real(),
		Logger:        log.New(os.Stderr, "[cache] ", log.LstdFlags),
	}
}

// Cache is a goroutine-safe TTL cache.
type Cache struct {
	config *Config

	mu      sync.RWMutex
	entries map[string]*Entry

	// gens records, per key, the sequence number of the last Set or Delete.
	// cleared is the sequence number of the last Clear.
	seq     uint64
	gens    map[string]uint64
	cleared uint64

	hits, misses, expirations uint64

	sf        singleflight.Group
	stopSweep func()
}

// New creates a cache. A nil config uses DefaultConfig.
func New(config *Config) *Cache {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Cache{
		config:  config,
		entries: make(map[string]*Entry),
		gens:    make(map[string]uint64),
	}
}

// Start arms the periodic sweep. Calling Start twice is a no-op.
func (c *Cache) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopSweep != nil {
		return
	}
	c.stopSweep = clock.Every(c.config.Clock, c.config.SweepInterval, func() {
		if n := c.Sweep(); n > 0 {
			c.config.Logger.Printf("Swept %d expired entries", n)
		}
	})
}

// Stop cancels the periodic sweep. Entries are kept.
func (c *Cache) Stop() {
	c.mu.Lock()
	stop := c.stopSweep
	c.stopSweep = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Set stores value under key for ttl, replacing any existing entry.
// A non-positive ttl stores nothing and drops the existing entry.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bumpLocked(key)
	c.storeLocked(key, value, ttl)
}

func (c *Cache) storeLocked(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		delete(c.entries, key)
		return
	}
	c.entries[key] = &Entry{
		Key:      key,
		Value:    value,
		StoredAt: c.config.Clock.Now(),
		TTL:      ttl,
	}
}

// Get returns the value for key if present and unexpired.
// An expired entry is removed and reported absent.
func (c *Cache) Get(key string) (any, bool) {
	now := c.config.Clock.Now()

	c.mu.RLock()
	ent, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && ent.Valid(now) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return ent.Value, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.misses++
	if ok {
		// Re-check: the entry may have been replaced since the read lock was released.
		if cur, still := c.entries[key]; still && cur == ent {
			delete(c.entries, key)
			c.expirations++
		}
	}
	return nil, false
}

// GetOrLoad returns the cached value for key, or calls load on a miss and
// caches its result for ttl. Concurrent misses for the same key share a single
// load call. Errors from load are returned and nothing is cached.
//
// If key is set, deleted or cleared while load runs, the loaded value is
// returned to the callers but not cached: it may predate the invalidation.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		c.mu.RLock()
		gen, cleared := c.gens[key], c.cleared
		c.mu.RUnlock()

		v, err := load(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gens[key] != gen || c.cleared != cleared {
			c.config.Logger.Printf("Not caching %s: invalidated during load", key)
			return v, nil
		}
		c.storeLocked(key, v, ttl)
		return v, nil
	})
	return v, err
}

// Delete removes key. Missing keys are ignored.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bumpLocked(key)
	delete(c.entries, key)
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.cleared = c.seq
	c.entries = make(map[string]*Entry)
	c.gens = make(map[string]uint64)
}

func (c *Cache) bumpLocked(key string) {
	c.seq++
	c.gens[key] = c.seq
}

// Sweep removes all expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.config.Clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, ent := range c.entries {
		if !ent.Valid(now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.expirations += uint64(removed)
	return removed
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a diagnostic snapshot.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Entries:     len(c.entries),
		Hits:        c.hits,
		Misses:      c.misses,
		Expirations: c.expirations,
	}
	for _, ent := range c.entries {
		if s.Oldest.IsZero() || ent.StoredAt.Before(s.Oldest) {
			s.Oldest = ent.StoredAt
		}
		if ent.StoredAt.After(s.Newest) {
			s.Newest = ent.StoredAt
		}
	}
	return s
}
