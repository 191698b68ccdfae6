// Package cache stores expensive pipeline stage outputs under hashed
// keys. Entries go to Redis when a backend is configured and fall back
// to an in-process map otherwise, so a missing Redis never disables the
// pipeline.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"forgeflow/internal/metrics"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Backend is the remote half of the cache. Nil means memory only.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// Config holds cache tuning knobs.
type Config struct {
	// Name labels this cache in metrics (for example "analysis").
	Name string

	// DefaultTTL applies when Set is called with a zero TTL.
	DefaultTTL time.Duration

	// MaxMemoryItems bounds the in-process fallback map.
	MaxMemoryItems int
}

// DefaultConfig returns the tuning used for the analyze-response cache.
func DefaultConfig(name string) Config {
	return Config{
		Name:           name,
		DefaultTTL:     15 * time.Minute,
		MaxMemoryItems: 1000,
	}
}

type entry struct {
	value     string
	expiresAt time.Time
}

// Cache is a TTL cache with an optional Redis backend and an in-memory
// fallback. Safe for concurrent use.
type Cache struct {
	cfg     Config
	backend Backend

	mu      sync.RWMutex
	entries map[string]entry
	hits    int64
	misses  int64

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache. backend may be nil for memory-only operation.
func New(cfg Config, backend Backend) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 15 * time.Minute
	}
	if cfg.MaxMemoryItems <= 0 {
		cfg.MaxMemoryItems = 1000
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	c := &Cache{
		cfg:     cfg,
		backend: backend,
		entries: make(map[string]entry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get returns the cached value for key, or ErrMiss.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	if c.backend != nil {
		val, err := c.backend.Get(ctx, key)
		if err == nil {
			c.recordHit()
			return val, nil
		}
		// Backend miss or transport error: the memory map may still
		// hold the entry from a Set that could not reach Redis.
	}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().After(e.expiresAt) {
		if ok {
			c.mu.Lock()
			delete(c.entries, key)
			c.mu.Unlock()
		}
		c.recordMiss()
		return "", ErrMiss
	}

	c.recordHit()
	return e.value, nil
}

// Set stores value under key. A zero ttl uses the configured default.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	if c.backend != nil {
		if err := c.backend.Set(ctx, key, value, ttl); err == nil {
			return nil
		}
		// Fall through to the memory map when Redis is unreachable.
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.cfg.MaxMemoryItems {
		c.evictLocked()
	}
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}

// Delete removes key from both the backend and the memory map.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if c.backend != nil {
		c.backend.Del(ctx, key)
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// GetJSON unmarshals the cached value for key into dest.
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dest)
}

// SetJSON marshals value and stores it under key.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, string(data), ttl)
}

// GetOrSet returns the cached value for key, calling loader and caching
// its result on a miss. Loader errors are not cached.
func (c *Cache) GetOrSet(ctx context.Context, key string, ttl time.Duration, loader func(context.Context) (string, error)) (string, error) {
	if val, err := c.Get(ctx, key); err == nil {
		return val, nil
	}

	val, err := loader(ctx)
	if err != nil {
		return "", err
	}
	c.Set(ctx, key, val, ttl)
	return val, nil
}

// Stats reports hit/miss counters and the memory map size.
type Stats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRatio   float64 `json:"hit_ratio"`
	MemorySize int     `json:"memory_size"`
	Backend    bool    `json:"backend_connected"`
}

// Stats returns a point-in-time snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	ratio := float64(0)
	if total > 0 {
		ratio = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		HitRatio:   ratio,
		MemorySize: len(c.entries),
		Backend:    c.backend != nil,
	}
}

// Close stops the cleanup loop and releases the backend connection.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.backend != nil {
		return c.backend.Close()
	}
	return nil
}

func (c *Cache) recordHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	metrics.Get().RecordCacheOperation(c.cfg.Name, true)
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	metrics.Get().RecordCacheOperation(c.cfg.Name, false)
}

// evictLocked frees roughly 10% of capacity, expired entries first.
func (c *Cache) evictLocked() {
	toEvict := c.cfg.MaxMemoryItems / 10
	if toEvict < 1 {
		toEvict = 1
	}

	now := c.now()
	evicted := 0
	for key, e := range c.entries {
		if evicted >= toEvict {
			return
		}
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			evicted++
		}
	}
	for key := range c.entries {
		if evicted >= toEvict {
			return
		}
		delete(c.entries, key)
		evicted++
	}
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			for key, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// StageKey derives a stable cache key from a stage name, the model, and
// the exact inputs that shape the stage output. Changing any part
// produces a different key.
func StageKey(stage, model string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write([]byte(model))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return stage + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}
