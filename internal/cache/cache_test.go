package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestCache(cfg Config, backend Backend) (*Cache, *time.Time) {
	c := New(cfg, backend)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := start
	c.now = func() time.Time { return now }
	return c, &now
}

// fakeBackend is an in-memory Backend for tests. TTLs are ignored; the
// tests that need expiry use the memory tier's injected clock instead.
type fakeBackend struct {
	mu     sync.Mutex
	data   map[string]string
	broken bool
	closed bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: make(map[string]string)}
}

func (b *fakeBackend) Get(ctx context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken {
		return "", errors.New("connection refused")
	}
	val, ok := b.data[key]
	if !ok {
		return "", ErrMiss
	}
	return val, nil
}

func (b *fakeBackend) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken {
		return errors.New("connection refused")
	}
	b.data[key] = value
	return nil
}

func (b *fakeBackend) Del(ctx context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.data, k)
	}
	return nil
}

func (b *fakeBackend) Ping(ctx context.Context) error { return nil }

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// ---- memory tier ----

func TestSetGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(DefaultConfig("test"), nil)
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, err := c.Get(ctx, "k")
	if err != nil || val != "v" {
		t.Fatalf("get = %q, %v", val, err)
	}
}

func TestMissReturnsErrMiss(t *testing.T) {
	c, _ := newTestCache(DefaultConfig("test"), nil)
	defer c.Close()

	if _, err := c.Get(context.Background(), "absent"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestEntriesExpire(t *testing.T) {
	c, now := newTestCache(DefaultConfig("test"), nil)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k", "v", time.Minute)
	*now = now.Add(59 * time.Second)
	if _, err := c.Get(ctx, "k"); err != nil {
		t.Fatalf("entry expired early: %v", err)
	}

	*now = now.Add(2 * time.Second)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if size := c.Stats().MemorySize; size != 0 {
		t.Fatalf("expired entry not dropped, size = %d", size)
	}
}

func TestZeroTTLUsesDefault(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.DefaultTTL = 10 * time.Second
	c, now := newTestCache(cfg, nil)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k", "v", 0)
	*now = now.Add(9 * time.Second)
	if _, err := c.Get(ctx, "k"); err != nil {
		t.Fatalf("default TTL too short: %v", err)
	}
	*now = now.Add(2 * time.Second)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("default TTL not applied")
	}
}

func TestCapacityEviction(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.MaxMemoryItems = 2
	c, _ := newTestCache(cfg, nil)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "a", "1", time.Minute)
	c.Set(ctx, "b", "2", time.Minute)
	c.Set(ctx, "c", "3", time.Minute)

	if size := c.Stats().MemorySize; size > 2 {
		t.Fatalf("capacity exceeded, size = %d", size)
	}
	if val, err := c.Get(ctx, "c"); err != nil || val != "3" {
		t.Fatalf("newest entry missing: %q, %v", val, err)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	c, _ := newTestCache(DefaultConfig("test"), nil)
	defer c.Close()
	ctx := context.Background()

	type analysis struct {
		Plan  string `json:"plan"`
		Score int    `json:"score"`
	}
	in := analysis{Plan: "split the handler", Score: 85}
	if err := c.SetJSON(ctx, "k", in, time.Minute); err != nil {
		t.Fatalf("set json: %v", err)
	}

	var out analysis
	if err := c.GetJSON(ctx, "k", &out); err != nil {
		t.Fatalf("get json: %v", err)
	}
	if out != in {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestGetOrSetLoadsOnce(t *testing.T) {
	c, _ := newTestCache(DefaultConfig("test"), nil)
	defer c.Close()
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (string, error) {
		calls++
		return "loaded", nil
	}

	for i := 0; i < 3; i++ {
		val, err := c.GetOrSet(ctx, "k", time.Minute, loader)
		if err != nil || val != "loaded" {
			t.Fatalf("get or set = %q, %v", val, err)
		}
	}
	if calls != 1 {
		t.Fatalf("loader called %d times, want 1", calls)
	}
}

func TestGetOrSetDoesNotCacheErrors(t *testing.T) {
	c, _ := newTestCache(DefaultConfig("test"), nil)
	defer c.Close()
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("upstream down")
		}
		return "ok", nil
	}

	if _, err := c.GetOrSet(ctx, "k", time.Minute, loader); err == nil {
		t.Fatalf("expected loader error")
	}
	val, err := c.GetOrSet(ctx, "k", time.Minute, loader)
	if err != nil || val != "ok" {
		t.Fatalf("retry = %q, %v", val, err)
	}
	if calls != 2 {
		t.Fatalf("loader called %d times, want 2", calls)
	}
}

// ---- backend tier ----

func TestBackendServesGets(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestCache(DefaultConfig("test"), backend)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k", "v", time.Minute)
	if c.Stats().MemorySize != 0 {
		t.Fatalf("healthy backend should absorb writes")
	}
	val, err := c.Get(ctx, "k")
	if err != nil || val != "v" {
		t.Fatalf("get = %q, %v", val, err)
	}
}

func TestBrokenBackendFallsBackToMemory(t *testing.T) {
	backend := newFakeBackend()
	backend.broken = true
	c, _ := newTestCache(DefaultConfig("test"), backend)
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set should fall back, got %v", err)
	}
	val, err := c.Get(ctx, "k")
	if err != nil || val != "v" {
		t.Fatalf("memory fallback = %q, %v", val, err)
	}
}

func TestDeleteRemovesBothTiers(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestCache(DefaultConfig("test"), backend)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k", "v", time.Minute)
	backend.broken = true
	c.Set(ctx, "k", "v", time.Minute) // lands in memory too
	backend.broken = false

	c.Delete(ctx, "k")
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("delete left a copy behind: %v", err)
	}
}

func TestCloseReleasesBackend(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestCache(DefaultConfig("test"), backend)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !backend.closed {
		t.Fatalf("backend not closed")
	}
}

// ---- keys ----

func TestStageKeyDeterministic(t *testing.T) {
	a := StageKey("analysis", "gemini-2.0-flash-exp", "prompt", "context")
	b := StageKey("analysis", "gemini-2.0-flash-exp", "prompt", "context")
	if a != b {
		t.Fatalf("same inputs produced %q and %q", a, b)
	}
	if !strings.HasPrefix(a, "analysis:") {
		t.Fatalf("key = %q, want analysis: prefix", a)
	}
}

func TestStageKeySensitiveToEveryPart(t *testing.T) {
	base := StageKey("analysis", "model-a", "prompt", "context")
	variants := []string{
		StageKey("validate", "model-a", "prompt", "context"),
		StageKey("analysis", "model-b", "prompt", "context"),
		StageKey("analysis", "model-a", "prompt2", "context"),
		StageKey("analysis", "model-a", "prompt", "context2"),
		StageKey("analysis", "model-a", "promptcon", "text"),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d collided with base key", i)
		}
	}
}
