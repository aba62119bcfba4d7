package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, "score:evt-1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "score:evt-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = cache.Set(ctx, "k", []byte("old"), time.Minute)
		_ = cache.Set(ctx, "k", []byte("new"), time.Minute)

		val, _ := cache.Get(ctx, "k")
		if string(val) != "new" {
			t.Errorf("expected 'new', got '%s'", string(val))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		c := NewLRUCache(10)
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		c.now = func() time.Time { return now }

		_ = c.Set(ctx, "expiring", []byte("temp"), 10*time.Second)
		if val, _ := c.Get(ctx, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}

		now = now.Add(11 * time.Second)
		if val, _ := c.Get(ctx, "expiring"); val != nil {
			t.Error("expected nil after expiration")
		}
		if size, _ := c.Stats(); size != 0 {
			t.Errorf("expected expired entry to be dropped, size %d", size)
		}
	})

	t.Run("ZeroTTLNeverExpires", func(t *testing.T) {
		c := NewLRUCache(10)
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		c.now = func() time.Time { return now }

		_ = c.Set(ctx, "profile:acct-1", []byte("snapshot"), 0)
		now = now.Add(365 * 24 * time.Hour)

		if val, _ := c.Get(ctx, "profile:acct-1"); val == nil {
			t.Error("expected entry without ttl to survive")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// 'b' is now the least recently used
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		if val, _ := smallCache.Get(ctx, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := smallCache.Get(ctx, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("DefaultCapacity", func(t *testing.T) {
		_, capacity := NewLRUCache(0).Stats()
		if capacity != 10000 {
			t.Errorf("expected default capacity 10000, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, "k", []byte("v"), time.Minute)

		if err := testCache.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if val, _ := testCache.Get(ctx, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

// failingCache is an L2 that is down.
type failingCache struct{}

var errDown = errors.New("connection refused")

func (failingCache) Get(context.Context, string) ([]byte, error) { return nil, errDown }
func (failingCache) Set(context.Context, string, []byte, time.Duration) error { return errDown }
func (failingCache) Delete(context.Context, string) error { return errDown }
func (failingCache) Ping(context.Context) error { return errDown }
func (failingCache) Close() error { return nil }

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()

	t.Run("ReadThroughPopulatesL1", func(t *testing.T) {
		local, remote := NewLRUCache(10), NewLRUCache(10)
		c := NewTwoPhaseCache(local, remote, time.Minute)

		_ = remote.Set(ctx, "score:evt-1", []byte("result"), time.Hour)

		val, err := c.Get(ctx, "score:evt-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "result" {
			t.Errorf("expected 'result', got '%s'", string(val))
		}
		if l1, _ := local.Get(ctx, "score:evt-1"); l1 == nil {
			t.Error("expected L2 hit to populate L1")
		}
	})

	t.Run("SetWritesBoth", func(t *testing.T) {
		local, remote := NewLRUCache(10), NewLRUCache(10)
		c := NewTwoPhaseCache(local, remote, 0)

		if err := c.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if v, _ := local.Get(ctx, "k"); v == nil {
			t.Error("expected value in L1")
		}
		if v, _ := remote.Get(ctx, "k"); v == nil {
			t.Error("expected value in L2")
		}
		if c.l1TTL != 5*time.Minute {
			t.Errorf("expected default L1 ttl, got %v", c.l1TTL)
		}
	})

	t.Run("DeleteRemovesBoth", func(t *testing.T) {
		local, remote := NewLRUCache(10), NewLRUCache(10)
		c := NewTwoPhaseCache(local, remote, time.Minute)

		_ = c.Set(ctx, "k", []byte("v"), time.Hour)
		if err := c.Delete(ctx, "k"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if v, _ := c.Get(ctx, "k"); v != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("L1HitSkipsL2", func(t *testing.T) {
		local := NewLRUCache(10)
		c := NewTwoPhaseCache(local, failingCache{}, time.Minute)

		_ = local.Set(ctx, "k", []byte("v"), time.Minute)
		val, err := c.Get(ctx, "k")
		if err != nil {
			t.Fatalf("expected L1 hit without touching L2, got: %v", err)
		}
		if string(val) != "v" {
			t.Errorf("expected 'v', got '%s'", string(val))
		}
	})

	t.Run("L2FailureSurfaces", func(t *testing.T) {
		c := NewTwoPhaseCache(NewLRUCache(10), failingCache{}, time.Minute)

		if _, err := c.Get(ctx, "missing"); !errors.Is(err, errDown) {
			t.Errorf("expected L2 error, got: %v", err)
		}
		if err := c.Ping(ctx); err == nil {
			t.Error("expected ping to fail when L2 is down")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
