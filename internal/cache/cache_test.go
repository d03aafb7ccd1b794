package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opensource-finance/callbill/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
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

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clocked := NewLRUCache(10)
		now := time.Date(2018, time.April, 12, 10, 0, 0, 0, time.UTC)
		clocked.now = func() time.Time { return now }

		_ = clocked.Set(ctx, "expiring", []byte("temp"), time.Second)

		val, _ := clocked.Get(ctx, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		now = now.Add(2 * time.Second)

		val, _ = clocked.Get(ctx, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		val, _ := smallCache.Get(ctx, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		val, _ = smallCache.Get(ctx, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("RequiresKey", func(t *testing.T) {
		if err := cache.Set(ctx, "", []byte("value"), time.Minute); err != ErrEmptyKey {
			t.Errorf("expected ErrEmptyKey, got %v", err)
		}
		if _, err := cache.Get(ctx, ""); err != ErrEmptyKey {
			t.Errorf("expected ErrEmptyKey, got %v", err)
		}
	})

	t.Run("JSON", func(t *testing.T) {
		bill := domain.Bill{Subscriber: "99988526423", Period: domain.Period{Year: 2018, Month: time.April}}
		if err := SetJSON(ctx, cache, "bills:99988526423:2018-04", bill, time.Minute); err != nil {
			t.Fatalf("SetJSON failed: %v", err)
		}

		var got domain.Bill
		ok, err := GetJSON(ctx, cache, "bills:99988526423:2018-04", &got)
		if err != nil || !ok {
			t.Fatalf("GetJSON failed: %v (hit=%v)", err, ok)
		}
		if got.Subscriber != bill.Subscriber || got.Period != bill.Period {
			t.Errorf("unexpected bill %+v", got)
		}

		ok, err = GetJSON(ctx, cache, "bills:missing", &got)
		if err != nil || ok {
			t.Errorf("expected clean miss, got hit=%v err=%v", ok, err)
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

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, "k", []byte("v"), time.Minute)

		if err := testCache.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}

		val, _ := testCache.Get(ctx, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	cache, err := NewRedisCache(mr.Addr(), "", 0)
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Set(ctx, "bills:99988526423:2018-04", []byte(`{}`), time.Minute))

	stored, err := mr.Get("callbill:bills:99988526423:2018-04")
	require.NoError(t, err)
	assert.Equal(t, `{}`, stored)

	val, err := cache.Get(ctx, "bills:99988526423:2018-04")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), val)

	mr.FastForward(2 * time.Minute)
	val, err = cache.Get(ctx, "bills:99988526423:2018-04")
	require.NoError(t, err)
	assert.Nil(t, val)

	require.NoError(t, cache.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, cache.Delete(ctx, "k"))
	assert.False(t, mr.Exists("callbill:k"))

	assert.NoError(t, cache.Ping(ctx))
	assert.ErrorIs(t, cache.Delete(ctx, ""), ErrEmptyKey)
}

func TestTwoPhaseCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	cache, err := NewTwoPhaseCache(domain.CacheConfig{
		Type:           "redis",
		RedisAddr:      mr.Addr(),
		EnableTwoPhase: true,
		LocalMaxSize:   10,
		LocalTTL:       time.Minute,
	})
	require.NoError(t, err)
	defer cache.Close()

	t.Run("WritesBothLevels", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "a", []byte("1"), time.Hour))

		assert.True(t, mr.Exists("callbill:a"))
		size, _ := cache.Stats()
		assert.Equal(t, 1, size)
	})

	t.Run("PopulatesL1FromL2", func(t *testing.T) {
		require.NoError(t, mr.Set("callbill:b", "2"))

		val, err := cache.Get(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), val)

		local, err := cache.local.Get(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), local)
	})

	t.Run("DeleteClearsBothLevels", func(t *testing.T) {
		require.NoError(t, cache.Delete(ctx, "a"))

		val, err := cache.Get(ctx, "a")
		require.NoError(t, err)
		assert.Nil(t, val)
		assert.False(t, mr.Exists("callbill:a"))
	})

	assert.NoError(t, cache.Ping(ctx))
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("RedisType", func(t *testing.T) {
		mr := miniredis.RunT(t)

		cache, err := New(domain.CacheConfig{Type: "redis", RedisAddr: mr.Addr()})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*RedisCache); !ok {
			t.Error("expected RedisCache for redis type without two-phase")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
