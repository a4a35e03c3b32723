package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/cardwise/internal/domain"
	"github.com/shopspring/decimal"
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

		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clock := time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)
		c := NewLRUCache(10)
		c.now = func() time.Time { return clock }

		_ = c.Set(ctx, "expiring", []byte("temp"), time.Second)

		val, _ := c.Get(ctx, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		clock = clock.Add(2 * time.Second)

		val, _ = c.Get(ctx, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
		if size, _ := c.Stats(); size != 0 {
			t.Errorf("expected expired entry removed, size %d", size)
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

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2b"), time.Minute)

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

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	remote := NewLRUCache(100)
	c := newTwoPhase(NewLRUCache(100), remote, time.Minute)

	t.Run("WritesBothLayers", func(t *testing.T) {
		if err := c.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if val, _ := remote.Get(ctx, "k"); string(val) != "v" {
			t.Errorf("expected remote to hold value, got %q", val)
		}
	})

	t.Run("PopulatesL1FromL2", func(t *testing.T) {
		_ = remote.Set(ctx, "only-remote", []byte("r"), time.Hour)

		val, err := c.Get(ctx, "only-remote")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "r" {
			t.Errorf("expected 'r', got %q", val)
		}
		if size, _ := c.Stats(); size != 2 {
			t.Errorf("expected L1 size 2, got %d", size)
		}
	})

	t.Run("DeleteBothLayers", func(t *testing.T) {
		if err := c.Delete(ctx, "k"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := c.Get(ctx, "k"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := c.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

// downCache fails every call, like an unreachable Redis.
type downCache struct{}

var errDown = errors.New("connection refused")

func (downCache) Get(context.Context, string) ([]byte, error) { return nil, errDown }
func (downCache) Set(context.Context, string, []byte, time.Duration) error { return errDown }
func (downCache) Delete(context.Context, string) error { return errDown }
func (downCache) Ping(context.Context) error { return errDown }
func (downCache) Close() error { return nil }

func TestTwoPhaseCacheRemoteDown(t *testing.T) {
	ctx := context.Background()
	local := NewLRUCache(10)
	c := newTwoPhase(local, downCache{}, time.Minute)

	_ = local.Set(ctx, "summary:u1:2024-05", []byte("stale"), time.Minute)

	if err := c.Delete(ctx, "summary:u1:2024-05"); !errors.Is(err, errDown) {
		t.Errorf("expected remote error, got %v", err)
	}
	if val, _ := local.Get(ctx, "summary:u1:2024-05"); val != nil {
		t.Error("expected L1 cleared even when L2 delete fails")
	}

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); !errors.Is(err, errDown) {
		t.Errorf("expected remote error on Set, got %v", err)
	}
	if val, _ := local.Get(ctx, "k"); val != nil {
		t.Error("expected L1 untouched when L2 write fails")
	}

	if err := c.Ping(ctx); !errors.Is(err, errDown) {
		t.Errorf("expected ping to surface L2 failure, got %v", err)
	}
}

func TestRedisOptions(t *testing.T) {
	t.Run("HostPort", func(t *testing.T) {
		opts, err := redisOptions(domain.CacheConfig{RedisAddr: "cache:6380", RedisDB: 2})
		if err != nil {
			t.Fatalf("redisOptions failed: %v", err)
		}
		if opts.Addr != "cache:6380" || opts.DB != 2 {
			t.Errorf("unexpected options: addr=%s db=%d", opts.Addr, opts.DB)
		}
	})

	t.Run("URL", func(t *testing.T) {
		opts, err := redisOptions(domain.CacheConfig{RedisAddr: "redis://:pw@cache:6379/3"})
		if err != nil {
			t.Fatalf("redisOptions failed: %v", err)
		}
		if opts.Addr != "cache:6379" || opts.Password != "pw" || opts.DB != 3 {
			t.Errorf("unexpected options: addr=%s db=%d", opts.Addr, opts.DB)
		}
	})

	t.Run("Default", func(t *testing.T) {
		opts, _ := redisOptions(domain.CacheConfig{})
		if opts.Addr != "localhost:6379" {
			t.Errorf("expected default address, got %s", opts.Addr)
		}
	})
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

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.CacheConfig{Type: "memcached"})
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestSummaryKey(t *testing.T) {
	if got := SummaryKey("u1", "2024-05"); got != "summary:u1:2024-05" {
		t.Errorf("unexpected key %q", got)
	}
}

// countingSource counts lookups that reach the repository.
type countingSource struct {
	cards, rules, categories int
	rate                     decimal.Decimal
}

func (s *countingSource) GetCard(_ context.Context, id string) (*domain.Card, error) {
	s.cards++
	if id == "missing" {
		return nil, domain.ErrNotFound
	}
	return &domain.Card{ID: id, BankID: "b1", BankName: "First Bank", Name: "Everyday"}, nil
}

func (s *countingSource) RulesForCard(_ context.Context, id string) ([]*domain.RewardRule, error) {
	s.rules++
	target := "cat-1"
	return []*domain.RewardRule{{
		ID:               "r1",
		CardID:           id,
		RewardUnit:       domain.UnitMiles,
		Percentage:       decimal.NewNullDecimal(decimal.RequireFromString("1.5")),
		TargetCategoryID: &target,
		CapPeriod:        domain.CapPeriodMonthly,
		ValuationRate:    s.rate,
	}}, nil
}

func (s *countingSource) GetCategory(_ context.Context, id string) (*domain.Category, error) {
	s.categories++
	return &domain.Category{ID: id, MerchantID: "m-1", Name: "Groceries", MCCType: "grocery"}, nil
}

func TestCatalog(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{rate: decimal.RequireFromString("0.02")}
	catalog := NewCatalog(src, NewLRUCache(100), time.Minute)

	t.Run("CardReadThrough", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			card, err := catalog.GetCard(ctx, "card-1")
			if err != nil {
				t.Fatalf("GetCard failed: %v", err)
			}
			if card.BankName != "First Bank" {
				t.Errorf("expected bank name to survive the cache, got %q", card.BankName)
			}
		}
		if src.cards != 1 {
			t.Errorf("expected 1 source lookup, got %d", src.cards)
		}
	})

	t.Run("RulesRoundTrip", func(t *testing.T) {
		first, err := catalog.RulesForCard(ctx, "card-1")
		if err != nil {
			t.Fatalf("RulesForCard failed: %v", err)
		}
		cached, err := catalog.RulesForCard(ctx, "card-1")
		if err != nil {
			t.Fatalf("RulesForCard failed: %v", err)
		}
		if src.rules != 1 {
			t.Errorf("expected 1 source lookup, got %d", src.rules)
		}
		r := cached[0]
		if !r.Percentage.Valid || !r.Percentage.Decimal.Equal(first[0].Percentage.Decimal) {
			t.Errorf("percentage lost in cache: %+v", r.Percentage)
		}
		if r.FixedAmount.Valid || r.MaxRewardCap.Valid {
			t.Error("expected null amounts to stay null")
		}
		if r.TargetCategoryID == nil || *r.TargetCategoryID != "cat-1" {
			t.Errorf("target lost in cache: %v", r.TargetCategoryID)
		}
		if !r.ValuationRate.Equal(src.rate) {
			t.Errorf("expected valuation rate %s, got %s", src.rate, r.ValuationRate)
		}
	})

	t.Run("InvalidateCard", func(t *testing.T) {
		catalog.InvalidateCard(ctx, "card-1")
		_, _ = catalog.GetCard(ctx, "card-1")
		_, _ = catalog.RulesForCard(ctx, "card-1")
		if src.cards != 2 || src.rules != 2 {
			t.Errorf("expected reload after invalidate, got cards=%d rules=%d", src.cards, src.rules)
		}
	})

	t.Run("InvalidateCategory", func(t *testing.T) {
		_, _ = catalog.GetCategory(ctx, "cat-1")
		_, _ = catalog.GetCategory(ctx, "cat-1")
		catalog.InvalidateCategory(ctx, "cat-1")
		_, _ = catalog.GetCategory(ctx, "cat-1")
		if src.categories != 2 {
			t.Errorf("expected 2 source lookups, got %d", src.categories)
		}
	})

	t.Run("ErrorsAreNotCached", func(t *testing.T) {
		_, err := catalog.GetCard(ctx, "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		before := src.cards
		_, _ = catalog.GetCard(ctx, "missing")
		if src.cards != before+1 {
			t.Error("expected not-found to reach the source again")
		}
	})

	t.Run("CorruptEntryFallsThrough", func(t *testing.T) {
		store := NewLRUCache(10)
		_ = store.Set(ctx, cardKey("card-9"), []byte("{not json"), time.Minute)
		c := NewCatalog(src, store, time.Minute)

		card, err := c.GetCard(ctx, "card-9")
		if err != nil {
			t.Fatalf("GetCard failed: %v", err)
		}
		if card.ID != "card-9" {
			t.Errorf("unexpected card %+v", card)
		}
	})
}
