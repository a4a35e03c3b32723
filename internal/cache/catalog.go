package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/cardwise/internal/domain"
)

// Catalog is a read-through cache over card, rule and category lookups.
// Entries are JSON encoded so any domain.Cache backend can hold them.
// Writes go to the repository; callers drop stale entries through
// InvalidateCard and InvalidateCategory.
type Catalog struct {
	source domain.ConfigReader
	cache  domain.Cache
	ttl    time.Duration
}

var _ domain.ConfigReader = (*Catalog)(nil)

// NewCatalog wraps source with cache.
func NewCatalog(source domain.ConfigReader, cache domain.Cache, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Catalog{source: source, cache: cache, ttl: ttl}
}

// GetCard returns a card with its bank name.
func (c *Catalog) GetCard(ctx context.Context, cardID string) (*domain.Card, error) {
	var card domain.Card
	if c.load(ctx, cardKey(cardID), &card) {
		return &card, nil
	}

	got, err := c.source.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, cardKey(cardID), got)
	return got, nil
}

// RulesForCard returns every rule of the card in repository order.
func (c *Catalog) RulesForCard(ctx context.Context, cardID string) ([]*domain.RewardRule, error) {
	var rules []*domain.RewardRule
	if c.load(ctx, rulesKey(cardID), &rules) {
		return rules, nil
	}

	got, err := c.source.RulesForCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, rulesKey(cardID), got)
	return got, nil
}

// GetCategory returns a category.
func (c *Catalog) GetCategory(ctx context.Context, categoryID string) (*domain.Category, error) {
	var cat domain.Category
	if c.load(ctx, categoryKey(categoryID), &cat) {
		return &cat, nil
	}

	got, err := c.source.GetCategory(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, categoryKey(categoryID), got)
	return got, nil
}

// InvalidateCard drops the cached card and its rules.
func (c *Catalog) InvalidateCard(ctx context.Context, cardID string) {
	c.drop(ctx, cardKey(cardID))
	c.drop(ctx, rulesKey(cardID))
}

// InvalidateCategory drops the cached category.
func (c *Catalog) InvalidateCategory(ctx context.Context, categoryID string) {
	c.drop(ctx, categoryKey(categoryID))
}

// load reports whether key was found and decoded into dst.
// Cache failures count as misses.
func (c *Catalog) load(ctx context.Context, key string, dst any) bool {
	data, err := c.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("catalog cache read failed", "key", key, "error", err)
		return false
	}
	if data == nil {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		slog.Warn("catalog cache entry corrupt", "key", key, "error", err)
		c.drop(ctx, key)
		return false
	}
	return true
}

func (c *Catalog) store(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("catalog cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
		slog.Warn("catalog cache write failed", "key", key, "error", err)
	}
}

func (c *Catalog) drop(ctx context.Context, key string) {
	if err := c.cache.Delete(ctx, key); err != nil {
		slog.Warn("catalog cache delete failed", "key", key, "error", err)
	}
}

func cardKey(id string) string     { return "card:" + id }
func rulesKey(id string) string    { return "rules:" + id }
func categoryKey(id string) string { return "category:" + id }
