package pricing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"covdev/internal/model"
	"covdev/internal/storage"
)

// DefaultTTL is how long a stored quote is served without a live fetch.
const DefaultTTL = 10 * time.Minute

// Asset names a quoted pair and the keys its quote is persisted under.
type Asset struct {
	ID         string
	VsCurrency string
	ValueKey   string
	TimeKey    string
}

// DefaultAsset is ether quoted in euro.
func DefaultAsset() Asset {
	return Asset{
		ID:         "ethereum",
		VsCurrency: "eur",
		ValueKey:   "eth_price_eur",
		TimeKey:    "eth_price_timestamp",
	}
}

// Cache is a read-through price cache with a time-to-live. When a refresh
// fails the last stored value is served regardless of its age.
type Cache struct {
	asset   Asset
	store   storage.KV
	fetcher Fetcher
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewCache(asset Asset, store storage.KV, fetcher Fetcher, opts ...CacheOption) *Cache {
	c := &Cache{
		asset:   asset,
		store:   store,
		fetcher: fetcher,
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a fresh stored quote without touching the network, otherwise a
// live quote, otherwise the stored quote of any age marked stale. The bool is
// false when no quote is available at all.
func (c *Cache) Get(ctx context.Context) (model.PriceQuote, bool) {
	cached, ok := c.cached(ctx)
	if ok && cached.Age(c.now()) < c.ttl {
		return cached, true
	}

	quote, err := c.Refresh(ctx)
	if err == nil {
		return quote, true
	}

	c.logger.Warn("price fetch failed, using cache if available", zap.String("asset", c.asset.ID), zap.Bool("cached", ok), zap.Error(err))
	if ok {
		cached.Stale = true
		return cached, true
	}
	return model.PriceQuote{}, false
}

// Refresh fetches a live quote and stores it with the current time.
func (c *Cache) Refresh(ctx context.Context) (model.PriceQuote, error) {
	if c.fetcher == nil {
		return model.PriceQuote{}, fmt.Errorf("price fetcher is nil")
	}
	value, err := c.fetcher.Fetch(ctx, c.asset)
	if err != nil {
		return model.PriceQuote{}, err
	}
	if value <= 0 {
		return model.PriceQuote{}, fmt.Errorf("%w: non-positive price %v", ErrMalformedQuote, value)
	}

	quote := model.PriceQuote{Value: value, FetchedAt: c.now()}
	c.save(ctx, quote)
	return quote, nil
}

// cached reads the stored quote. A stored value without a readable timestamp
// is returned with a zero FetchedAt, which always counts as expired.
func (c *Cache) cached(ctx context.Context) (model.PriceQuote, bool) {
	if c.store == nil {
		return model.PriceQuote{}, false
	}

	raw, err := c.store.Get(ctx, c.asset.ValueKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("read cached price", zap.String("key", c.asset.ValueKey), zap.Error(err))
		}
		return model.PriceQuote{}, false
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value <= 0 {
		c.logger.Warn("ignore invalid cached price", zap.String("key", c.asset.ValueKey), zap.String("value", raw))
		return model.PriceQuote{}, false
	}

	quote := model.PriceQuote{Value: value}
	rawTS, err := c.store.Get(ctx, c.asset.TimeKey)
	if err != nil {
		return quote, true
	}
	millis, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return quote, true
	}
	quote.FetchedAt = time.UnixMilli(millis)
	return quote, true
}

func (c *Cache) save(ctx context.Context, quote model.PriceQuote) {
	if c.store == nil {
		return
	}
	value := strconv.FormatFloat(quote.Value, 'f', -1, 64)
	if err := c.store.Set(ctx, c.asset.ValueKey, value); err != nil {
		c.logger.Warn("store price", zap.String("key", c.asset.ValueKey), zap.Error(err))
		return
	}
	ts := strconv.FormatInt(quote.FetchedAt.UnixMilli(), 10)
	if err := c.store.Set(ctx, c.asset.TimeKey, ts); err != nil {
		c.logger.Warn("store price timestamp", zap.String("key", c.asset.TimeKey), zap.Error(err))
	}
}
