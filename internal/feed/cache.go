package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"skewhunter/internal/model"
	"skewhunter/internal/persist"

	"github.com/redis/go-redis/v9"
)

// CacheEntry is the persisted part of the Data Cache. The option chain is
// held in memory only.
type CacheEntry struct {
	Spot         float64   `json:"spot"`
	ChangePct    float64   `json:"changePct"`
	VIX          float64   `json:"vix"`
	ATMStrike    int       `json:"atmStrike"`
	Expiry       string    `json:"expiry"`
	PriceHistory []float64 `json:"priceHistory"`
	PCRHistory   []float64 `json:"pcrHistory"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Backend stores a CacheEntry.
type Backend interface {
	Load(ctx context.Context) (CacheEntry, bool, error)
	Store(ctx context.Context, e CacheEntry) error
}

// Cache is the Data Cache: last known market values plus the rolling
// histories that survive a restart.
type Cache struct {
	mu      sync.RWMutex
	backend Backend
	entry   CacheEntry
	chain   model.OptionChain
	has     bool
}

// NewCache creates a cache persisting through b.
func NewCache(b Backend) *Cache {
	return &Cache{backend: b}
}

// Restore loads the last persisted entry. A missing entry is not an error.
func (c *Cache) Restore(ctx context.Context) error {
	e, ok, err := c.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("restoring data cache: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.entry, c.has = e, e.Spot > 0
	}
	return nil
}

// Update records a live snapshot.
func (c *Cache) Update(snap model.MarketSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry.Spot = snap.Spot
	c.entry.ChangePct = snap.SpotChangePct
	c.entry.VIX = snap.VIX
	c.entry.ATMStrike = snap.ATMStrike
	c.entry.Expiry = snap.Expiry
	c.entry.UpdatedAt = snap.Time
	c.chain = snap.Chain
	c.has = snap.Spot > 0
}

// SetHistories replaces the persisted history tails.
func (c *Cache) SetHistories(prices, pcr []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry.PriceHistory = append([]float64(nil), prices...)
	c.entry.PCRHistory = append([]float64(nil), pcr...)
}

// Histories returns the cached history tails.
func (c *Cache) Histories() (prices, pcr []float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]float64(nil), c.entry.PriceHistory...), append([]float64(nil), c.entry.PCRHistory...)
}

// Persist writes the current entry to the backend.
func (c *Cache) Persist(ctx context.Context) error {
	c.mu.RLock()
	e := c.entry
	c.mu.RUnlock()
	return c.backend.Store(ctx, e)
}

// Snapshot rebuilds a non-live snapshot from the last known values.
func (c *Cache) Snapshot(now time.Time) (model.MarketSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.has {
		return model.MarketSnapshot{}, false
	}
	snap := model.MarketSnapshot{
		Spot:          c.entry.Spot,
		SpotChangePct: c.entry.ChangePct,
		VIX:           c.entry.VIX,
		ATMStrike:     c.entry.ATMStrike,
		Expiry:        c.entry.Expiry,
		Chain:         c.chain,
		Time:          now,
		Live:          false,
	}
	if !c.entry.UpdatedAt.IsZero() {
		snap.DataAge = now.Sub(c.entry.UpdatedAt).Seconds()
	}
	return snap.WithAggregates(), true
}

// FileBackend keeps the cache in a JSON file.
type FileBackend struct {
	Path string
}

func (f FileBackend) Load(_ context.Context) (CacheEntry, bool, error) {
	var e CacheEntry
	if err := persist.ReadJSON(f.Path, &e); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return CacheEntry{}, false, nil
		}
		return CacheEntry{}, false, err
	}
	return e, true, nil
}

func (f FileBackend) Store(_ context.Context, e CacheEntry) error {
	return persist.WriteJSON(f.Path, e)
}

// RedisBackend keeps the cache under a single Redis key.
type RedisBackend struct {
	client *redis.Client
	key    string
}

// NewRedisBackend connects to addr and verifies the connection.
func NewRedisBackend(ctx context.Context, addr string, db int, key string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DB:          db,
		DialTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBackend{client: client, key: key}, nil
}

func (r *RedisBackend) Load(ctx context.Context) (CacheEntry, bool, error) {
	var e CacheEntry
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return e, false, nil
		}
		return e, false, err
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, false, fmt.Errorf("decoding %s: %w", r.key, err)
	}
	return e, true, nil
}

func (r *RedisBackend) Store(ctx context.Context, e CacheEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, data, 0).Err()
}

// Close releases the Redis connection pool.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
