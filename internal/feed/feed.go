package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"skewhunter/internal/config"
	"skewhunter/internal/model"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Mode reports where the last snapshot came from.
type Mode string

const (
	ModeLive   Mode = "live"
	ModeCached Mode = "cached"
)

// Feed fetches snapshots from a provider, paced by a rate limiter, and
// serves the Data Cache when the provider fails.
type Feed struct {
	provider Provider
	cache    *Cache
	limiter  *rate.Limiter
	timeout  time.Duration
	step     int
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	mode    Mode
	lastErr error
}

// New creates a Feed.
func New(p Provider, c *Cache, cfg config.FeedConfig, strikeStep int, log *zap.Logger) *Feed {
	return &Feed{
		provider: p,
		cache:    c,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		timeout:  cfg.Timeout,
		step:     strikeStep,
		log:      log,
		now:      time.Now,
		mode:     ModeLive,
	}
}

// Mode returns the current feed mode.
func (f *Feed) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

// LastError returns the provider error behind the cached mode, if any.
func (f *Feed) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// Cache returns the underlying Data Cache.
func (f *Feed) Cache() *Cache {
	return f.cache
}

// Snapshot returns a live snapshot, or the cached one marked non-live when
// the provider fails. ErrNoData means neither source has data.
func (f *Feed) Snapshot(ctx context.Context) (model.MarketSnapshot, error) {
	snap, err := f.live(ctx)
	if err == nil {
		f.cache.Update(snap)
		f.setMode(ModeLive, nil)
		return snap, nil
	}
	if ctx.Err() != nil {
		return model.MarketSnapshot{}, ctx.Err()
	}

	f.setMode(ModeCached, err)
	cached, ok := f.cache.Snapshot(f.now())
	if !ok {
		return model.MarketSnapshot{}, fmt.Errorf("%w: %v", ErrNoData, err)
	}
	return cached, nil
}

// OptionQuote fetches a fresh quote for one leg.
func (f *Feed) OptionQuote(ctx context.Context, expiry string, strike int, side model.Side) (model.OptionQuote, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return model.OptionQuote{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	chain, err := f.provider.Chain(ctx, expiry)
	if err != nil {
		return model.OptionQuote{}, fmt.Errorf("%s chain: %w", f.provider.Name(), err)
	}
	q, ok := chain.Quote(strike, side)
	if !ok || q.LTP <= 0 {
		return model.OptionQuote{}, fmt.Errorf("no quote for %d %s", strike, side.OptionType())
	}
	return q, nil
}

func (f *Feed) live(ctx context.Context) (model.MarketSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.limiter.Wait(ctx); err != nil {
		return model.MarketSnapshot{}, fmt.Errorf("rate limit: %w", err)
	}
	q, err := f.provider.Quote(ctx)
	if err != nil {
		return model.MarketSnapshot{}, fmt.Errorf("%s quote: %w", f.provider.Name(), err)
	}
	if q.Spot <= 0 {
		return model.MarketSnapshot{}, fmt.Errorf("%s quote: invalid spot %v", f.provider.Name(), q.Spot)
	}
	chain, err := f.provider.Chain(ctx, q.Expiry)
	if err != nil {
		return model.MarketSnapshot{}, fmt.Errorf("%s chain: %w", f.provider.Name(), err)
	}

	ts := q.Time
	if ts.IsZero() {
		ts = f.now()
	}
	snap := model.MarketSnapshot{
		Spot:          q.Spot,
		SpotChangePct: q.ChangePct,
		VIX:           q.VIX,
		ATMStrike:     model.ATMStrike(q.Spot, f.step),
		Expiry:        q.Expiry,
		Chain:         chain,
		Time:          ts,
		Live:          true,
	}
	return snap.WithAggregates(), nil
}

func (f *Feed) setMode(m Mode, err error) {
	f.mu.Lock()
	prev := f.mode
	f.mode, f.lastErr = m, err
	f.mu.Unlock()

	if prev == m {
		return
	}
	if m == ModeCached {
		f.log.Warn("feed_fallback", zap.String("provider", f.provider.Name()), zap.Error(err))
		return
	}
	f.log.Info("feed_recovered", zap.String("provider", f.provider.Name()))
}
