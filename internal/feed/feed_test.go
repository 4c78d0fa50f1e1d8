package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"skewhunter/internal/config"
	"skewhunter/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubProvider struct {
	quote SpotQuote
	chain model.OptionChain
	err   error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Quote(context.Context) (SpotQuote, error) {
	return s.quote, s.err
}

func (s *stubProvider) Chain(context.Context, string) (model.OptionChain, error) {
	return s.chain, s.err
}

func fastFeedConfig() config.FeedConfig {
	return config.FeedConfig{RequestsPerSecond: 1000, Burst: 10, Timeout: time.Second}
}

func TestFeedFallsBackToCache(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := &stubProvider{
		quote: SpotQuote{Spot: 22012, VIX: 14.2, Expiry: "2026-03-10", Time: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)},
		chain: model.OptionChain{22000: {CE: model.OptionQuote{LTP: 110, OI: 100}, PE: model.OptionQuote{LTP: 95, OI: 300}}},
	}
	cache := NewCache(FileBackend{Path: filepath.Join(t.TempDir(), "cache.json")})
	f := New(p, cache, fastFeedConfig(), 50, zap.New(core))
	f.now = func() time.Time { return time.Date(2026, 3, 4, 10, 0, 30, 0, time.UTC) }

	snap, err := f.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Live)
	assert.Equal(t, 22000, snap.ATMStrike)
	assert.Equal(t, 300.0, snap.PutOI)
	assert.Equal(t, ModeLive, f.Mode())

	p.err = errors.New("gateway down")
	snap, err = f.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Live)
	assert.Equal(t, 22012.0, snap.Spot)
	assert.Equal(t, 30.0, snap.DataAge)
	assert.Len(t, snap.Chain, 1)
	assert.Equal(t, ModeCached, f.Mode())
	require.Error(t, f.LastError())

	// fallback is logged once per transition
	_, _ = f.Snapshot(context.Background())
	assert.Equal(t, 1, logs.FilterMessage("feed_fallback").Len())

	p.err = nil
	_, err = f.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("feed_recovered").Len())
}

func TestFeedWithoutAnyDataFails(t *testing.T) {
	p := &stubProvider{err: errors.New("offline")}
	f := New(p, NewCache(FileBackend{Path: filepath.Join(t.TempDir(), "c.json")}), fastFeedConfig(), 50, zap.NewNop())

	_, err := f.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrNoData)
}

func TestCachePersistAndRestore(t *testing.T) {
	backend := FileBackend{Path: filepath.Join(t.TempDir(), "nested", "cache.json")}
	c := NewCache(backend)
	require.NoError(t, c.Restore(context.Background()))
	_, ok := c.Snapshot(time.Now())
	assert.False(t, ok)

	at := time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)
	c.Update(model.MarketSnapshot{Spot: 22150.5, VIX: 15.1, ATMStrike: 22150, Expiry: "2026-03-10", Time: at, Live: true})
	c.SetHistories([]float64{22100, 22150.5}, []float64{1.02, 1.04})
	require.NoError(t, c.Persist(context.Background()))

	restored := NewCache(backend)
	require.NoError(t, restored.Restore(context.Background()))
	snap, ok := restored.Snapshot(at.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, 22150.5, snap.Spot)
	assert.Equal(t, "2026-03-10", snap.Expiry)
	assert.Equal(t, 60.0, snap.DataAge)
	assert.Empty(t, snap.Chain)

	prices, pcr := restored.Histories()
	assert.Equal(t, []float64{22100, 22150.5}, prices)
	assert.Equal(t, []float64{1.02, 1.04}, pcr)
}

func TestHTTPProvider(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"spot": 22031.4, "changePct": 0.4, "vix": 13.7, "expiry": "2026-03-10"}`))
	})
	mux.HandleFunc("/chain", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("expiry") != "2026-03-10" {
			http.Error(w, "unknown expiry", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"expiry": "2026-03-10", "strikes": [
			{"strike": 22000, "ce": {"ltp": 120.5, "bid": 120, "ask": 121, "oi": 1500000, "iv": 13.2},
			                  "pe": {"ltp": 88, "bid": 87.5, "ask": 88.5, "oi": 1700000, "iv": 14.1}}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/", time.Second)
	q, err := p.Quote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 22031.4, q.Spot)

	chain, err := p.Chain(context.Background(), q.Expiry)
	require.NoError(t, err)
	ce, ok := chain.Quote(22000, model.SideCall)
	require.True(t, ok)
	assert.Equal(t, 120.5, ce.LTP)

	_, err = p.Chain(context.Background(), "2026-03-17")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFeedOptionQuote(t *testing.T) {
	p := &stubProvider{chain: model.OptionChain{22000: {CE: model.OptionQuote{LTP: 101}}}}
	f := New(p, NewCache(FileBackend{Path: filepath.Join(t.TempDir(), "c.json")}), fastFeedConfig(), 50, zap.NewNop())

	q, err := f.OptionQuote(context.Background(), "2026-03-10", 22000, model.SideCall)
	require.NoError(t, err)
	assert.Equal(t, 101.0, q.LTP)

	_, err = f.OptionQuote(context.Background(), "2026-03-10", 22000, model.SidePut)
	require.Error(t, err)
}

func TestSimulatorIsSeededAndSane(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	clock := func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, loc) } // Wednesday

	run := func() (SpotQuote, model.OptionChain) {
		s := NewSimulator(42, 50, loc)
		s.now = clock
		var q SpotQuote
		var chain model.OptionChain
		for i := 0; i < 5; i++ {
			var err error
			q, err = s.Quote(context.Background())
			require.NoError(t, err)
			chain, err = s.Chain(context.Background(), q.Expiry)
			require.NoError(t, err)
		}
		return q, chain
	}

	q1, c1 := run()
	q2, c2 := run()
	assert.Equal(t, q1, q2)
	assert.Equal(t, c1, c2)
	assert.Equal(t, "2026-03-10", q1.Expiry)
	assert.Len(t, c1, 21)

	for strike, sq := range c1 {
		for _, leg := range []model.OptionQuote{sq.CE, sq.PE} {
			assert.Greater(t, leg.LTP, 0.0, "strike %d", strike)
			assert.LessOrEqual(t, leg.Bid, leg.Ask, "strike %d", strike)
			assert.Greater(t, leg.IV, 0.0)
		}
	}
}

func TestRedisBackendUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := NewRedisBackend(ctx, "127.0.0.1:1", 0, "skewhunter:test")
	require.Error(t, err)
}
