// Package feed supplies market snapshots from a live provider and falls back
// to the persisted Data Cache when the provider is unavailable.
package feed

import (
	"context"
	"errors"
	"time"

	"skewhunter/internal/model"
)

// ErrNoData is returned when neither the provider nor the cache has data.
var ErrNoData = errors.New("feed: no market data available")

// SpotQuote is the index-level part of a snapshot.
type SpotQuote struct {
	Spot      float64   `json:"spot"`
	ChangePct float64   `json:"changePct"`
	VIX       float64   `json:"vix"`
	Expiry    string    `json:"expiry"`
	Time      time.Time `json:"time"`
}

// Provider is a live market-data source.
type Provider interface {
	Name() string
	Quote(ctx context.Context) (SpotQuote, error)
	Chain(ctx context.Context, expiry string) (model.OptionChain, error)
}
