package model

import (
	"sort"
	"time"
)

// OptionQuote is one leg (CE or PE) at a strike.
type OptionQuote struct {
	LTP      float64 `json:"ltp"`
	Bid      float64 `json:"bid"`
	Ask      float64 `json:"ask"`
	OI       float64 `json:"oi"`
	OIChange float64 `json:"oiChange"`
	Volume   float64 `json:"volume"`
	IV       float64 `json:"iv"`
}

// StrikeQuotes holds both legs at one strike.
type StrikeQuotes struct {
	CE OptionQuote `json:"ce"`
	PE OptionQuote `json:"pe"`
}

// Leg returns the quote for the given side.
func (q StrikeQuotes) Leg(side Side) OptionQuote {
	if side == SidePut {
		return q.PE
	}
	return q.CE
}

// OptionChain maps strike to quotes.
type OptionChain map[int]StrikeQuotes

// Quote returns the leg at strike, if present.
func (c OptionChain) Quote(strike int, side Side) (OptionQuote, bool) {
	q, ok := c[strike]
	if !ok {
		return OptionQuote{}, false
	}
	return q.Leg(side), true
}

// Strikes returns the chain strikes in ascending order.
func (c OptionChain) Strikes() []int {
	out := make([]int, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// MarketSnapshot is the immutable market view of one tick.
type MarketSnapshot struct {
	Spot          float64     `json:"spot"`
	SpotChangePct float64     `json:"spotChangePct"`
	VIX           float64     `json:"vix"`
	ATMStrike     int         `json:"atmStrike"`
	Expiry        string      `json:"expiry"`
	Chain         OptionChain `json:"-"`
	CallOI        float64     `json:"callOi"`
	PutOI         float64     `json:"putOi"`
	CallVolume    float64     `json:"callVolume"`
	PutVolume     float64     `json:"putVolume"`
	Time          time.Time   `json:"time"`
	Live          bool        `json:"live"`
	DataAge       float64     `json:"dataAgeSeconds"`
}

// ATMStrike rounds spot to the nearest strike step.
func ATMStrike(spot float64, step int) int {
	if step <= 0 || spot <= 0 {
		return 0
	}
	n := int(spot/float64(step) + 0.5)
	return n * step
}

// WithAggregates fills the per-side OI and volume totals from the chain.
func (s MarketSnapshot) WithAggregates() MarketSnapshot {
	s.CallOI, s.PutOI, s.CallVolume, s.PutVolume = 0, 0, 0, 0
	for _, q := range s.Chain {
		s.CallOI += q.CE.OI
		s.PutOI += q.PE.OI
		s.CallVolume += q.CE.Volume
		s.PutVolume += q.PE.Volume
	}
	return s
}
