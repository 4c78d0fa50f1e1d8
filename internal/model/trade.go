package model

import "time"

// Regime is a volatility band's trailing parameters.
type Regime struct {
	Name               string  `json:"name"`
	InitialStopPct     float64 `json:"initialStopPct"`
	TrailActivationPct float64 `json:"trailActivationPct"`
	TrailDistancePct   float64 `json:"trailDistancePct"`
}

// Trade is the single active position. Prices tracked for the stop live in
// RefPrice/Highest/Lowest; P&L is always computed on the option premium.
type Trade struct {
	ID         int        `json:"id"`
	Side       Side       `json:"side"`
	Instrument string     `json:"instrument"`
	Strike     int        `json:"strike"`
	Expiry     string     `json:"expiry"`
	Qty        int        `json:"qty"`
	SignalPath SignalPath `json:"signalPath"`
	Confidence float64    `json:"confidence"`

	EntryPrice float64   `json:"entryPrice"`
	EntryTime  time.Time `json:"entryTime"`
	EntryVIX   float64   `json:"entryVix"`
	LTP        float64   `json:"ltp"`

	// Direction is +1 when the stop trails below the tracked price, -1 above.
	Direction int     `json:"direction"`
	TrackSpot bool    `json:"trackSpot"`
	EntryRef  float64 `json:"entryRef"`
	RefPrice  float64 `json:"refPrice"`
	Highest   float64 `json:"highest"`
	Lowest    float64 `json:"lowest"`

	Stop           float64 `json:"stop"`
	TrailingActive bool    `json:"trailingActive"`
	EntryRegime    Regime  `json:"entryRegime"`
	CurrentRegime  string  `json:"currentRegime"`
	TrailDistance  float64 `json:"trailDistance"`

	EntryIndicators IndicatorSet `json:"entryIndicators"`

	ExecutionMode ExecutionMode `json:"executionMode"`
	EntryOrder    OrderRef      `json:"entryOrder"`
	ExitOrder     OrderRef      `json:"exitOrder"`
	Pending       PendingState  `json:"pending,omitempty"`
	PendingReason ExitReason    `json:"pendingReason,omitempty"`
	Warning       string        `json:"warning,omitempty"`

	ExitPrice  float64    `json:"exitPrice,omitempty"`
	ExitTime   *time.Time `json:"exitTime,omitempty"`
	ExitReason ExitReason `json:"exitReason,omitempty"`
	PnL        float64    `json:"pnl"`
	PnLPct     float64    `json:"pnlPct"`

	ReversalWarnings []string `json:"reversalWarnings,omitempty"`
}

// Open reports whether the trade has not been closed.
func (t *Trade) Open() bool {
	return t != nil && t.ExitTime == nil
}

// UnrealizedPnL is the mark-to-market P&L at the current premium.
func (t *Trade) UnrealizedPnL() float64 {
	return (t.LTP - t.EntryPrice) * float64(t.Qty)
}

// UnrealizedPnLPct is the premium P&L percentage at LTP.
func (t *Trade) UnrealizedPnLPct() float64 {
	if t.EntryPrice == 0 {
		return 0
	}
	return (t.LTP - t.EntryPrice) / t.EntryPrice * 100
}

// FavorablePct is the signed move of the tracked price from entry.
func (t *Trade) FavorablePct() float64 {
	if t.EntryRef == 0 {
		return 0
	}
	return float64(t.direction()) * (t.RefPrice - t.EntryRef) / t.EntryRef * 100
}

// MFEPct is the maximum favorable excursion of the tracked price.
func (t *Trade) MFEPct() float64 {
	if t.EntryRef == 0 {
		return 0
	}
	if t.direction() > 0 {
		return (t.Highest - t.EntryRef) / t.EntryRef * 100
	}
	return (t.EntryRef - t.Lowest) / t.EntryRef * 100
}

// MAEPct is the maximum adverse excursion of the tracked price.
func (t *Trade) MAEPct() float64 {
	if t.EntryRef == 0 {
		return 0
	}
	if t.direction() > 0 {
		return (t.EntryRef - t.Lowest) / t.EntryRef * 100
	}
	return (t.Highest - t.EntryRef) / t.EntryRef * 100
}

func (t *Trade) direction() int {
	if t.Direction < 0 {
		return -1
	}
	return 1
}

// Clone returns a deep copy safe to hand to readers.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	c := *t
	if t.ExitTime != nil {
		et := *t.ExitTime
		c.ExitTime = &et
	}
	c.ReversalWarnings = append([]string(nil), t.ReversalWarnings...)
	c.EntryIndicators.Call.Factors = append([]string(nil), t.EntryIndicators.Call.Factors...)
	c.EntryIndicators.Put.Factors = append([]string(nil), t.EntryIndicators.Put.Factors...)
	return &c
}

// SessionState is today's counters plus the active trade snapshot.
type SessionState struct {
	Version        int        `json:"version"`
	Date           string     `json:"date"`
	TradesToday    int        `json:"tradesToday"`
	DailyPnL       float64    `json:"dailyPnl"`
	PeakSessionMTM float64    `json:"peakSessionMtm"`
	LastTradeID    int        `json:"lastTradeId"`
	CooldownUntil  *time.Time `json:"cooldownUntil,omitempty"`
	ActiveTrade    *Trade     `json:"activeTrade,omitempty"`
}

// Clone returns a deep copy.
func (s SessionState) Clone() SessionState {
	if s.CooldownUntil != nil {
		cu := *s.CooldownUntil
		s.CooldownUntil = &cu
	}
	s.ActiveTrade = s.ActiveTrade.Clone()
	return s
}
