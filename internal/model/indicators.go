package model

import "time"

// SideIndicators are the per-side scores of an IndicatorSet.
type SideIndicators struct {
	Alpha1      float64  `json:"alpha1"`
	Alpha2      float64  `json:"alpha2"`
	Quality     float64  `json:"quality"`
	VolumeRatio float64  `json:"volumeRatio"`
	Confluence  int      `json:"confluence"`
	Factors     []string `json:"factors"`
}

// IndicatorSet is derived from one MarketSnapshot plus rolling history.
// It is replaced every tick, never mutated.
type IndicatorSet struct {
	ATMStrike   int      `json:"atmStrike"`
	PCR         float64  `json:"pcr"`
	PCRAverage  float64  `json:"pcrAverage"`
	PCRTrend    PCRTrend `json:"pcrTrend"`
	PCRChange   float64  `json:"pcrChange"`
	CEOIChange  float64  `json:"ceOiChange"`
	PEOIChange  float64  `json:"peOiChange"`
	OIFlowRatio float64  `json:"oiFlowRatio"`
	OIVelocity  float64  `json:"oiVelocity"`
	OIActivity  float64  `json:"oiActivity"`

	OIDirection         FlowDirection `json:"oiDirection"`
	OIPersistent        bool          `json:"oiPersistent"`
	PersistentDirection FlowDirection `json:"persistentDirection"`

	Call SideIndicators `json:"call"`
	Put  SideIndicators `json:"put"`

	RSI           float64 `json:"rsi"`
	ATRPct        float64 `json:"atrPct"`
	Trend         Trend   `json:"trend"`
	TrendStrength float64 `json:"trendStrength"`
	VWAPPosition  string  `json:"vwapPosition"`
	VWAPDiffPct   float64 `json:"vwapDiffPct"`
	Support       int     `json:"support"`
	Resistance    int     `json:"resistance"`
	VolatilityPct float64 `json:"volatilityPct"`

	ConfluenceDenominator int       `json:"confluenceDenominator"`
	Time                  time.Time `json:"time"`
}

// ForSide returns the per-side block.
func (s IndicatorSet) ForSide(side Side) SideIndicators {
	if side == SidePut {
		return s.Put
	}
	return s.Call
}
