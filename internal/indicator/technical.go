package indicator

import (
	"math"

	"skewhunter/internal/model"
)

const (
	rsiPeriod    = 14
	atrPeriod    = 14
	trendWindow  = 20
	vwapWindow   = 20
	vwapMinBars  = 5
	vwapBandPct  = 0.3
	pcrBandDelta = 0.03
)

// VWAP positions relative to the spot proxy.
const (
	VWAPAbove   = "ABOVE"
	VWAPBelow   = "BELOW"
	VWAPAt      = "AT"
	VWAPNeutral = "NEUTRAL"
)

// rsi is Wilder's RSI over the price history. Short history is neutral 50.
func rsi(prices []float64) float64 {
	if len(prices) < rsiPeriod+1 {
		return 50
	}
	var gain, loss float64
	for i := 1; i <= rsiPeriod; i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / rsiPeriod
	avgLoss := loss / rsiPeriod
	for i := rsiPeriod + 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*(rsiPeriod-1) + g) / rsiPeriod
		avgLoss = (avgLoss*(rsiPeriod-1) + l) / rsiPeriod
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return finite(100-100/(1+rs), 50)
}

// atrPct approximates ATR from close-to-close ranges as a percent of the
// last price. Short history defaults to 1%.
func atrPct(prices []float64) float64 {
	if len(prices) < atrPeriod+1 {
		return 1.0
	}
	window := prices[len(prices)-atrPeriod-1:]
	var sum float64
	for i := 1; i < len(window); i++ {
		sum += math.Abs(window[i] - window[i-1])
	}
	last := prices[len(prices)-1]
	return ratio(sum/atrPeriod*100, last, 1.0)
}

// trendStrength maps the normalised regression slope of recent prices
// into [0, 1]; 0.5 means no trend.
func trendStrength(prices []float64) float64 {
	if len(prices) < trendWindow {
		return 0.5
	}
	window := tail(prices, trendWindow)
	mean := sma(window)
	if mean == 0 {
		return 0.5
	}
	return finite(sigmoid(slope(window)/mean*1000), 0.5)
}

func classifyTrend(strength float64) model.Trend {
	switch {
	case strength > 0.6:
		return model.TrendUp
	case strength < 0.4:
		return model.TrendDown
	}
	return model.TrendSideways
}

// vwapPosition compares spot with a simple average of recent prices.
func vwapPosition(prices []float64, spot float64) (string, float64) {
	if len(prices) < vwapMinBars || spot <= 0 {
		return VWAPNeutral, 0
	}
	vwap := sma(tail(prices, vwapWindow))
	diff := ratio((spot-vwap)*100, vwap, 0)
	switch {
	case diff > vwapBandPct:
		return VWAPAbove, diff
	case diff < -vwapBandPct:
		return VWAPBelow, diff
	}
	return VWAPAt, diff
}

// pcrTrend compares the current ratio with the average of the preceding
// lookback ratios.
func pcrTrend(history []float64, lookback int) (model.PCRTrend, float64, float64) {
	if len(history) == 0 {
		return model.PCRStable, 1.0, 0
	}
	current := history[len(history)-1]
	prior := history[:len(history)-1]
	if len(prior) < lookback {
		return model.PCRStable, current, 0
	}
	window := tail(prior, lookback)
	avg := sma(window)
	change := current - window[0]
	switch {
	case current > avg+pcrBandDelta:
		return model.PCRRising, avg, change
	case current < avg-pcrBandDelta:
		return model.PCRFalling, avg, change
	}
	return model.PCRStable, avg, change
}

// oiVelocity is the absolute change of the flow ratio per bar over the
// lookback, in percent. Too little history yields 0.
func oiVelocity(flows []float64, lookback int) float64 {
	if lookback <= 0 || len(flows) <= lookback {
		return 0
	}
	now := flows[len(flows)-1]
	then := flows[len(flows)-1-lookback]
	return finite(math.Abs(now-then)/float64(lookback)*100, 0)
}

// qualityScore blends the per-side scores into 0..100.
func qualityScore(a1, a2, volRatio, velocity, strength float64) float64 {
	score := a1*25 +
		a2*25 +
		math.Min(volRatio/3, 1)*20 +
		math.Min(velocity/15, 1)*15 +
		strength*15
	return finite(clamp(score, 0, 100), 0)
}

// volatilityPct is the percent VIX rise since the previous tick; falls read as 0.
func volatilityPct(vix, prev float64) float64 {
	if prev <= 0 || vix <= 0 {
		return 0
	}
	return max0(finite((vix-prev)/prev*100, 0))
}
