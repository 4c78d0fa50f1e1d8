package engine

import (
	"fmt"
	"math"
	"strings"
	"time"

	"skewhunter/internal/config"
	"skewhunter/internal/model"
)

// Gate names recorded in Decision.Blocked.
const (
	GateMaxTrades     = "max_trades"
	GateDailyLoss     = "daily_loss"
	GateCooldown      = "cooldown"
	GateTradingWindow = "trading_window"
	GateLunch         = "lunch"
	GateVIXFloor      = "vix_floor"
	GateVIXCeiling    = "vix_ceiling"
	GateStaleData     = "stale_data"
)

// Fixed thresholds of the writing-flow path.
const (
	writingFlowRatio  = 0.35
	writingMinAlpha1  = 0.50
	writingMinQuality = 70
)

// DecisionInput is everything Decide looks at for one tick.
type DecisionInput struct {
	Set      model.IndicatorSet
	Snapshot model.MarketSnapshot
	Config   *config.Config
	Session  model.SessionState
	Capital  float64
	Now      time.Time
}

// Decision is the outcome of one entry evaluation. When Enter is false,
// Blocked names the gates or filters that stopped it.
type Decision struct {
	Enter      bool             `json:"enter"`
	Side       model.Side       `json:"side,omitempty"`
	Strike     int              `json:"strike,omitempty"`
	Instrument string           `json:"instrument,omitempty"`
	LTP        float64          `json:"ltp,omitempty"`
	Qty        int              `json:"qty,omitempty"`
	SignalPath model.SignalPath `json:"signalPath,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
	Blocked    []string         `json:"blocked,omitempty"`
}

// Decide evaluates the entry rules. It is pure: the same input always
// yields the same decision.
func Decide(in DecisionInput) Decision {
	cfg := in.Config
	if blocked := gates(in); len(blocked) > 0 {
		return Decision{Blocked: blocked}
	}

	mode := cfg.ActiveModeConfig()
	callPath, callOK := qualify(in.Set, model.SideCall, mode, cfg.Filters)
	putPath, putOK := qualify(in.Set, model.SidePut, mode, cfg.Filters)

	var side model.Side
	var path model.SignalPath
	switch {
	case callOK && putOK:
		c, p := in.Set.Call, in.Set.Put
		switch {
		case c.Confluence > p.Confluence, c.Confluence == p.Confluence && c.Quality > p.Quality:
			side, path = model.SideCall, callPath
		case p.Confluence > c.Confluence, p.Quality > c.Quality:
			side, path = model.SidePut, putPath
		default:
			return Decision{Blocked: []string{"ambiguous"}}
		}
	case callOK:
		side, path = model.SideCall, callPath
	case putOK:
		side, path = model.SidePut, putPath
	default:
		return Decision{Blocked: []string{"no_signal"}}
	}

	strike := OptimalStrike(in.Set.ATMStrike, side, in.Snapshot.VIX, daysToExpiry(in.Snapshot.Expiry, in.Now, cfg.Timing.Loc()))
	quote, found := in.Snapshot.Chain.Quote(strike, side)
	if !found {
		return Decision{Side: side, Strike: strike, Blocked: []string{"no_quote"}}
	}
	if blocked := instrumentFilters(quote, in.Set, side, cfg.Filters); len(blocked) > 0 {
		return Decision{Side: side, Strike: strike, LTP: quote.LTP, Blocked: blocked}
	}

	return Decision{
		Enter:      true,
		Side:       side,
		Strike:     strike,
		Instrument: Instrument(cfg.App.Underlying, in.Snapshot.Expiry, strike, side),
		LTP:        quote.LTP,
		Qty:        positionQty(cfg, in.Capital, quote.LTP, in.Snapshot.VIX),
		SignalPath: path,
		Confidence: confidence(in.Set, side, path),
	}
}

func gates(in DecisionInput) []string {
	cfg, st, now := in.Config, in.Session, in.Now
	var blocked []string
	if st.TradesToday >= cfg.Risk.MaxTradesPerDay {
		blocked = append(blocked, GateMaxTrades)
	}
	if st.DailyPnL <= -in.Capital*cfg.Risk.DailyLossLimitPct/100 {
		blocked = append(blocked, GateDailyLoss)
	}
	if st.CooldownUntil != nil && now.Before(*st.CooldownUntil) {
		blocked = append(blocked, GateCooldown)
	}
	if !cfg.Timing.InTradingWindow(now) {
		blocked = append(blocked, GateTradingWindow)
	}
	if cfg.Timing.InLunch(now) {
		blocked = append(blocked, GateLunch)
	}
	vix := in.Snapshot.VIX
	if cfg.Filters.MinVIX > 0 && vix < cfg.Filters.MinVIX {
		blocked = append(blocked, GateVIXFloor)
	}
	if cfg.Filters.MaxVIX > 0 && vix > cfg.Filters.MaxVIX {
		blocked = append(blocked, GateVIXCeiling)
	}
	if !in.Snapshot.Live {
		blocked = append(blocked, GateStaleData)
	}
	return blocked
}

// qualify checks the buying path first, then the writing path.
func qualify(set model.IndicatorSet, side model.Side, mode config.ModeConfig, f config.FilterConfig) (model.SignalPath, bool) {
	if buyingQualified(set, side, mode) {
		return model.PathBuying, true
	}
	if writingQualified(set, side, mode, f) {
		return model.PathWriting, true
	}
	return "", false
}

func buyingQualified(set model.IndicatorSet, side model.Side, mode config.ModeConfig) bool {
	s := set.ForSide(side)
	if s.Alpha1 < mode.Alpha1For(side) || s.Alpha2 < mode.Alpha2For(side) {
		return false
	}
	if s.Quality < mode.MinQualityScore || s.VolumeRatio < mode.VolumeRatioThreshold || s.Confluence < mode.MinConfluence {
		return false
	}
	if side == model.SidePut {
		return set.PCR > 1.05 &&
			set.Trend != model.TrendUp &&
			set.RSI > 25 &&
			!(set.OIPersistent && set.PersistentDirection == model.FlowBullish)
	}
	return set.PCR < 0.95 &&
		set.Trend != model.TrendDown &&
		set.RSI < 75 &&
		!(set.OIPersistent && set.PersistentDirection == model.FlowBearish)
}

// writingQualified looks for heavy writing on the opposite leg: PE writing
// supports a CALL, CE writing a PUT. Trend is not checked.
func writingQualified(set model.IndicatorSet, side model.Side, mode config.ModeConfig, f config.FilterConfig) bool {
	s := set.ForSide(side)
	if set.OIVelocity < mode.OIVelocityThreshold || s.Alpha1 < writingMinAlpha1 || s.Quality < writingMinQuality {
		return false
	}
	if side == model.SidePut {
		return set.OIFlowRatio > writingFlowRatio &&
			set.PCR < 1.0 &&
			set.CEOIChange > f.MinOIChangeWriting &&
			set.RSI > 25
	}
	return set.OIFlowRatio < -writingFlowRatio &&
		set.PCR > 1.0 &&
		set.PEOIChange > f.MinOIChangeWriting &&
		set.RSI < 75
}

// OptimalStrike offsets the ATM strike out of the money: none within a day
// of expiry, 100 points in normal volatility, 50 otherwise.
func OptimalStrike(atm int, side model.Side, vix float64, dte int) int {
	offset := 50
	switch {
	case dte <= 1:
		offset = 0
	case vix >= 13 && vix < 18:
		offset = 100
	}
	if side == model.SidePut {
		return atm - offset
	}
	return atm + offset
}

func daysToExpiry(expiry string, now time.Time, loc *time.Location) int {
	exp, err := time.ParseInLocation("2006-01-02", expiry, loc)
	if err != nil {
		return 5
	}
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	days := int(math.Round(exp.Sub(today).Hours() / 24))
	if days < 0 {
		return 0
	}
	return days
}

func instrumentFilters(q model.OptionQuote, set model.IndicatorSet, side model.Side, f config.FilterConfig) []string {
	var blocked []string
	if q.LTP < f.MinOptionPrice || q.LTP > f.MaxOptionPrice {
		blocked = append(blocked, "price")
	}
	if q.Volume < f.MinVolume {
		blocked = append(blocked, "volume")
	}
	if !spreadAcceptable(q, f.MaxSpreadPct) {
		blocked = append(blocked, "spread")
	}
	if f.MinTrendStrength > 0 {
		strength := set.TrendStrength
		if side == model.SidePut {
			strength = 1 - strength
		}
		if strength < f.MinTrendStrength {
			blocked = append(blocked, "trend_strength")
		}
	}
	return blocked
}

func spreadAcceptable(q model.OptionQuote, maxPct float64) bool {
	if q.Bid <= 0 || q.Ask <= 0 {
		return false
	}
	mid := (q.Bid + q.Ask) / 2
	return (q.Ask-q.Bid)/mid*100 <= maxPct
}

// positionQty sizes the order in contracts. Lots are cut when the initial
// stop would risk more than MaxRiskPerTradePct of capital, never below one.
func positionQty(cfg *config.Config, capital, ltp, vix float64) int {
	lots := cfg.Risk.PositionSizeLots
	perLot := ltp * RegimeFor(cfg.Exit.VolRegimes, vix).InitialStopPct * float64(cfg.Risk.LotSize)
	if perLot > 0 && capital > 0 {
		budget := capital * cfg.Risk.MaxRiskPerTradePct / 100
		if fit := int(budget / perLot); fit < lots {
			lots = max(fit, 1)
		}
	}
	return lots * cfg.Risk.LotSize
}

func confidence(set model.IndicatorSet, side model.Side, path model.SignalPath) float64 {
	s := set.ForSide(side)
	var c float64
	if path == model.PathWriting {
		c = math.Abs(set.OIFlowRatio)*40 +
			math.Min(set.OIVelocity/100, 1)*35 +
			math.Min(s.Quality/100, 1)*25
	} else {
		strength := set.TrendStrength
		if side == model.SidePut {
			strength = 1 - strength
		}
		c = s.Alpha1*50 + s.Alpha2*30 + math.Min(strength, 1)*20
	}
	return math.Round(math.Min(c, 100)*10) / 10
}

// Instrument renders the display name, e.g. "NIFTY 20260310 22050 CE".
func Instrument(underlying, expiry string, strike int, side model.Side) string {
	return fmt.Sprintf("%s %s %d %s", underlying, strings.ReplaceAll(expiry, "-", ""), strike, side.OptionType())
}
