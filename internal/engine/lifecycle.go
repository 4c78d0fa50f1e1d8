package engine

import (
	"fmt"
	"math"
	"time"

	"skewhunter/internal/config"
	"skewhunter/internal/indicator"
	"skewhunter/internal/model"
)

// Lifecycle opens, updates, evaluates and closes the active trade. It holds
// only configuration; trade state lives in the *model.Trade it is handed.
type Lifecycle struct {
	exit   config.ExitConfig
	timing config.TimingConfig
}

// NewLifecycle builds a lifecycle for one config snapshot.
func NewLifecycle(exit config.ExitConfig, timing config.TimingConfig) Lifecycle {
	return Lifecycle{exit: exit, timing: timing}
}

// Open fills the entry fields of t from the fill. The regime of the entry
// VIX is frozen for the initial stop and trail activation.
func (l Lifecycle) Open(t *model.Trade, fillPrice, spot, vix float64, now time.Time) {
	t.EntryPrice = fillPrice
	t.LTP = fillPrice
	t.EntryTime = now
	t.EntryVIX = vix
	t.EntryRegime = RegimeFor(l.exit.VolRegimes, vix)
	t.CurrentRegime = t.EntryRegime.Name
	t.TrailDistance = t.EntryRegime.TrailDistancePct

	t.Direction = 1
	t.TrackSpot = false
	t.EntryRef = fillPrice
	if l.exit.PositionStyle == config.StyleDirectional && spot > 0 {
		t.TrackSpot = true
		t.EntryRef = spot
		if t.Side == model.SidePut {
			t.Direction = -1
		}
	}
	t.RefPrice = t.EntryRef
	t.Highest = t.EntryRef
	t.Lowest = t.EntryRef
	t.Stop = t.EntryRef * (1 - float64(t.Direction)*t.EntryRegime.InitialStopPct)
	t.TrailingActive = false
	t.Pending = model.PendingNone
	t.Warning = ""
}

// Update marks t to market. The stop only ever moves in the trade's favor.
func (l Lifecycle) Update(t *model.Trade, ltp, spot, vix float64) {
	if ltp > 0 {
		t.LTP = ltp
	}
	ref := t.LTP
	if t.TrackSpot {
		ref = spot
	}
	if ref <= 0 {
		return
	}
	t.RefPrice = ref
	t.Highest = math.Max(t.Highest, ref)
	t.Lowest = math.Min(t.Lowest, ref)

	cur := RegimeFor(l.exit.VolRegimes, vix)
	t.CurrentRegime = cur.Name
	t.TrailDistance = cur.TrailDistancePct

	if !t.TrailingActive && t.FavorablePct() >= t.EntryRegime.TrailActivationPct*100 {
		t.TrailingActive = true
	}
	if !t.TrailingActive {
		return
	}
	if t.Direction < 0 {
		if c := t.Lowest * (1 + t.TrailDistance); c < t.Stop {
			t.Stop = c
		}
		return
	}
	if c := t.Highest * (1 - t.TrailDistance); c > t.Stop {
		t.Stop = c
	}
}

// ExitContext is the session view Evaluate needs beyond the trade.
type ExitContext struct {
	Now            time.Time
	DailyPnL       float64
	PeakSessionMTM float64
	ManualExit     bool
	Urgent         bool
}

// Evaluate returns the highest-priority exit condition that holds.
// Min hold suppresses everything below the session loss limit.
func (l Lifecycle) Evaluate(t *model.Trade, c ExitContext) (model.ExitReason, bool) {
	if c.Urgent {
		return model.ExitEmergency, true
	}
	mtm := c.DailyPnL + t.UnrealizedPnL()
	if mtm <= -l.exit.MTMMaxLoss {
		return model.ExitMTMMaxLoss, true
	}
	if c.Now.Sub(t.EntryTime) < l.exit.MinHold {
		return "", false
	}
	if l.stopCrossed(t) {
		if t.TrailingActive {
			return model.ExitTrailingStop, true
		}
		return model.ExitInitialStop, true
	}
	if !c.Now.Before(l.timing.At(c.Now, l.exit.TimeExit)) {
		return model.ExitTime, true
	}
	if t.UnrealizedPnLPct() >= l.exit.ProfitTargetPct {
		return model.ExitProfitTarget, true
	}
	if c.PeakSessionMTM >= l.exit.MTMProtectTrigger && mtm <= c.PeakSessionMTM*l.exit.MTMProtectPct {
		return model.ExitProfitProtection, true
	}
	if c.ManualExit {
		return model.ExitManual, true
	}
	return "", false
}

func (l Lifecycle) stopCrossed(t *model.Trade) bool {
	if t.RefPrice <= 0 || t.Stop <= 0 {
		return false
	}
	if t.Direction < 0 {
		return t.RefPrice >= t.Stop
	}
	return t.RefPrice <= t.Stop
}

// Close finalizes the trade at price.
func (l Lifecycle) Close(t *model.Trade, price float64, reason model.ExitReason, now time.Time) {
	t.LTP = price
	t.ExitPrice = price
	t.ExitTime = &now
	t.ExitReason = reason
	t.PnL = round2((price - t.EntryPrice) * float64(t.Qty))
	if t.EntryPrice > 0 {
		t.PnLPct = round2((price - t.EntryPrice) / t.EntryPrice * 100)
	}
	t.Pending = model.PendingNone
	t.PendingReason = ""
	t.ReversalWarnings = nil
}

// ReversalWarnings lists advisory signs that the move behind t is fading.
func ReversalWarnings(t *model.Trade, set model.IndicatorSet, spot float64) []string {
	var w []string
	entryAlpha := t.EntryIndicators.ForSide(t.Side).Alpha1
	cur := set.ForSide(t.Side).Alpha1
	if t.Side == model.SidePut {
		if set.RSI < 30 {
			w = append(w, fmt.Sprintf("RSI oversold (%.1f)", set.RSI))
		}
		if set.PEOIChange > 5000 && set.CEOIChange < 0 {
			w = append(w, "OI flow reversing")
		}
		if set.Support > 0 && spot <= float64(set.Support)*1.005 {
			w = append(w, fmt.Sprintf("Near support (%.0f vs %d)", spot, set.Support))
		}
		if set.VWAPPosition == indicator.VWAPAbove {
			w = append(w, "Crossed above VWAP")
		}
	} else {
		if set.RSI > 70 {
			w = append(w, fmt.Sprintf("RSI overbought (%.1f)", set.RSI))
		}
		if set.CEOIChange > 5000 && set.PEOIChange < 0 {
			w = append(w, "OI flow reversing")
		}
		if set.Resistance > 0 && spot >= float64(set.Resistance)*0.995 {
			w = append(w, fmt.Sprintf("Near resistance (%.0f vs %d)", spot, set.Resistance))
		}
		if set.VWAPPosition == indicator.VWAPBelow {
			w = append(w, "Crossed below VWAP")
		}
	}
	if entryAlpha > 0 && cur < entryAlpha*0.75 {
		w = append(w, fmt.Sprintf("Alpha deteriorating (%.2f vs %.2f)", cur, entryAlpha))
	}
	return w
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
