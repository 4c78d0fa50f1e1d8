package engine

import (
	"testing"
	"time"

	"skewhunter/internal/config"
	"skewhunter/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 4, 10, 30, 0, 0, time.FixedZone("IST", 5*3600+1800))

func testExitConfig() config.ExitConfig {
	ec := config.Default().Exit
	ec.ProfitTargetPct = 50
	ec.MinHold = 30 * time.Second
	ec.VolRegimes = []config.VolRegime{
		{Name: "calm", MaxVIX: 15, InitialStopPct: 0.2, TrailActivationPct: 0.1, TrailDistancePct: 0.1},
		{Name: "wild", MaxVIX: 100, InitialStopPct: 0.3, TrailActivationPct: 0.2, TrailDistancePct: 0.2},
	}
	return ec
}

func openCall(lc Lifecycle, price float64) *model.Trade {
	t := &model.Trade{ID: 1, Side: model.SideCall, Qty: 65}
	lc.Open(t, price, 22000, 14, t0)
	return t
}

func TestTrailingStopLocksProfit(t *testing.T) {
	lc := NewLifecycle(testExitConfig(), config.Default().Timing)
	tr := openCall(lc, 100)
	assert.InDelta(t, 80, tr.Stop, 1e-9)
	assert.Equal(t, "calm", tr.EntryRegime.Name)

	lc.Update(tr, 110, 22000, 14)
	assert.True(t, tr.TrailingActive)
	assert.InDelta(t, 99, tr.Stop, 1e-9)

	lc.Update(tr, 130, 22000, 14)
	assert.InDelta(t, 117, tr.Stop, 1e-9)

	lc.Update(tr, 125, 22000, 14)
	assert.InDelta(t, 117, tr.Stop, 1e-9)
	_, fire := lc.Evaluate(tr, ExitContext{Now: t0.Add(time.Minute)})
	assert.False(t, fire)

	lc.Update(tr, 116, 22000, 14)
	reason, fire := lc.Evaluate(tr, ExitContext{Now: t0.Add(2 * time.Minute)})
	require.True(t, fire)
	assert.Equal(t, model.ExitTrailingStop, reason)

	lc.Close(tr, 116, reason, t0.Add(2*time.Minute))
	assert.InDelta(t, 16, tr.PnLPct, 1e-9)
	assert.InDelta(t, 16*65, tr.PnL, 1e-9)
	assert.False(t, tr.Open())
}

func TestTrailDistanceFollowsCurrentRegime(t *testing.T) {
	lc := NewLifecycle(testExitConfig(), config.Default().Timing)
	tr := openCall(lc, 100)

	lc.Update(tr, 120, 22000, 30)
	assert.Equal(t, "wild", tr.CurrentRegime)
	assert.Equal(t, "calm", tr.EntryRegime.Name)
	assert.InDelta(t, 96, tr.Stop, 1e-9)

	// A calmer band tightens the trail, but only upward.
	lc.Update(tr, 120, 22000, 12)
	assert.InDelta(t, 108, tr.Stop, 1e-9)
	lc.Update(tr, 119, 22000, 30)
	assert.InDelta(t, 108, tr.Stop, 1e-9)
}

func TestStopNeverLoosens(t *testing.T) {
	path := []float64{100, 104, 111, 108, 125, 119, 131, 90, 140, 70, 135}

	t.Run("long premium", func(t *testing.T) {
		lc := NewLifecycle(testExitConfig(), config.Default().Timing)
		tr := openCall(lc, 100)
		prev := tr.Stop
		for i, p := range path {
			lc.Update(tr, p, 22000, float64(10+i*3))
			assert.GreaterOrEqual(t, tr.Stop, prev, "tick %d", i)
			prev = tr.Stop
		}
	})

	t.Run("directional put", func(t *testing.T) {
		ec := testExitConfig()
		ec.PositionStyle = config.StyleDirectional
		lc := NewLifecycle(ec, config.Default().Timing)
		tr := &model.Trade{ID: 1, Side: model.SidePut, Qty: 65}
		lc.Open(tr, 100, 22000, 14, t0)
		require.Equal(t, -1, tr.Direction)
		require.True(t, tr.TrackSpot)
		assert.InDelta(t, 22000*1.2, tr.Stop, 1e-6)

		prev := tr.Stop
		for i, p := range path {
			spot := 22000 * (2 - p/100)
			lc.Update(tr, p, spot, float64(10+i*3))
			assert.LessOrEqual(t, tr.Stop, prev, "tick %d", i)
			prev = tr.Stop
		}
		assert.True(t, tr.TrailingActive)
	})
}

func TestEvaluatePriority(t *testing.T) {
	timing := config.Default().Timing
	lc := NewLifecycle(testExitConfig(), timing)

	t.Run("emergency beats everything", func(t *testing.T) {
		tr := openCall(lc, 100)
		lc.Update(tr, 50, 22000, 14)
		reason, fire := lc.Evaluate(tr, ExitContext{Now: t0, Urgent: true, DailyPnL: -10000})
		assert.True(t, fire)
		assert.Equal(t, model.ExitEmergency, reason)
	})

	t.Run("session loss ignores min hold", func(t *testing.T) {
		tr := openCall(lc, 100)
		lc.Update(tr, 70, 22000, 14)
		reason, fire := lc.Evaluate(tr, ExitContext{Now: t0.Add(time.Second), DailyPnL: -3500})
		assert.True(t, fire)
		assert.Equal(t, model.ExitMTMMaxLoss, reason)
	})

	t.Run("min hold suppresses stop", func(t *testing.T) {
		tr := openCall(lc, 100)
		lc.Update(tr, 75, 22000, 14)
		_, fire := lc.Evaluate(tr, ExitContext{Now: t0.Add(10 * time.Second)})
		assert.False(t, fire)
		reason, fire := lc.Evaluate(tr, ExitContext{Now: t0.Add(31 * time.Second)})
		assert.True(t, fire)
		assert.Equal(t, model.ExitInitialStop, reason)
	})

	t.Run("stop beats time exit", func(t *testing.T) {
		tr := openCall(lc, 100)
		lc.Update(tr, 75, 22000, 14)
		late := timing.At(t0, "15:20")
		reason, _ := lc.Evaluate(tr, ExitContext{Now: late})
		assert.Equal(t, model.ExitInitialStop, reason)

		lc.Update(tr, 90, 22000, 14)
		reason, _ = lc.Evaluate(tr, ExitContext{Now: late})
		assert.Equal(t, model.ExitTime, reason)
	})

	t.Run("stop beats profit target", func(t *testing.T) {
		tr := openCall(lc, 100)
		lc.Update(tr, 200, 22000, 14)
		lc.Update(tr, 170, 22000, 14)
		require.InDelta(t, 180, tr.Stop, 1e-9)
		require.GreaterOrEqual(t, tr.UnrealizedPnLPct(), 50.0)

		reason, fire := lc.Evaluate(tr, ExitContext{Now: t0.Add(time.Minute)})
		assert.True(t, fire)
		assert.Equal(t, model.ExitTrailingStop, reason)

		lc.Close(tr, 170, reason, t0.Add(time.Minute))
		assert.InDelta(t, 70, tr.PnLPct, 1e-9)
		assert.Equal(t, model.ExitTrailingStop, tr.ExitReason)
	})

	t.Run("profit target", func(t *testing.T) {
		tr := openCall(lc, 100)
		lc.Update(tr, 151, 22000, 14)
		reason, fire := lc.Evaluate(tr, ExitContext{Now: t0.Add(time.Minute)})
		assert.True(t, fire)
		assert.Equal(t, model.ExitProfitTarget, reason)
	})

	t.Run("profit protection", func(t *testing.T) {
		tr := openCall(lc, 100)
		lc.Update(tr, 102, 22000, 14)
		reason, fire := lc.Evaluate(tr, ExitContext{Now: t0.Add(time.Minute), DailyPnL: 2000, PeakSessionMTM: 6000})
		assert.True(t, fire)
		assert.Equal(t, model.ExitProfitProtection, reason)
	})

	t.Run("manual request waits for min hold", func(t *testing.T) {
		tr := openCall(lc, 100)
		lc.Update(tr, 101, 22000, 14)
		_, fire := lc.Evaluate(tr, ExitContext{Now: t0.Add(5 * time.Second), ManualExit: true})
		assert.False(t, fire)
		reason, fire := lc.Evaluate(tr, ExitContext{Now: t0.Add(time.Minute), ManualExit: true})
		assert.True(t, fire)
		assert.Equal(t, model.ExitManual, reason)
	})
}

func TestRegimeFor(t *testing.T) {
	bands := config.Default().Exit.VolRegimes
	assert.Equal(t, "low", RegimeFor(bands, 11).Name)
	assert.Equal(t, "low", RegimeFor(bands, 12).Name)
	assert.Equal(t, "normal", RegimeFor(bands, 12.5).Name)
	assert.Equal(t, "extreme", RegimeFor(bands, 40).Name)
	assert.Equal(t, "extreme", RegimeFor(bands, 400).Name)
	assert.Equal(t, "normal", RegimeFor(nil, 14).Name)
}

func TestReversalWarnings(t *testing.T) {
	tr := &model.Trade{Side: model.SideCall}
	tr.EntryIndicators.Call.Alpha1 = 0.9
	set := model.IndicatorSet{RSI: 78, CEOIChange: 9000, PEOIChange: -100, Resistance: 22100, VWAPPosition: "BELOW"}
	set.Call.Alpha1 = 0.5

	w := ReversalWarnings(tr, set, 22095)
	assert.Len(t, w, 5)

	assert.Empty(t, ReversalWarnings(tr, model.IndicatorSet{RSI: 50, Call: model.SideIndicators{Alpha1: 0.9}}, 21000))
}
