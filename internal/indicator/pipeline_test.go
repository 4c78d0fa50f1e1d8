package indicator

import (
	"math"
	"testing"
	"time"

	"skewhunter/internal/config"
	"skewhunter/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

// flatChain returns ATM±10 strikes with the same quotes on every strike.
func flatChain(atm int, ce, pe model.OptionQuote) model.OptionChain {
	chain := model.OptionChain{}
	for i := -10; i <= 10; i++ {
		chain[atm+i*50] = model.StrikeQuotes{CE: ce, PE: pe}
	}
	return chain
}

func liveSnap(spot float64, chain model.OptionChain, i int) model.MarketSnapshot {
	return model.MarketSnapshot{
		Spot:      spot,
		VIX:       14,
		ATMStrike: model.ATMStrike(spot, 50),
		Chain:     chain,
		Time:      t0.Add(time.Duration(i) * 3 * time.Second),
		Live:      true,
	}
}

func assertFinite(t *testing.T, name string, v float64) {
	t.Helper()
	assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "%s is not finite: %v", name, v)
}

func TestComputeEmptyChainUsesNeutralSentinels(t *testing.T) {
	p := NewPipeline()
	set := p.Compute(liveSnap(22000, nil, 0), config.Default())

	assert.Equal(t, 22000, set.ATMStrike)
	assert.Equal(t, 1.0, set.PCR)
	assert.Equal(t, 0.0, set.OIFlowRatio)
	assert.Equal(t, 0.0, set.OIVelocity)
	assert.Equal(t, 50.0, set.RSI)
	assert.Equal(t, 1.0, set.ATRPct)
	assert.Equal(t, 0.5, set.TrendStrength)
	assert.Equal(t, model.TrendSideways, set.Trend)
	assert.Equal(t, VWAPNeutral, set.VWAPPosition)
	assert.Equal(t, model.FlowNeutral, set.OIDirection)
	assert.Equal(t, 21900, set.Support)
	assert.Equal(t, 22100, set.Resistance)

	for _, si := range []model.SideIndicators{set.Call, set.Put} {
		assert.Equal(t, 0.5, si.Alpha1)
		assert.Equal(t, 0.5, si.Alpha2)
		assert.Equal(t, 1.0, si.VolumeRatio)
		assertFinite(t, "quality", si.Quality)
	}
}

func TestComputeZeroQuotesStayFinite(t *testing.T) {
	p := NewPipeline()
	chain := flatChain(22000, model.OptionQuote{}, model.OptionQuote{})
	var set model.IndicatorSet
	for i := 0; i < 25; i++ {
		set = p.Compute(liveSnap(22000, chain, i), config.Default())
	}
	for name, v := range map[string]float64{
		"pcr": set.PCR, "flow": set.OIFlowRatio, "velocity": set.OIVelocity,
		"rsi": set.RSI, "atr": set.ATRPct, "trend": set.TrendStrength,
		"vwap": set.VWAPDiffPct, "alpha1": set.Call.Alpha1, "alpha2": set.Put.Alpha2,
		"volume": set.Call.VolumeRatio, "quality": set.Put.Quality,
	} {
		assertFinite(t, name, v)
	}
	assert.Equal(t, 1.0, set.PCR)
	assert.Equal(t, 100.0, set.RSI) // flat prices: no losses
}

func TestWeightedPCR(t *testing.T) {
	chain := flatChain(22000, model.OptionQuote{OI: 100}, model.OptionQuote{OI: 200})
	assert.InDelta(t, 2.0, weightedPCR(chain, 22000, 50), 1e-9)

	// only far strikes carry puts: weights favour the ATM calls
	chain = flatChain(22000, model.OptionQuote{OI: 100}, model.OptionQuote{})
	q := chain[22200]
	q.PE.OI = 500
	chain[22200] = q
	assert.InDelta(t, 500*0.2/(100*(1+2*(0.8+0.6+0.4+0.2))), weightedPCR(chain, 22000, 50), 1e-9)
}

func TestOIVelocityOverLookback(t *testing.T) {
	cfg := config.Default()
	p := NewPipeline()

	bearish := flatChain(22000, model.OptionQuote{}, model.OptionQuote{OIChange: 50000})
	bullish := flatChain(22000, model.OptionQuote{OIChange: 50000}, model.OptionQuote{})

	var set model.IndicatorSet
	for i := 0; i < 5; i++ {
		set = p.Compute(liveSnap(22000, bearish, i), cfg)
		assert.Equal(t, 0.0, set.OIVelocity, "insufficient history at tick %d", i)
	}
	assert.Equal(t, -1.0, set.OIFlowRatio)

	set = p.Compute(liveSnap(22000, bullish, 5), cfg)
	assert.Equal(t, 1.0, set.OIFlowRatio)
	assert.InDelta(t, 40.0, set.OIVelocity, 1e-9)
	assert.InDelta(t, 25.0, set.OIActivity, 1e-9)
}

func TestCachedSnapshotsDoNotAdvanceHistory(t *testing.T) {
	p := NewPipeline()
	snap := liveSnap(22000, nil, 0)
	snap.Live = false
	for i := 0; i < 30; i++ {
		p.Compute(snap, config.Default())
	}
	prices, pcr := p.Histories()
	assert.Empty(t, prices)
	assert.Empty(t, pcr)
}

func TestRisingPricesTrendUp(t *testing.T) {
	p := NewPipeline()
	var set model.IndicatorSet
	for i := 0; i < 20; i++ {
		set = p.Compute(liveSnap(22000+float64(i*20), nil, i), config.Default())
	}
	assert.Equal(t, model.TrendUp, set.Trend)
	assert.Greater(t, set.TrendStrength, 0.6)
	assert.Equal(t, 100.0, set.RSI)
	assert.Equal(t, VWAPAbove, set.VWAPPosition)
	assert.Greater(t, set.ATRPct, 0.0)
}

func TestSeedAndHistoriesRoundTrip(t *testing.T) {
	p := NewPipeline()
	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 22000 + float64(i)
	}
	p.Seed(prices, []float64{0.9, 1.0, 1.1})

	gotPrices, gotPCR := p.Histories()
	require.Len(t, gotPrices, CachedPriceLen)
	assert.Equal(t, 22029.0, gotPrices[len(gotPrices)-1])
	assert.Equal(t, []float64{0.9, 1.0, 1.1}, gotPCR)
}

func TestComputeIsDeterministic(t *testing.T) {
	chain := flatChain(22000, model.OptionQuote{LTP: 120, OI: 1e6, OIChange: 2e5, Volume: 5e4, IV: 14},
		model.OptionQuote{LTP: 110, OI: 1.2e6, OIChange: 1e5, Volume: 4e4, IV: 16})
	a, b := NewPipeline(), NewPipeline()
	for i := 0; i < 12; i++ {
		snap := liveSnap(22000+float64(i%3)*10, chain, i)
		assert.Equal(t, a.Compute(snap, config.Default()), b.Compute(snap, config.Default()))
	}
}

func TestPersistentDirection(t *testing.T) {
	h := History{directions: []model.FlowDirection{model.FlowBearish, model.FlowBullish, model.FlowBullish}}
	ok, dir := h.persistent(2)
	assert.True(t, ok)
	assert.Equal(t, model.FlowBullish, dir)

	ok, _ = h.persistent(3)
	assert.False(t, ok)

	h.directions = []model.FlowDirection{model.FlowNeutral, model.FlowNeutral}
	ok, _ = h.persistent(2)
	assert.False(t, ok)
}

func TestFlowDirection(t *testing.T) {
	// call OI up with call premium down: writing, bearish
	assert.Equal(t, model.FlowBearish, flowDirection(200000, 0, 90, 100, 100, 100))
	// put OI up with put premium down: put writing, bullish
	assert.Equal(t, model.FlowBullish, flowDirection(0, 200000, 100, 90, 100, 100))
	// small changes fall back to relative size
	assert.Equal(t, model.FlowBullish, flowDirection(1000, 5000, 0, 0, 0, 0))
	assert.Equal(t, model.FlowNeutral, flowDirection(1000, 1100, 0, 0, 0, 0))
}

func TestConfluenceStrictAlphasBelowThreshold(t *testing.T) {
	mode := config.DefaultModes()[config.ModeStrict]
	set := &model.IndicatorSet{PCR: 1.2, TrendStrength: 0.7, OIVelocity: 20, PEOIChange: 5e5, CEOIChange: 1e5}
	side := model.SideIndicators{Alpha1: 0.75, Alpha2: 0.76, VolumeRatio: 3}

	n, met := confluence(selectFactors(config.DefaultFactors()), factorInput{set: set, side: side, mode: mode}, model.SideCall)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"PCR", "Volume", "Trend", "OI_Vel", "OI_Flow"}, met)

	n, met = confluence(selectFactors(config.DefaultFactors()), factorInput{set: set, side: side, mode: mode}, model.SidePut)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"Volume", "OI_Vel"}, met)
}

func TestConfluenceHonoursEnabledFactors(t *testing.T) {
	cfg := config.Default()
	cfg.Confluence.Factors = []string{"Volume", "Alpha1"}
	set := computeVolumeSkewed(cfg)
	assert.LessOrEqual(t, set.Call.Confluence, 2)
	for _, f := range set.Call.Factors {
		assert.Contains(t, []string{"Alpha1", "Volume"}, f)
	}
	assert.Equal(t, cfg.Confluence.DisplayDenominator, set.ConfluenceDenominator)
	assert.Equal(t, []string{"Alpha1", "Alpha2", "PCR", "Volume", "Trend", "OI_Vel", "OI_Flow"}, FactorNames())
}

func computeVolumeSkewed(cfg *config.Config) model.IndicatorSet {
	chain := flatChain(22000, model.OptionQuote{Volume: 9000}, model.OptionQuote{Volume: 1000})
	return NewPipeline().Compute(liveSnap(22000, chain, 0), cfg)
}

func TestAlphaSkewFavoursRichSide(t *testing.T) {
	chain := flatChain(22000, model.OptionQuote{IV: 15}, model.OptionQuote{IV: 15})
	for _, s := range []int{22050, 22100, 22150} {
		q := chain[s]
		q.CE.IV = 18
		chain[s] = q
	}
	assert.Greater(t, alpha2(chain, 22000, 50, model.SideCall), 0.5)
	assert.Less(t, alpha2(chain, 22000, 50, model.SidePut), 0.5)
}

func TestAlpha1RewardsOTMActivity(t *testing.T) {
	chain := flatChain(22000, model.OptionQuote{Volume: 1000, OI: 1e6}, model.OptionQuote{Volume: 1000, OI: 1e6})
	for _, s := range []int{22050, 22100, 22150} {
		q := chain[s]
		q.CE.Volume = 9000
		chain[s] = q
	}
	atm := chain[22000]
	atm.PE.Volume = 10000
	chain[22000] = atm

	call := alpha1(chain, 22000, 50, model.SideCall)
	put := alpha1(chain, 22000, 50, model.SidePut)
	assert.InDelta(t, 0.5, call, 1e-9)
	assert.InDelta(t, 0.125, put, 1e-9)

	// fresh call OTM build-up adds the OI half
	for _, s := range []int{22050, 22100, 22150} {
		q := chain[s]
		q.CE.OIChange = 20000
		chain[s] = q
	}
	assert.InDelta(t, 1.0, alpha1(chain, 22000, 50, model.SideCall), 1e-9)
}
