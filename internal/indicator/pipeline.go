// Package indicator derives the per-tick IndicatorSet from a market snapshot
// and the rolling history it keeps between ticks.
package indicator

import (
	"sync"

	"skewhunter/internal/config"
	"skewhunter/internal/model"
)

// Pipeline computes indicators. Apart from History it holds no state, so
// identical snapshot sequences yield identical outputs.
type Pipeline struct {
	mu   sync.Mutex
	hist History
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Seed restores spot and PCR history, typically from the Data Cache.
func (p *Pipeline) Seed(prices, pcr []float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range tail(prices, PriceHistoryLen) {
		p.hist.prices = push(p.hist.prices, v, PriceHistoryLen)
	}
	for _, v := range tail(pcr, PCRHistoryLen) {
		p.hist.pcr = push(p.hist.pcr, v, PCRHistoryLen)
	}
}

// Histories returns the tails persisted to the Data Cache.
func (p *Pipeline) Histories() (prices, pcr []float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), tail(p.hist.prices, CachedPriceLen)...),
		append([]float64(nil), tail(p.hist.pcr, CachedPCRLen)...)
}

// Compute derives the IndicatorSet for snap. Rolling windows only advance on
// live snapshots so replayed cache data does not skew the history.
func (p *Pipeline) Compute(snap model.MarketSnapshot, cfg *config.Config) model.IndicatorSet {
	p.mu.Lock()
	defer p.mu.Unlock()

	step := cfg.App.StrikeStep
	mode := cfg.ActiveModeConfig()
	lookback := cfg.Confluence.PCRLookback
	chain := snap.Chain

	atm := snap.ATMStrike
	if atm == 0 {
		atm = model.ATMStrike(snap.Spot, step)
	}

	set := model.IndicatorSet{
		ATMStrike:             atm,
		PCR:                   weightedPCR(chain, atm, step),
		ConfluenceDenominator: cfg.Confluence.DisplayDenominator,
		Time:                  snap.Time,
	}
	set.CEOIChange, set.PEOIChange = oiChanges(chain, atm, step)
	set.OIFlowRatio = flowRatio(set.CEOIChange, set.PEOIChange)
	set.OIActivity = (abs(set.CEOIChange) + abs(set.PEOIChange)) / 10000

	atmQ := chain[atm]
	h := &p.hist
	if snap.Live {
		if snap.Spot > 0 {
			h.prices = push(h.prices, snap.Spot, PriceHistoryLen)
		}
		h.pcr = push(h.pcr, set.PCR, PCRHistoryLen)
		h.flows = push(h.flows, set.OIFlowRatio, flowHistoryLen)

		dir := flowDirection(set.CEOIChange, set.PEOIChange, atmQ.CE.LTP, atmQ.PE.LTP, h.prevCELTP, h.prevPELTP)
		h.directions = push(h.directions, dir, directionHistoryLen)
		if atmQ.CE.LTP > 0 {
			h.prevCELTP = atmQ.CE.LTP
		}
		if atmQ.PE.LTP > 0 {
			h.prevPELTP = atmQ.PE.LTP
		}
	}

	set.OIDirection = model.FlowNeutral
	if n := len(h.directions); n > 0 {
		set.OIDirection = h.directions[n-1]
	}
	set.OIPersistent, set.PersistentDirection = h.persistent(mode.OIPersistenceBars)
	set.PCRTrend, set.PCRAverage, set.PCRChange = pcrTrend(h.pcr, lookback)
	set.OIVelocity = oiVelocity(h.flows, lookback)

	set.RSI = rsi(h.prices)
	set.ATRPct = atrPct(h.prices)
	set.TrendStrength = trendStrength(h.prices)
	set.Trend = classifyTrend(set.TrendStrength)
	set.VWAPPosition, set.VWAPDiffPct = vwapPosition(h.prices, snap.Spot)
	set.Support, set.Resistance = supportResistance(chain, atm, step)

	set.VolatilityPct = volatilityPct(snap.VIX, h.prevVIX)
	if snap.Live && snap.VIX > 0 {
		h.prevVIX = snap.VIX
	}

	factors := selectFactors(cfg.Confluence.Factors)
	set.Call = p.side(&set, chain, atm, step, model.SideCall, mode, factors)
	set.Put = p.side(&set, chain, atm, step, model.SidePut, mode, factors)
	return set
}

func (p *Pipeline) side(set *model.IndicatorSet, chain model.OptionChain, atm, step int,
	side model.Side, mode config.ModeConfig, factors []factor) model.SideIndicators {

	si := model.SideIndicators{
		Alpha1:      alpha1(chain, atm, step, side),
		Alpha2:      alpha2(chain, atm, step, side),
		VolumeRatio: volumeRatio(chain, atm, step, side),
	}
	strength := set.TrendStrength
	if side == model.SidePut {
		strength = 1 - strength
	}
	si.Quality = qualityScore(si.Alpha1, si.Alpha2, si.VolumeRatio, set.OIVelocity, strength)
	si.Confluence, si.Factors = confluence(factors, factorInput{set: set, side: si, mode: mode}, side)
	return si
}
