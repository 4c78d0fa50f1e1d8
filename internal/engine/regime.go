package engine

import (
	"skewhunter/internal/config"
	"skewhunter/internal/model"

	"go.uber.org/zap"
)

// RegimeFor returns the first band whose MaxVIX is at or above vix. A VIX
// above every band falls into the last one.
func RegimeFor(bands []config.VolRegime, vix float64) model.Regime {
	if len(bands) == 0 {
		return model.Regime{Name: "normal", InitialStopPct: 0.35, TrailActivationPct: 0.25, TrailDistancePct: 0.25}
	}
	band := bands[len(bands)-1]
	for _, b := range bands {
		if vix <= b.MaxVIX {
			band = b
			break
		}
	}
	return model.Regime{
		Name:               band.Name,
		InitialStopPct:     band.InitialStopPct,
		TrailActivationPct: band.TrailActivationPct,
		TrailDistancePct:   band.TrailDistancePct,
	}
}

// RegimeTracker logs band transitions as VIX moves.
type RegimeTracker struct {
	logger *zap.Logger
	prev   string
}

// NewRegimeTracker creates a tracker with no prior band.
func NewRegimeTracker(logger *zap.Logger) *RegimeTracker {
	return &RegimeTracker{logger: logger}
}

// Observe returns the band for vix and logs when it differs from the last one.
func (r *RegimeTracker) Observe(bands []config.VolRegime, vix float64) model.Regime {
	reg := RegimeFor(bands, vix)
	if reg.Name != r.prev {
		if r.prev != "" {
			r.logger.Info("vol_regime_changed",
				zap.String("from", r.prev),
				zap.String("to", reg.Name),
				zap.Float64("vix", vix),
			)
		}
		r.prev = reg.Name
	}
	return reg
}
