package indicator

import (
	"skewhunter/internal/config"
	"skewhunter/internal/model"
)

// factorInput carries what a confluence predicate may look at.
type factorInput struct {
	set  *model.IndicatorSet
	side model.SideIndicators
	mode config.ModeConfig
}

// factor is a named predicate evaluated once per side. Thresholds are
// mirrored for PUT inside the predicate.
type factor struct {
	name  string
	check func(in factorInput, side model.Side) bool
}

var catalogue = []factor{
	{"Alpha1", func(in factorInput, side model.Side) bool {
		return in.side.Alpha1 >= in.mode.Alpha1For(side)
	}},
	{"Alpha2", func(in factorInput, side model.Side) bool {
		return in.side.Alpha2 >= in.mode.Alpha2For(side)
	}},
	{"PCR", func(in factorInput, side model.Side) bool {
		if side == model.SidePut {
			return in.set.PCR < 0.9
		}
		return in.set.PCR > 1.1
	}},
	{"Volume", func(in factorInput, _ model.Side) bool {
		return in.side.VolumeRatio >= in.mode.VolumeRatioThreshold
	}},
	{"Trend", func(in factorInput, side model.Side) bool {
		if side == model.SidePut {
			return in.set.TrendStrength <= 0.4
		}
		return in.set.TrendStrength >= 0.6
	}},
	{"OI_Vel", func(in factorInput, _ model.Side) bool {
		return in.set.OIVelocity >= in.mode.OIVelocityThreshold
	}},
	{"OI_Flow", func(in factorInput, side model.Side) bool {
		ce, pe := in.set.CEOIChange, in.set.PEOIChange
		if side == model.SidePut {
			return ce > pe && ce > 0
		}
		return pe > ce && pe > 0
	}},
}

// FactorNames lists every known confluence factor in evaluation order.
func FactorNames() []string {
	out := make([]string, len(catalogue))
	for i, f := range catalogue {
		out[i] = f.name
	}
	return out
}

// selectFactors keeps the catalogue entries named in enabled, in catalogue
// order. Unknown names are ignored.
func selectFactors(enabled []string) []factor {
	want := make(map[string]bool, len(enabled))
	for _, n := range enabled {
		want[n] = true
	}
	out := make([]factor, 0, len(enabled))
	for _, f := range catalogue {
		if want[f.name] {
			out = append(out, f)
		}
	}
	return out
}

// confluence counts the satisfied factors for side and names them.
func confluence(factors []factor, in factorInput, side model.Side) (int, []string) {
	met := make([]string, 0, len(factors))
	for _, f := range factors {
		if f.check(in, side) {
			met = append(met, f.name)
		}
	}
	return len(met), met
}
