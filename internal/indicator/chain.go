package indicator

import (
	"skewhunter/internal/model"
)

// pcrWeights weight strikes by distance from ATM in strike steps.
var pcrWeights = []float64{1.0, 0.8, 0.6, 0.4, 0.2}

// weightedPCR is the ATM-weighted put/call OI ratio over ATM±4 steps.
// A zero call side yields the neutral 1.0.
func weightedPCR(chain model.OptionChain, atm, step int) float64 {
	var pe, ce float64
	for i, w := range pcrWeights {
		for _, strike := range mirrored(atm, i*step) {
			q, ok := chain[strike]
			if !ok {
				continue
			}
			pe += q.PE.OI * w
			ce += q.CE.OI * w
		}
	}
	return ratio(pe, ce, 1.0)
}

func mirrored(atm, offset int) []int {
	if offset == 0 {
		return []int{atm}
	}
	return []int{atm - offset, atm + offset}
}

// oiChanges sums OI change for each leg over ATM±2 steps.
func oiChanges(chain model.OptionChain, atm, step int) (ce, pe float64) {
	for i := -2; i <= 2; i++ {
		q, ok := chain[atm+i*step]
		if !ok {
			continue
		}
		ce += q.CE.OIChange
		pe += q.PE.OIChange
	}
	return ce, pe
}

// flowRatio is (ce-pe)/(|ce|+|pe|) in [-1, 1]; balanced or empty flow is 0.
func flowRatio(ce, pe float64) float64 {
	return clamp(ratio(ce-pe, abs(ce)+abs(pe), 0), -1, 1)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// otmStrikes returns the three out-of-the-money strikes for side.
func otmStrikes(atm, step int, side model.Side) []int {
	dir := 1
	if side == model.SidePut {
		dir = -1
	}
	return []int{atm + dir*step, atm + dir*2*step, atm + dir*3*step}
}

// volumeRatio compares OTM against ITM volume of the same leg. No ITM
// volume yields the neutral 1.0.
func volumeRatio(chain model.OptionChain, atm, step int, side model.Side) float64 {
	var otm, itm float64
	for _, s := range otmStrikes(atm, step, side) {
		if q, ok := chain.Quote(s, side); ok {
			otm += q.Volume
		}
	}
	for _, s := range otmStrikes(atm, step, side.Opposite()) {
		if q, ok := chain.Quote(s, side); ok {
			itm += q.Volume
		}
	}
	return ratio(otm, itm, 1.0)
}

// alpha1 scores directional volume and OI flow for side in [0, 1].
// Half comes from OTM volume against near-ATM volume, half from OI build-up
// on the side's own OTM leg plus writing on the opposite leg.
func alpha1(chain model.OptionChain, atm, step int, side model.Side) float64 {
	if len(chain) == 0 {
		return 0.5
	}
	opp := side.Opposite()

	var otmVolume, otmOI, oppWriting float64
	for _, s := range otmStrikes(atm, step, side) {
		if q, ok := chain.Quote(s, side); ok {
			otmVolume += q.Volume
			otmOI += q.OIChange
		}
	}
	for _, s := range otmStrikes(atm, step, opp) {
		if q, ok := chain.Quote(s, opp); ok {
			oppWriting += q.OIChange
		}
	}

	var nearVolume float64
	for i := -1; i <= 1; i++ {
		if q, ok := chain.Quote(atm+i*step, side); ok {
			nearVolume += q.Volume
		}
	}
	avgVolume := nearVolume / 3
	if avgVolume < 1 {
		avgVolume = 1
	}

	atmQ := chain[atm]
	norm := (atmQ.CE.OI + atmQ.PE.OI) * 0.01
	if norm < 10000 {
		norm = 10000
	}

	volumeScore := clamp(otmVolume/avgVolume/3, 0, 1) * 0.5
	flow := max0(otmOI) + max0(oppWriting)
	if side == model.SidePut {
		flow = max0(otmOI + max0(oppWriting))
	}
	oiScore := clamp(flow/norm, 0, 1) * 0.5
	return finite(clamp(volumeScore+oiScore, 0, 1), 0.5)
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// alpha2 scores IV skew in favour of side; missing IVs yield 0.5.
func alpha2(chain model.OptionChain, atm, step int, side model.Side) float64 {
	callIVs := legIVs(chain, otmStrikes(atm, step, model.SideCall), model.SideCall)
	putIVs := legIVs(chain, otmStrikes(atm, step, model.SidePut), model.SidePut)

	atmIV := 15.0
	if q, ok := chain.Quote(atm, side); ok {
		atmIV = q.IV
	}
	if len(callIVs) == 0 || len(putIVs) == 0 || atmIV <= 0 {
		return 0.5
	}

	skew := (sma(callIVs) - sma(putIVs)) / atmIV
	if side == model.SidePut {
		skew = -skew
	}
	return finite(sigmoid(skew*10), 0.5)
}

func legIVs(chain model.OptionChain, strikes []int, side model.Side) []float64 {
	out := make([]float64, 0, len(strikes))
	for _, s := range strikes {
		if q, ok := chain.Quote(s, side); ok && q.IV > 0 {
			out = append(out, q.IV)
		}
	}
	return out
}

// supportResistance picks the max PE OI strike at or below ATM and the max
// CE OI strike at or above ATM within ±500 points. Defaults are ATM∓2 steps.
func supportResistance(chain model.OptionChain, atm, step int) (support, resistance int) {
	support, resistance = atm-2*step, atm+2*step
	var maxPE, maxCE float64
	for _, strike := range chain.Strikes() {
		if strike < atm-500 || strike > atm+500 {
			continue
		}
		q := chain[strike]
		if q.PE.OI > maxPE && strike <= atm {
			maxPE, support = q.PE.OI, strike
		}
		if q.CE.OI > maxCE && strike >= atm {
			maxCE, resistance = q.CE.OI, strike
		}
	}
	return support, resistance
}

// significantOIChange is the per-leg OI change that counts as fresh positioning.
const significantOIChange = 100000

// flowDirection interprets the OI change together with the ATM premium move:
// OI up with premium up is buying, OI up with premium down is writing.
func flowDirection(ce, pe, ceLTP, peLTP, prevCE, prevPE float64) model.FlowDirection {
	ceUp := prevCE > 0 && ceLTP > prevCE
	peUp := prevPE > 0 && peLTP > prevPE

	var bull, bear int
	if ce > significantOIChange {
		if ceUp {
			bull++
		} else {
			bear++
		}
	}
	if pe > significantOIChange {
		if peUp {
			bear++
		} else {
			bull++
		}
	}

	if bull == 0 && bear == 0 {
		switch {
		case ce > pe*1.2:
			return model.FlowBearish
		case pe > ce*1.2:
			return model.FlowBullish
		}
		return model.FlowNeutral
	}
	switch {
	case bull > bear:
		return model.FlowBullish
	case bear > bull:
		return model.FlowBearish
	}
	return model.FlowNeutral
}
