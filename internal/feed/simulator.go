package feed

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"skewhunter/internal/model"
)

// Simulator is a self-contained provider producing a random-walk index with
// a synthetic weekly option chain around it.
type Simulator struct {
	mu        sync.Mutex
	rng       *rand.Rand
	loc       *time.Location
	step      int
	now       func() time.Time
	spot      float64
	prevClose float64
	vix       float64
	tick      int
	oiChange  map[int][2]float64
}

// NewSimulator creates a simulator. A zero seed uses the clock.
func NewSimulator(seed int64, strikeStep int, loc *time.Location) *Simulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		rng:       rand.New(rand.NewSource(seed)),
		loc:       loc,
		step:      strikeStep,
		now:       time.Now,
		spot:      22000,
		prevClose: 22000,
		vix:       14,
		oiChange:  make(map[int][2]float64),
	}
}

func (s *Simulator) Name() string { return "simulated" }

// Quote advances the walk by one tick.
func (s *Simulator) Quote(ctx context.Context) (SpotQuote, error) {
	if err := ctx.Err(); err != nil {
		return SpotQuote{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tick++
	delta := s.rng.NormFloat64() * 0.0008
	wave := math.Sin(float64(s.tick)/20.0) * 0.0002
	s.spot = math.Round(s.spot*(1+delta+wave)*100) / 100
	s.vix = clampF(s.vix+s.rng.NormFloat64()*0.05, 9, 35)

	now := s.now().In(s.loc)
	return SpotQuote{
		Spot:      s.spot,
		ChangePct: (s.spot - s.prevClose) / s.prevClose * 100,
		VIX:       math.Round(s.vix*100) / 100,
		Expiry:    nextExpiry(now).Format("2006-01-02"),
		Time:      now,
	}, nil
}

// Chain prices ATM±10 strikes around the current spot.
func (s *Simulator) Chain(ctx context.Context, expiry string) (model.OptionChain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dte := 3.0
	if exp, err := time.ParseInLocation("2006-01-02", expiry, s.loc); err == nil {
		dte = math.Max(exp.Sub(s.now().In(s.loc)).Hours()/24, 0.25)
	}
	atmTV := s.spot * (s.vix / 100) * math.Sqrt(dte/365) * 0.4
	atm := model.ATMStrike(s.spot, s.step)

	chain := make(model.OptionChain, 21)
	for i := -10; i <= 10; i++ {
		k := atm + i*s.step
		dist := math.Abs(float64(k) - s.spot)
		decay := math.Exp(-dist / (s.spot * 0.01))
		tv := atmTV * decay

		oc := s.oiChange[k]
		oc[0] += s.rng.NormFloat64() * 20000
		oc[1] += s.rng.NormFloat64() * 20000
		s.oiChange[k] = oc

		activity := math.Exp(-dist / float64(10*s.step))
		chain[k] = model.StrikeQuotes{
			CE: s.leg(math.Max(s.spot-float64(k), 0)+tv, activity, oc[0], dist),
			PE: s.leg(math.Max(float64(k)-s.spot, 0)+tv, activity, oc[1], dist),
		}
	}
	return chain, nil
}

func (s *Simulator) leg(price, activity, oiChange, dist float64) model.OptionQuote {
	price = math.Max(roundTick(price), 0.05)
	return model.OptionQuote{
		LTP:      price,
		Bid:      math.Max(roundTick(price*0.997), 0.05),
		Ask:      roundTick(price * 1.003),
		OI:       math.Round(2e6*activity + s.rng.Float64()*5e4),
		OIChange: math.Round(oiChange),
		Volume:   math.Round(8e4*activity*(1+s.rng.Float64()*0.5) + 30000),
		IV:       math.Round((s.vix*(1+0.002*dist/float64(s.step))+s.rng.NormFloat64()*0.3)*100) / 100,
	}
}

// nextExpiry returns the weekly expiry (Tuesday) on or after now.
func nextExpiry(now time.Time) time.Time {
	d := (int(time.Tuesday) - int(now.Weekday()) + 7) % 7
	return time.Date(now.Year(), now.Month(), now.Day()+d, 15, 30, 0, 0, now.Location())
}

func roundTick(v float64) float64 {
	return math.Round(v*20) / 20
}

func clampF(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
