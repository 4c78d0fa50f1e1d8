package indicator

import "skewhunter/internal/model"

// Rolling window capacities.
const (
	PriceHistoryLen     = 100
	PCRHistoryLen       = 20
	flowHistoryLen      = 20
	directionHistoryLen = 10

	// Persisted tails kept in the Data Cache.
	CachedPriceLen = 20
	CachedPCRLen   = 10
)

// History is the rolling state the pipeline keeps between ticks.
type History struct {
	prices     []float64
	pcr        []float64
	flows      []float64
	directions []model.FlowDirection

	prevCELTP float64
	prevPELTP float64
	prevVIX   float64
}

func push[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if len(s) > limit {
		s = append(s[:0], s[len(s)-limit:]...)
	}
	return s
}

// Prices returns a copy of the spot history.
func (h *History) Prices() []float64 {
	return append([]float64(nil), h.prices...)
}

// PCR returns a copy of the put/call ratio history.
func (h *History) PCR() []float64 {
	return append([]float64(nil), h.pcr...)
}

// persistent reports whether the last n directions agree on a non-neutral
// direction.
func (h *History) persistent(n int) (bool, model.FlowDirection) {
	if n <= 0 || len(h.directions) < n {
		return false, model.FlowNeutral
	}
	last := h.directions[len(h.directions)-n:]
	first := last[0]
	if first == model.FlowNeutral {
		return false, model.FlowNeutral
	}
	for _, d := range last[1:] {
		if d != first {
			return false, model.FlowNeutral
		}
	}
	return true, first
}
