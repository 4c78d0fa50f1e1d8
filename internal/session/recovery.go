package session

import (
	"sync"

	"skewhunter/internal/model"
)

// Recovery holds an orphaned trade found at startup until it is resolved.
// It can be taken exactly once.
type Recovery struct {
	mu     sync.Mutex
	orphan *model.Trade
}

// NewRecovery wraps the active trade loaded from disk, if any.
func NewRecovery(st model.SessionState) *Recovery {
	r := &Recovery{}
	if st.ActiveTrade.Open() {
		r.orphan = st.ActiveTrade.Clone()
	}
	return r
}

// Pending returns a copy of the unresolved orphan, or nil.
func (r *Recovery) Pending() *model.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orphan.Clone()
}

// Take consumes the orphan. The second call reports false.
func (r *Recovery) Take() (*model.Trade, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.orphan == nil {
		return nil, false
	}
	t := r.orphan
	r.orphan = nil
	return t, true
}
