package engine

import (
	"sync"
	"time"

	"skewhunter/internal/config"
	"skewhunter/internal/model"
)

// StateSnapshot is the published view of one tick. It is built by the
// engine goroutine and never mutated after publication.
type StateSnapshot struct {
	Time           time.Time            `json:"time"`
	Status         model.EngineStatus   `json:"status"`
	Live           bool                 `json:"live"`
	DataAgeSeconds float64              `json:"dataAgeSeconds"`
	Market         model.MarketSnapshot `json:"market"`
	Indicators     model.IndicatorSet   `json:"indicators"`
	Trade          *model.Trade         `json:"trade,omitempty"`
	Session        SessionView          `json:"session"`
	ActiveMode     string               `json:"activeMode"`
	Thresholds     config.ModeConfig    `json:"thresholds"`
	ExecutionMode  model.ExecutionMode  `json:"executionMode,omitempty"`
	Broker         string               `json:"broker,omitempty"`
	Decision       *Decision            `json:"decision,omitempty"`
	Timing         TimingView           `json:"timing"`
	Orphan         *model.Trade         `json:"orphan,omitempty"`
	Halted         string               `json:"halted,omitempty"`
}

// SessionView is the session counters block of a StateSnapshot.
type SessionView struct {
	Date           string     `json:"date"`
	Capital        float64    `json:"capital"`
	TradesToday    int        `json:"tradesToday"`
	MaxTrades      int        `json:"maxTrades"`
	DailyPnL       float64    `json:"dailyPnl"`
	DailyLossLimit float64    `json:"dailyLossLimit"`
	SessionMTM     float64    `json:"sessionMtm"`
	PeakSessionMTM float64    `json:"peakSessionMtm"`
	CooldownUntil  *time.Time `json:"cooldownUntil,omitempty"`
}

// TimingView reports the session clock flags.
type TimingView struct {
	MarketOpen    bool `json:"marketOpen"`
	TradingWindow bool `json:"tradingWindow"`
	Lunch         bool `json:"lunch"`
}

// Store holds the latest published state and the closed-trade history for
// readers outside the engine goroutine.
type Store struct {
	mu      sync.RWMutex
	state   StateSnapshot
	history []model.Trade
	limit   int
}

// NewStore creates a store keeping at most limit closed trades.
func NewStore(limit int) *Store {
	return &Store{limit: limit, state: StateSnapshot{Status: model.StatusStopped}}
}

// SetState replaces the published snapshot.
func (s *Store) SetState(st StateSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// State returns the latest published snapshot.
func (s *Store) State() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetHistory seeds the closed-trade history, oldest first.
func (s *Store) SetHistory(trades []model.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = capTrades(append([]model.Trade(nil), trades...), s.limit)
}

// AddTrade appends a closed trade.
func (s *Store) AddTrade(t model.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = capTrades(append(s.history, t), s.limit)
}

// History returns a copy of the closed trades, oldest first.
func (s *Store) History() []model.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Trade, len(s.history))
	copy(out, s.history)
	return out
}

func capTrades(list []model.Trade, limit int) []model.Trade {
	if limit > 0 && len(list) > limit {
		return list[len(list)-limit:]
	}
	return list
}
