// Package model defines shared data types used across the skewhunter modules.
package model

import "time"

// Side is the option side a trade is taken on.
type Side string

const (
	SideCall Side = "CALL"
	SidePut  Side = "PUT"
)

// OptionType returns the exchange suffix for the side (CE / PE).
func (s Side) OptionType() string {
	if s == SidePut {
		return "PE"
	}
	return "CE"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SidePut {
		return SideCall
	}
	return SidePut
}

// EngineStatus is the scheduling state of the engine loop.
type EngineStatus string

const (
	StatusStopped  EngineStatus = "STOPPED"
	StatusScanning EngineStatus = "SCANNING"
	StatusTrading  EngineStatus = "TRADING"
	StatusHalted   EngineStatus = "HALTED"
)

// ExecutionMode selects how entry/exit decisions are turned into orders.
type ExecutionMode string

const (
	ExecInactive  ExecutionMode = "inactive"
	ExecSimulated ExecutionMode = "simulated"
	ExecReal      ExecutionMode = "real"
)

// SignalPath records which qualification path produced an entry.
type SignalPath string

const (
	PathBuying  SignalPath = "BUYING"
	PathWriting SignalPath = "WRITING"
)

// Trend is the classified spot trend.
type Trend string

const (
	TrendUp       Trend = "UPTREND"
	TrendDown     Trend = "DOWNTREND"
	TrendSideways Trend = "SIDEWAYS"
)

// PCRTrend classifies the put/call ratio against its short moving average.
type PCRTrend string

const (
	PCRRising  PCRTrend = "RISING"
	PCRFalling PCRTrend = "FALLING"
	PCRStable  PCRTrend = "STABLE"
)

// FlowDirection is the interpreted direction of open-interest flow.
type FlowDirection string

const (
	FlowBullish FlowDirection = "BULLISH"
	FlowBearish FlowDirection = "BEARISH"
	FlowNeutral FlowDirection = "NEUTRAL"
)

// ExitReason names the condition that closed a trade.
type ExitReason string

const (
	ExitEmergency        ExitReason = "emergency_exit"
	ExitMTMMaxLoss       ExitReason = "mtm_max_loss"
	ExitTrailingStop     ExitReason = "trailing_stop"
	ExitInitialStop      ExitReason = "initial_stop"
	ExitTime             ExitReason = "time_exit"
	ExitProfitTarget     ExitReason = "profit_target"
	ExitProfitProtection ExitReason = "profit_protection"
	ExitManual           ExitReason = "manual_exit"
	ExitEngineStop       ExitReason = "engine_stop"
	ExitOrphan           ExitReason = "orphan_exit"
)

// PendingState marks a trade whose order is still in flight.
type PendingState string

const (
	PendingNone  PendingState = ""
	PendingEntry PendingState = "ENTRY"
	PendingExit  PendingState = "EXIT"
)

// OrderStatus is the broker-agnostic outcome of an order action.
type OrderStatus string

const (
	OrderFilled      OrderStatus = "FILLED"
	OrderUnconfirmed OrderStatus = "UNCONFIRMED"
	OrderRejected    OrderStatus = "REJECTED"
	OrderNoop        OrderStatus = "NOOP"
)

// RecoveryAction resolves an orphaned trade found at startup.
type RecoveryAction string

const (
	RecoverTrade  RecoveryAction = "RECOVER"
	RecoverExit   RecoveryAction = "EXIT"
	RecoverIgnore RecoveryAction = "IGNORE"
)

// Valid reports whether a is one of the three recovery outcomes.
func (a RecoveryAction) Valid() bool {
	switch a {
	case RecoverTrade, RecoverExit, RecoverIgnore:
		return true
	}
	return false
}

// OrderRef identifies an order at the broker. Tag is the client-side
// correlation id and is known even when the submit call timed out.
type OrderRef struct {
	OrderID string `json:"orderId,omitempty"`
	Tag     string `json:"tag,omitempty"`
}

// OrderResult is returned by every execution mode.
type OrderResult struct {
	Status    OrderStatus `json:"status"`
	Ref       OrderRef    `json:"ref"`
	FillPrice float64     `json:"fillPrice"`
	FillQty   int         `json:"fillQty"`
	Message   string      `json:"message,omitempty"`
}

// WSMessage is the envelope pushed to subscribers.
type WSMessage struct {
	Type      string    `json:"type"` // state, heartbeat
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse is the standard REST API response envelope.
type APIResponse struct {
	OK        bool      `json:"ok"`
	Code      string    `json:"code,omitempty"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
