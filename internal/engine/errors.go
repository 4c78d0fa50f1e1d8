package engine

import (
	"errors"
	"fmt"
)

// ErrTradeActive is returned when an entry is attempted while a trade is open.
var ErrTradeActive = errors.New("trade already active")

// Code is the machine-readable outcome of a control call.
type Code string

const (
	CodeOK                 Code = "OK"
	CodeAlreadyRunning     Code = "ALREADY_RUNNING"
	CodeNotRunning         Code = "NOT_RUNNING"
	CodeTradeActive        Code = "TRADE_ACTIVE"
	CodeNoActiveTrade      Code = "NO_ACTIVE_TRADE"
	CodeInvalidMode        Code = "INVALID_MODE"
	CodeInvalidConfig      Code = "INVALID_CONFIG"
	CodeOrphanPending      Code = "ORPHAN_PENDING"
	CodeNoOrphan           Code = "NO_ORPHAN"
	CodeInvalidAction      Code = "INVALID_ACTION"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeHalted             Code = "HALTED"
	CodeUnavailable        Code = "UNAVAILABLE"
)

// Result is returned by every control call.
type Result struct {
	OK      bool   `json:"ok"`
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ok(msg string, data any) Result {
	return Result{OK: true, Code: CodeOK, Message: msg, Data: data}
}

func fail(code Code, format string, args ...any) Result {
	return Result{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Err returns the result as an error, nil when OK.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &ControlError{Code: r.Code, Message: r.Message}
}

// ControlError carries a rejected control call's code.
type ControlError struct {
	Code    Code
	Message string
}

func (e *ControlError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
