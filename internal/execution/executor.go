// Package execution turns entry and exit decisions into orders under one of
// three execution modes: inactive, simulated, or real.
package execution

import (
	"context"
	"fmt"

	"skewhunter/internal/config"
	"skewhunter/internal/model"

	"go.uber.org/zap"
)

// EntryRequest asks to open a position.
type EntryRequest struct {
	Side       model.Side
	Instrument string
	Strike     int
	Expiry     string
	Qty        int
	LTP        float64
}

// ExitRequest asks to close the position.
type ExitRequest struct {
	Side       model.Side
	Instrument string
	Strike     int
	Expiry     string
	Qty        int
	LTP        float64
	Reason     model.ExitReason
}

// Executor places orders. Implementations never return a Go error: the
// outcome is carried in OrderResult.Status.
type Executor interface {
	Mode() model.ExecutionMode
	PlaceEntry(ctx context.Context, req EntryRequest) model.OrderResult
	PlaceExit(ctx context.Context, req ExitRequest) model.OrderResult
	Reconcile(ctx context.Context, ref model.OrderRef) model.OrderResult
}

// Inactive records decisions without placing orders.
type Inactive struct{}

func (Inactive) Mode() model.ExecutionMode { return model.ExecInactive }

func (Inactive) PlaceEntry(_ context.Context, req EntryRequest) model.OrderResult {
	return model.OrderResult{Status: model.OrderNoop, FillPrice: req.LTP, FillQty: req.Qty, Message: "signal only"}
}

func (Inactive) PlaceExit(_ context.Context, req ExitRequest) model.OrderResult {
	return model.OrderResult{Status: model.OrderNoop, FillPrice: req.LTP, FillQty: req.Qty, Message: "signal only"}
}

func (Inactive) Reconcile(_ context.Context, ref model.OrderRef) model.OrderResult {
	return model.OrderResult{Status: model.OrderNoop, Ref: ref}
}

// Simulated fills at the last traded price without any external call.
type Simulated struct{}

func (Simulated) Mode() model.ExecutionMode { return model.ExecSimulated }

func (Simulated) PlaceEntry(_ context.Context, req EntryRequest) model.OrderResult {
	return model.OrderResult{Status: model.OrderFilled, FillPrice: req.LTP, FillQty: req.Qty}
}

func (Simulated) PlaceExit(_ context.Context, req ExitRequest) model.OrderResult {
	return model.OrderResult{Status: model.OrderFilled, FillPrice: req.LTP, FillQty: req.Qty}
}

func (Simulated) Reconcile(_ context.Context, ref model.OrderRef) model.OrderResult {
	return model.OrderResult{Status: model.OrderFilled, Ref: ref}
}

// Factory builds executors for a session.
type Factory struct {
	Config     config.ExecutionConfig
	Underlying string
	Log        *zap.Logger
}

// New builds the executor for mode. Real mode validates the credentials
// against the broker before returning.
func (f Factory) New(ctx context.Context, mode model.ExecutionMode, broker string, creds Credentials) (Executor, error) {
	switch mode {
	case model.ExecInactive:
		return Inactive{}, nil
	case model.ExecSimulated:
		return Simulated{}, nil
	case model.ExecReal:
		b, err := f.Broker(broker, creds)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, f.Config.CallTimeout)
		defer cancel()
		if _, err := b.Validate(ctx); err != nil {
			return nil, fmt.Errorf("validating %s credentials: %w", broker, err)
		}
		return NewReal(b, f.Config, f.Underlying, f.Log), nil
	}
	return nil, fmt.Errorf("unknown execution mode %q", mode)
}

// Broker builds the named broker client from the factory config.
func (f Factory) Broker(name string, creds Credentials) (Broker, error) {
	base := f.Config.UpstoxURL
	if name == BrokerDhan {
		base = f.Config.DhanURL
	}
	return NewBroker(name, creds, base, f.Config.CallTimeout)
}

// ValidateCredentials checks creds against the broker.
func (f Factory) ValidateCredentials(ctx context.Context, broker string, creds Credentials) (Identity, error) {
	b, err := f.Broker(broker, creds)
	if err != nil {
		return Identity{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.Config.CallTimeout)
	defer cancel()
	return b.Validate(ctx)
}
