package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"skewhunter/internal/config"
	"skewhunter/internal/model"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Real places orders at a broker. Calls are bounded by a per-call timeout,
// retried with exponential backoff on transient faults and guarded by a
// circuit breaker. Every order carries a client tag so a submit that timed
// out is looked up before it is sent again.
type Real struct {
	broker     Broker
	cb         *gobreaker.CircuitBreaker
	cfg        config.ExecutionConfig
	underlying string
	log        *zap.Logger

	newTag func() string
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// NewReal wraps broker.
func NewReal(broker Broker, cfg config.ExecutionConfig, underlying string, log *zap.Logger) *Real {
	r := &Real{
		broker:     broker,
		cfg:        cfg,
		underlying: underlying,
		log:        log.With(zap.String("broker", broker.Name())),
		newTag:     newOrderTag,
		sleep:      sleepCtx,
		now:        time.Now,
	}
	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "broker-" + broker.Name(),
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !transient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("breaker_state_change", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return r
}

func (r *Real) Mode() model.ExecutionMode { return model.ExecReal }

func (r *Real) PlaceEntry(ctx context.Context, req EntryRequest) model.OrderResult {
	order := BrokerOrder{
		Symbol: TradingSymbol(r.underlying, req.Expiry, req.Strike, req.Side),
		Side:   req.Side, Strike: req.Strike, Expiry: req.Expiry,
		Qty: req.Qty, Transaction: "BUY", Price: req.LTP, Product: r.cfg.ProductType,
	}
	res := r.place(ctx, order)
	if res.Status != model.OrderUnconfirmed || res.Ref.OrderID == "" {
		return res
	}

	// An entry that never filled is cancelled so it cannot fill later unseen.
	if err := r.call(ctx, func(c context.Context) error { return r.broker.CancelOrder(c, res.Ref.OrderID) }); err != nil {
		r.log.Warn("entry_cancel_failed", zap.String("order_id", res.Ref.OrderID), zap.Error(err))
		return res
	}
	after := r.Reconcile(ctx, res.Ref)
	if after.Status == model.OrderFilled {
		return after
	}
	return model.OrderResult{Status: model.OrderRejected, Ref: res.Ref, Message: "entry not filled in time, cancelled"}
}

func (r *Real) PlaceExit(ctx context.Context, req ExitRequest) model.OrderResult {
	return r.place(ctx, BrokerOrder{
		Symbol: TradingSymbol(r.underlying, req.Expiry, req.Strike, req.Side),
		Side:   req.Side, Strike: req.Strike, Expiry: req.Expiry,
		Qty: req.Qty, Transaction: "SELL", Price: req.LTP, Product: r.cfg.ProductType,
	})
}

// Reconcile queries the order once and maps it to a result.
func (r *Real) Reconcile(ctx context.Context, ref model.OrderRef) model.OrderResult {
	var st BrokerStatus
	err := r.call(ctx, func(c context.Context) error {
		var err error
		st, err = r.broker.OrderStatus(c, ref)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) && ref.OrderID == "" {
			return model.OrderResult{Status: model.OrderRejected, Ref: ref, Message: "order never reached broker"}
		}
		return model.OrderResult{Status: model.OrderUnconfirmed, Ref: ref, Message: err.Error()}
	}
	if ref.OrderID == "" {
		ref.OrderID = st.OrderID
	}
	return statusResult(ref, st)
}

func (r *Real) place(ctx context.Context, order BrokerOrder) model.OrderResult {
	order.Tag = r.newTag()
	ref, err := r.submit(ctx, order)
	if err != nil {
		if errors.Is(err, errUnknownOutcome) {
			return model.OrderResult{Status: model.OrderUnconfirmed, Ref: ref, Message: err.Error()}
		}
		r.log.Warn("order_rejected", zap.String("tag", order.Tag), zap.String("symbol", order.Symbol), zap.Error(err))
		return model.OrderResult{Status: model.OrderRejected, Ref: ref, Message: err.Error()}
	}
	r.log.Info("order_submitted",
		zap.String("order_id", ref.OrderID),
		zap.String("tag", ref.Tag),
		zap.String("symbol", order.Symbol),
		zap.String("transaction", order.Transaction),
		zap.Int("qty", order.Qty),
	)
	return r.awaitFill(ctx, ref)
}

var errUnknownOutcome = errors.New("order outcome unknown")

// submit sends the order, retrying transient faults. Before each resend the
// tag is looked up, so a request that timed out after reaching the broker
// is not duplicated.
func (r *Real) submit(ctx context.Context, order BrokerOrder) (model.OrderRef, error) {
	ref := model.OrderRef{Tag: order.Tag}
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		var id string
		err := r.call(ctx, func(c context.Context) error {
			var err error
			id, err = r.broker.PlaceOrder(c, order)
			return err
		})
		if err == nil {
			ref.OrderID = id
			return ref, nil
		}
		if !transient(err) {
			return ref, err
		}
		lastErr = err

		var st BrokerStatus
		lookupErr := r.call(ctx, func(c context.Context) error {
			var err error
			st, err = r.broker.OrderStatus(c, ref)
			return err
		})
		if lookupErr == nil {
			ref.OrderID = st.OrderID
			return ref, nil
		}
		if !errors.Is(lookupErr, ErrOrderNotFound) {
			// Cannot tell whether the order landed; resending risks a duplicate.
			return ref, fmt.Errorf("%w: submit: %v; lookup: %v", errUnknownOutcome, err, lookupErr)
		}

		if attempt == r.cfg.MaxAttempts {
			break
		}
		backoff := r.cfg.BackoffBase << (attempt - 1)
		r.log.Warn("order_retry", zap.String("tag", order.Tag), zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))
		if err := r.sleep(ctx, backoff); err != nil {
			return ref, err
		}
	}
	// The last submit may still land at the broker; leave it to reconciliation.
	r.log.Warn("order_retries_exhausted", zap.String("tag", order.Tag), zap.Int("attempts", r.cfg.MaxAttempts), zap.Error(lastErr))
	return ref, fmt.Errorf("%w: submit failed after %d attempts: %v", errUnknownOutcome, r.cfg.MaxAttempts, lastErr)
}

// awaitFill polls until the order is terminal or FillTimeout elapses.
func (r *Real) awaitFill(ctx context.Context, ref model.OrderRef) model.OrderResult {
	deadline := r.now().Add(r.cfg.FillTimeout)
	last := model.OrderResult{Status: model.OrderUnconfirmed, Ref: ref}
	for {
		res := r.Reconcile(ctx, ref)
		if res.Status == model.OrderFilled || res.Status == model.OrderRejected {
			return res
		}
		last = res
		if !r.now().Before(deadline) {
			break
		}
		if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
			break
		}
	}
	last.Status = model.OrderUnconfirmed
	if last.Message == "" {
		last.Message = fmt.Sprintf("fill not confirmed within %s", r.cfg.FillTimeout)
	}
	return last
}

// call runs fn through the breaker with the per-call timeout.
func (r *Real) call(ctx context.Context, fn func(context.Context) error) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		c, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		return nil, fn(c)
	})
	return err
}

func statusResult(ref model.OrderRef, st BrokerStatus) model.OrderResult {
	res := model.OrderResult{Ref: ref, FillPrice: st.AvgPrice, FillQty: st.FilledQty, Message: st.Message}
	switch st.State {
	case StateFilled:
		res.Status = model.OrderFilled
	case StateRejected, StateCancelled:
		res.Status = model.OrderRejected
		if res.Message == "" {
			res.Message = string(st.State)
		}
	default:
		res.Status = model.OrderUnconfirmed
	}
	return res
}

// newOrderTag returns a short client order id within broker tag limits.
func newOrderTag() string {
	return "sh" + strings.ReplaceAll(uuid.NewString(), "-", "")[:18]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
