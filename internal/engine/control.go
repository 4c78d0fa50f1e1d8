package engine

import (
	"context"
	"errors"

	"skewhunter/internal/config"
	"skewhunter/internal/execution"
	"skewhunter/internal/model"

	"go.uber.org/zap"
)

// StartRequest starts a trading session. Zero fields fall back to the
// configuration and to the credentials loaded from the environment.
type StartRequest struct {
	Capital       float64               `json:"capital"`
	ExecutionMode model.ExecutionMode   `json:"executionMode"`
	Broker        string                `json:"broker"`
	Credentials   execution.Credentials `json:"credentials"`
}

// do runs fn on the engine goroutine between ticks.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context) Result) Result {
	c := control{fn: fn, reply: make(chan Result, 1)}
	select {
	case e.controls <- c:
	case <-ctx.Done():
		return fail(CodeUnavailable, "engine loop not responding: %v", ctx.Err())
	}
	select {
	case r := <-c.reply:
		return r
	case <-ctx.Done():
		return fail(CodeUnavailable, "engine loop not responding: %v", ctx.Err())
	}
}

func (e *Engine) credentials(broker string, given execution.Credentials) execution.Credentials {
	if given.AccessToken != "" {
		return given
	}
	return e.creds[broker]
}

// Start begins scanning. The executor is built, and for real execution
// the credentials validated, before the loop is touched.
func (e *Engine) Start(ctx context.Context, req StartRequest) Result {
	cfg := e.cfg.Snapshot()
	mode := req.ExecutionMode
	if mode == "" {
		mode = model.ExecutionMode(cfg.Execution.Mode)
	}
	switch mode {
	case model.ExecInactive, model.ExecSimulated, model.ExecReal:
	default:
		return fail(CodeInvalidMode, "unknown execution mode %q", mode)
	}
	broker := req.Broker
	if broker == "" {
		broker = cfg.Execution.Broker
	}
	capital := req.Capital
	if capital <= 0 {
		capital = cfg.Engine.Capital
	}

	if r := e.do(ctx, func(context.Context) Result { return e.canStart(mode) }); !r.OK {
		return r
	}
	exec, err := e.execs.New(ctx, mode, broker, e.credentials(broker, req.Credentials))
	if err != nil {
		if errors.Is(err, execution.ErrInvalidCredentials) {
			return fail(CodeInvalidCredentials, "%v", err)
		}
		return fail(CodeInvalidConfig, "%v", err)
	}

	return e.do(ctx, func(context.Context) Result {
		if r := e.canStart(mode); !r.OK {
			return r
		}
		e.exec = exec
		e.broker = broker
		e.capital = capital
		e.exitReq = nil
		e.decision = nil
		e.status = model.StatusScanning
		if e.state.ActiveTrade.Open() {
			e.status = model.StatusTrading
		}
		e.logger.Info("engine_started",
			zap.String("execution_mode", string(mode)),
			zap.String("broker", broker),
			zap.Float64("capital", capital),
			zap.String("active_mode", cfg.ActiveMode),
		)
		return ok("engine started", map[string]any{"executionMode": mode, "broker": broker, "capital": capital})
	})
}

func (e *Engine) canStart(mode model.ExecutionMode) Result {
	switch {
	case e.status == model.StatusHalted:
		return fail(CodeHalted, "%v", e.haltErr)
	case e.running():
		return fail(CodeAlreadyRunning, "engine is %s", e.status)
	case e.recovery.Pending() != nil:
		return fail(CodeOrphanPending, "resolve the orphaned trade first")
	case e.state.ActiveTrade.Open() && e.state.ActiveTrade.ExecutionMode != mode:
		return fail(CodeTradeActive, "open trade was placed in %s mode", e.state.ActiveTrade.ExecutionMode)
	}
	return ok("", nil)
}

// Stop ends scanning. With engine.exitOnStop an open trade is exited first.
func (e *Engine) Stop(ctx context.Context) Result {
	return e.do(ctx, func(ctx context.Context) Result {
		if e.status == model.StatusHalted {
			return fail(CodeHalted, "%v", e.haltErr)
		}
		if !e.running() {
			return fail(CodeNotRunning, "engine is %s", e.status)
		}
		cfg := e.cfg.Snapshot()
		t := e.state.ActiveTrade
		if t.Open() && t.Pending == model.PendingNone && cfg.Engine.ExitOnStop {
			e.exitTrade(ctx, cfg, e.exec, t, model.ExitEngineStop)
		}
		e.status = model.StatusStopped
		e.decision = nil
		if e.dirty {
			e.persist()
		}
		e.logger.Info("engine_stopped", zap.Bool("trade_open", e.state.ActiveTrade.Open()))
		return ok("engine stopped", nil)
	})
}

// RequestExit asks for the active trade to be closed. A normal request is
// latched and honored once min hold has elapsed; an urgent one fires on an
// immediate tick.
func (e *Engine) RequestExit(ctx context.Context, urgent bool) Result {
	return e.do(ctx, func(ctx context.Context) Result {
		if !e.running() {
			return fail(CodeNotRunning, "engine is %s", e.status)
		}
		t := e.state.ActiveTrade
		if !t.Open() || t.Pending == model.PendingEntry {
			return fail(CodeNoActiveTrade, "no open trade")
		}
		if e.exitReq == nil {
			e.exitReq = &exitRequest{}
		}
		e.exitReq.urgent = e.exitReq.urgent || urgent
		e.logger.Info("exit_requested", zap.Int("trade_id", t.ID), zap.Bool("urgent", urgent))
		if urgent {
			e.step(ctx)
		}
		return ok("exit requested", nil)
	})
}

// SetMode selects a threshold profile. An open trade keeps the parameters
// it was entered with.
func (e *Engine) SetMode(name string) Result {
	if _, found := e.cfg.Snapshot().Mode(name); !found {
		return fail(CodeInvalidMode, "unknown mode %q", name)
	}
	cfg, err := e.cfg.SetActiveMode(name)
	if err != nil {
		return fail(CodeInvalidConfig, "%v", err)
	}
	e.logger.Info("mode_changed", zap.String("mode", name))
	return ok("mode changed", cfg.ActiveModeConfig())
}

// UpdateConfig merges patch over the configuration. The next tick sees the
// new values.
func (e *Engine) UpdateConfig(patch []byte) Result {
	cfg, err := e.cfg.Update(patch)
	if err != nil {
		return fail(CodeInvalidConfig, "%v", err)
	}
	e.logger.Info("config_updated", zap.String("active_mode", cfg.ActiveMode))
	return ok("config updated", cfg)
}

// Config returns the current configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg.Snapshot()
}

// TradeHistory returns closed trades, oldest first.
func (e *Engine) TradeHistory() []model.Trade {
	return e.store.History()
}

// OrphanStatus returns the unresolved trade found at startup, or nil.
func (e *Engine) OrphanStatus() *model.Trade {
	return e.recovery.Pending()
}

// ResolveOrphan settles the trade found at startup: RECOVER resumes
// supervising it once started, EXIT closes it, IGNORE forgets it.
func (e *Engine) ResolveOrphan(ctx context.Context, action model.RecoveryAction) Result {
	if !action.Valid() {
		return fail(CodeInvalidAction, "unknown action %q", action)
	}
	orphan := e.recovery.Pending()
	if orphan == nil {
		return fail(CodeNoOrphan, "no orphaned trade")
	}

	var exec execution.Executor
	price := orphan.LTP
	if action == model.RecoverExit {
		cfg := e.cfg.Snapshot()
		broker := cfg.Execution.Broker
		mode := orphan.ExecutionMode
		if mode == "" {
			mode = model.ExecutionMode(cfg.Execution.Mode)
		}
		var err error
		exec, err = e.execs.New(ctx, mode, broker, e.credentials(broker, execution.Credentials{}))
		if err != nil {
			if errors.Is(err, execution.ErrInvalidCredentials) {
				return fail(CodeInvalidCredentials, "%v", err)
			}
			return fail(CodeInvalidConfig, "%v", err)
		}
		if q, err := e.feed.OptionQuote(ctx, orphan.Expiry, orphan.Strike, orphan.Side); err == nil && q.LTP > 0 {
			price = q.LTP
		} else if err != nil {
			e.logger.Warn("orphan_quote_failed", zap.Int("trade_id", orphan.ID), zap.Error(err))
		}
	}

	return e.do(ctx, func(ctx context.Context) Result {
		t, found := e.recovery.Take()
		if !found {
			return fail(CodeNoOrphan, "no orphaned trade")
		}
		if cur := e.state.ActiveTrade; cur.Open() && cur.ID == t.ID {
			t = cur
		}
		switch action {
		case model.RecoverTrade:
			e.state.ActiveTrade = t
			e.logger.Info("orphan_recovered", zap.Int("trade_id", t.ID))
		case model.RecoverExit:
			e.state.ActiveTrade = t
			t.LTP = price
			if e.exec == nil {
				e.exec = exec
			}
			e.logger.Info("orphan_exit", zap.Int("trade_id", t.ID), zap.Float64("price", price))
			e.exitTrade(ctx, e.cfg.Snapshot(), exec, t, model.ExitOrphan)
		case model.RecoverIgnore:
			e.state.ActiveTrade = nil
			e.logger.Warn("orphan_ignored", zap.Int("trade_id", t.ID))
		}
		e.persist()
		return ok("orphan resolved", map[string]any{"action": action, "tradeId": t.ID})
	})
}

// ValidateCredentials checks broker credentials without starting.
func (e *Engine) ValidateCredentials(ctx context.Context, broker string, creds execution.Credentials) Result {
	id, err := e.execs.ValidateCredentials(ctx, broker, e.credentials(broker, creds))
	if err != nil {
		if errors.Is(err, execution.ErrInvalidCredentials) {
			return fail(CodeInvalidCredentials, "%v", err)
		}
		return fail(CodeInvalidConfig, "%v", err)
	}
	return ok("credentials valid", id)
}
