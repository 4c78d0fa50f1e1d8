// Package engine runs the signal and trade loop: one goroutine owns the
// session state, refreshes market data every tick, evaluates entries and
// exits, persists the session and publishes a snapshot.
package engine

import (
	"context"
	"fmt"
	"time"

	"skewhunter/internal/config"
	"skewhunter/internal/execution"
	"skewhunter/internal/indicator"
	"skewhunter/internal/metrics"
	"skewhunter/internal/model"
	"skewhunter/internal/session"

	"go.uber.org/zap"
)

// MarketFeed supplies one market snapshot per tick.
type MarketFeed interface {
	Snapshot(ctx context.Context) (model.MarketSnapshot, error)
	OptionQuote(ctx context.Context, expiry string, strike int, side model.Side) (model.OptionQuote, error)
}

// HistoryCache keeps the rolling indicator history across restarts.
type HistoryCache interface {
	SetHistories(prices, pcr []float64)
	Persist(ctx context.Context) error
}

// SessionStore persists the session state and the closed-trade journal.
type SessionStore interface {
	Save(st model.SessionState) error
	AppendHistory(t *model.Trade) error
}

// ExecutorFactory builds the executor for a session.
type ExecutorFactory interface {
	New(ctx context.Context, mode model.ExecutionMode, broker string, creds execution.Credentials) (execution.Executor, error)
	ValidateCredentials(ctx context.Context, broker string, creds execution.Credentials) (execution.Identity, error)
}

// Broadcaster receives every published snapshot. Implementations must not
// block.
type Broadcaster interface {
	Broadcast(msg model.WSMessage)
}

// Notifier receives trade lifecycle alerts. Implementations must not block.
type Notifier interface {
	TradeOpened(t model.Trade)
	TradeClosed(t model.Trade)
}

type nopNotifier struct{}

func (nopNotifier) TradeOpened(model.Trade) {}
func (nopNotifier) TradeClosed(model.Trade) {}

// Options wires an Engine.
type Options struct {
	Config      *config.Manager
	Feed        MarketFeed
	Cache       HistoryCache
	Pipeline    *indicator.Pipeline
	Sessions    SessionStore
	State       model.SessionState
	Recovery    *session.Recovery
	History     []model.Trade
	Executors   ExecutorFactory
	Credentials map[string]execution.Credentials
	Publisher   Broadcaster
	Notifier    Notifier
	Metrics     *metrics.Recorder
	Logger      *zap.Logger
	Now         func() time.Time
}

type orderKind string

const (
	orderEntry orderKind = "entry"
	orderExit  orderKind = "exit"
)

type orderOutcome struct {
	kind    orderKind
	tradeID int
	reason  model.ExitReason
	res     model.OrderResult
}

type control struct {
	fn    func(ctx context.Context) Result
	reply chan Result
}

type exitRequest struct {
	urgent bool
}

// Engine is the single owner of session state. Everything below the
// channels is touched only by the Run goroutine.
type Engine struct {
	cfg      *config.Manager
	feed     MarketFeed
	cache    HistoryCache
	pipeline *indicator.Pipeline
	sessions SessionStore
	recovery *session.Recovery
	execs    ExecutorFactory
	creds    map[string]execution.Credentials
	pub      Broadcaster
	notifier Notifier
	metrics  *metrics.Recorder
	store    *Store
	regimes  *RegimeTracker
	logger   *zap.Logger
	now      func() time.Time
	controls chan control
	results  chan orderOutcome
	runCtx   context.Context
	state    model.SessionState
	status   model.EngineStatus
	haltErr  error
	exec     execution.Executor
	broker   string
	capital  float64
	exitReq  *exitRequest
	inflight bool
	dirty    bool
	lastSnap model.MarketSnapshot
	lastSet  model.IndicatorSet
	decision *Decision
}

// New creates a stopped engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rec := opts.Recovery
	if rec == nil {
		rec = &session.Recovery{}
	}
	pipeline := opts.Pipeline
	if pipeline == nil {
		pipeline = indicator.NewPipeline()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	cfg := opts.Config.Snapshot()
	e := &Engine{
		cfg:      opts.Config,
		feed:     opts.Feed,
		cache:    opts.Cache,
		pipeline: pipeline,
		sessions: opts.Sessions,
		recovery: rec,
		execs:    opts.Executors,
		creds:    opts.Credentials,
		pub:      opts.Publisher,
		notifier: notifier,
		metrics:  opts.Metrics,
		store:    NewStore(cfg.Engine.HistoryLimit),
		regimes:  NewRegimeTracker(logger),
		logger:   logger,
		now:      now,
		controls: make(chan control),
		results:  make(chan orderOutcome, 4),
		runCtx:   context.Background(),
		state:    opts.State,
		status:   model.StatusStopped,
		capital:  cfg.Engine.Capital,
	}
	if e.state.Date == "" {
		e.state = session.Fresh(cfg.Timing.Day(now()))
	}
	e.store.SetHistory(opts.History)
	return e
}

// Run drives the loop until ctx is cancelled. A persistence fault moves
// the engine to HALTED; the loop keeps publishing so the fault is visible.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	interval := e.cfg.Snapshot().Engine.RefreshInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("engine_loop_started",
		zap.Duration("interval", interval),
		zap.Bool("orphan_pending", e.recovery.Pending() != nil),
	)
	e.step(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine_loop_stopped")
			return ctx.Err()
		case c := <-e.controls:
			r := c.fn(ctx)
			e.publish(e.cfg.Snapshot(), e.now())
			c.reply <- r
		case o := <-e.results:
			e.applyOutcome(ctx, o)
		case <-ticker.C:
			e.step(ctx)
			if d := e.cfg.Snapshot().Engine.RefreshInterval; d != interval {
				interval = d
				ticker.Reset(d)
			}
		}
	}
}

// State returns the latest published snapshot.
func (e *Engine) State() StateSnapshot {
	return e.store.State()
}

func (e *Engine) running() bool {
	return e.status == model.StatusScanning || e.status == model.StatusTrading
}

// step is one tick: config snapshot, market data, indicators, lifecycle
// or entry decision, persistence, publish.
func (e *Engine) step(ctx context.Context) {
	start := e.now()
	cfg := e.cfg.Snapshot()
	if e.status == model.StatusHalted {
		e.publish(cfg, start)
		return
	}
	e.rollover(cfg, start)

	snap, err := e.feed.Snapshot(ctx)
	if err != nil {
		e.logger.Warn("market_data_unavailable", zap.Error(err))
		e.guardBlind(ctx, cfg, start)
	} else {
		e.lastSnap = snap
		e.lastSet = e.pipeline.Compute(snap, cfg)
		if snap.Live {
			e.regimes.Observe(cfg.Exit.VolRegimes, snap.VIX)
			e.saveHistories(ctx)
		}
		e.evaluate(ctx, cfg, start)
	}

	if e.dirty {
		e.persist()
	}
	e.metrics.Tick(e.now().Sub(start), e.lastSnap.Live, e.status)
	e.metrics.Session(e.state)
	e.publish(cfg, start)
}

func (e *Engine) evaluate(ctx context.Context, cfg *config.Config, now time.Time) {
	t := e.state.ActiveTrade
	switch {
	case t.Open():
		if e.recovery.Pending() != nil {
			return
		}
		if e.running() {
			e.supervise(ctx, cfg, now)
		} else if t.Pending != model.PendingNone {
			e.reconcilePending(t)
		}
	case e.status == model.StatusScanning:
		e.scan(ctx, cfg, now)
	}
}

func (e *Engine) scan(ctx context.Context, cfg *config.Config, now time.Time) {
	d := Decide(DecisionInput{
		Set:      e.lastSet,
		Snapshot: e.lastSnap,
		Config:   cfg,
		Session:  e.state,
		Capital:  e.capital,
		Now:      now,
	})
	e.decision = &d
	if !d.Enter {
		return
	}
	e.logger.Info("entry_signal",
		zap.String("side", string(d.Side)),
		zap.Int("strike", d.Strike),
		zap.Float64("ltp", d.LTP),
		zap.String("path", string(d.SignalPath)),
		zap.Float64("confidence", d.Confidence),
	)
	if err := e.enterTrade(ctx, cfg, d, now); err != nil {
		e.logger.Warn("entry_failed", zap.Error(err))
	}
}

// enterTrade opens a trade for d. It refuses while another trade is open.
func (e *Engine) enterTrade(ctx context.Context, cfg *config.Config, d Decision, now time.Time) error {
	if open := e.state.ActiveTrade; open.Open() {
		e.logger.Warn("entry_rejected_trade_active",
			zap.Int("active_trade_id", open.ID),
			zap.String("side", string(d.Side)),
			zap.Int("strike", d.Strike),
		)
		return fmt.Errorf("entering %s %d: %w (trade %d)", d.Side, d.Strike, ErrTradeActive, open.ID)
	}
	e.state.TradesToday++
	e.state.LastTradeID++
	t := &model.Trade{
		ID:              e.state.LastTradeID,
		Side:            d.Side,
		Instrument:      d.Instrument,
		Strike:          d.Strike,
		Expiry:          e.lastSnap.Expiry,
		Qty:             d.Qty,
		SignalPath:      d.SignalPath,
		Confidence:      d.Confidence,
		LTP:             d.LTP,
		EntryTime:       now,
		EntryIndicators: e.lastSet,
		ExecutionMode:   e.exec.Mode(),
	}
	e.state.ActiveTrade = t
	e.status = model.StatusTrading
	e.dirty = true

	req := execution.EntryRequest{
		Side: t.Side, Instrument: t.Instrument, Strike: t.Strike,
		Expiry: t.Expiry, Qty: t.Qty, LTP: d.LTP,
	}
	if e.exec.Mode() == model.ExecReal {
		t.Pending = model.PendingEntry
		exec := e.exec
		e.dispatch(orderEntry, t.ID, "", func(c context.Context) model.OrderResult {
			return exec.PlaceEntry(c, req)
		})
		return nil
	}
	e.applyEntry(cfg, t, e.exec.PlaceEntry(ctx, req))
	return nil
}

func (e *Engine) applyEntry(cfg *config.Config, t *model.Trade, res model.OrderResult) {
	e.metrics.Order(string(orderEntry), res.Status)
	e.dirty = true
	switch res.Status {
	case model.OrderFilled, model.OrderNoop:
		price := res.FillPrice
		if price <= 0 {
			price = t.LTP
		}
		if res.FillQty > 0 {
			t.Qty = res.FillQty
		}
		t.EntryOrder = res.Ref
		NewLifecycle(cfg.Exit, cfg.Timing).Open(t, price, e.lastSnap.Spot, e.lastSnap.VIX, e.now())
		e.metrics.Entry(t.Side, t.SignalPath)
		e.logger.Info("trade_opened",
			zap.Int("trade_id", t.ID),
			zap.String("instrument", t.Instrument),
			zap.Float64("entry_price", t.EntryPrice),
			zap.Int("qty", t.Qty),
			zap.String("regime", t.EntryRegime.Name),
			zap.Float64("stop", t.Stop),
			zap.String("execution_mode", string(t.ExecutionMode)),
		)
		e.notifier.TradeOpened(*t.Clone())
	case model.OrderUnconfirmed:
		t.Pending = model.PendingEntry
		t.EntryOrder = res.Ref
		t.Warning = "entry unconfirmed: " + res.Message
		e.logger.Warn("entry_unconfirmed", zap.Int("trade_id", t.ID), zap.String("tag", res.Ref.Tag), zap.String("message", res.Message))
	default:
		e.state.TradesToday--
		e.state.ActiveTrade = nil
		if e.status == model.StatusTrading {
			e.status = model.StatusScanning
		}
		e.logger.Warn("entry_rejected", zap.Int("trade_id", t.ID), zap.String("message", res.Message))
	}
}

func (e *Engine) supervise(ctx context.Context, cfg *config.Config, now time.Time) {
	t := e.state.ActiveTrade
	if t.Pending != model.PendingNone {
		e.reconcilePending(t)
		return
	}
	lc := NewLifecycle(cfg.Exit, cfg.Timing)
	if e.lastSnap.Live {
		var ltp float64
		if q, found := e.lastSnap.Chain.Quote(t.Strike, t.Side); found {
			ltp = q.LTP
		}
		lc.Update(t, ltp, e.lastSnap.Spot, e.lastSnap.VIX)
	}
	if mtm := e.state.DailyPnL + t.UnrealizedPnL(); mtm > e.state.PeakSessionMTM {
		e.state.PeakSessionMTM = mtm
	}
	t.ReversalWarnings = ReversalWarnings(t, e.lastSet, e.lastSnap.Spot)
	e.dirty = true

	reason, fire := lc.Evaluate(t, ExitContext{
		Now:            now,
		DailyPnL:       e.state.DailyPnL,
		PeakSessionMTM: e.state.PeakSessionMTM,
		ManualExit:     e.exitReq != nil,
		Urgent:         e.exitReq != nil && e.exitReq.urgent,
	})
	if !fire {
		return
	}
	e.logger.Info("exit_triggered",
		zap.Int("trade_id", t.ID),
		zap.String("reason", string(reason)),
		zap.Float64("ltp", t.LTP),
		zap.Float64("stop", t.Stop),
	)
	e.exitTrade(ctx, cfg, e.exec, t, reason)
}

// guardBlind runs the exits that do not depend on fresh prices (emergency
// request, session loss limit) when no market data is available at all.
func (e *Engine) guardBlind(ctx context.Context, cfg *config.Config, now time.Time) {
	t := e.state.ActiveTrade
	if !t.Open() || t.Pending != model.PendingNone || !e.running() || e.recovery.Pending() != nil {
		return
	}
	reason, fire := NewLifecycle(cfg.Exit, cfg.Timing).Evaluate(t, ExitContext{
		Now:            now,
		DailyPnL:       e.state.DailyPnL,
		PeakSessionMTM: e.state.PeakSessionMTM,
		ManualExit:     e.exitReq != nil,
		Urgent:         e.exitReq != nil && e.exitReq.urgent,
	})
	if !fire || (reason != model.ExitEmergency && reason != model.ExitMTMMaxLoss) {
		return
	}
	e.logger.Warn("exit_triggered_without_data",
		zap.Int("trade_id", t.ID),
		zap.String("reason", string(reason)),
		zap.Float64("last_ltp", t.LTP),
	)
	e.exitTrade(ctx, cfg, e.exec, t, reason)
}

func (e *Engine) exitTrade(ctx context.Context, cfg *config.Config, exec execution.Executor, t *model.Trade, reason model.ExitReason) {
	req := execution.ExitRequest{
		Side: t.Side, Instrument: t.Instrument, Strike: t.Strike,
		Expiry: t.Expiry, Qty: t.Qty, LTP: t.LTP, Reason: reason,
	}
	e.dirty = true
	if exec.Mode() == model.ExecReal {
		t.Pending = model.PendingExit
		t.PendingReason = reason
		e.dispatch(orderExit, t.ID, reason, func(c context.Context) model.OrderResult {
			return exec.PlaceExit(c, req)
		})
		return
	}
	e.applyExit(cfg, t, reason, exec.PlaceExit(ctx, req))
}

func (e *Engine) applyExit(cfg *config.Config, t *model.Trade, reason model.ExitReason, res model.OrderResult) {
	e.metrics.Order(string(orderExit), res.Status)
	e.dirty = true
	switch res.Status {
	case model.OrderFilled, model.OrderNoop:
		price := res.FillPrice
		if price <= 0 {
			price = t.LTP
		}
		t.ExitOrder = res.Ref
		e.closeTrade(cfg, t, price, reason)
	case model.OrderUnconfirmed:
		t.Pending = model.PendingExit
		t.PendingReason = reason
		t.ExitOrder = res.Ref
		t.Warning = "exit unconfirmed: " + res.Message
		e.logger.Warn("exit_unconfirmed", zap.Int("trade_id", t.ID), zap.String("tag", res.Ref.Tag), zap.String("message", res.Message))
	default:
		t.Pending = model.PendingNone
		t.PendingReason = ""
		t.Warning = "exit rejected: " + res.Message
		e.logger.Warn("exit_rejected", zap.Int("trade_id", t.ID), zap.String("reason", string(reason)), zap.String("message", res.Message))
	}
}

func (e *Engine) closeTrade(cfg *config.Config, t *model.Trade, price float64, reason model.ExitReason) {
	now := e.now()
	NewLifecycle(cfg.Exit, cfg.Timing).Close(t, price, reason, now)
	t.Warning = ""

	e.state.DailyPnL = round2(e.state.DailyPnL + t.PnL)
	if t.PnL < 0 && cfg.Risk.LossCooldown > 0 {
		until := now.Add(cfg.Risk.LossCooldown)
		e.state.CooldownUntil = &until
	}
	if err := e.sessions.AppendHistory(t); err != nil {
		e.logger.Error("trade_journal_failed", zap.Int("trade_id", t.ID), zap.Error(err))
	}
	e.store.AddTrade(*t.Clone())
	e.state.ActiveTrade = nil
	e.exitReq = nil
	if e.status == model.StatusTrading {
		e.status = model.StatusScanning
	}
	e.metrics.Exit(reason)
	e.notifier.TradeClosed(*t.Clone())
	e.logger.Info("trade_closed",
		zap.Int("trade_id", t.ID),
		zap.String("reason", string(reason)),
		zap.Float64("exit_price", price),
		zap.Float64("pnl", t.PnL),
		zap.Float64("pnl_pct", t.PnLPct),
		zap.Float64("daily_pnl", e.state.DailyPnL),
	)
}

// reconcilePending re-queries an order whose outcome was not confirmed.
func (e *Engine) reconcilePending(t *model.Trade) {
	if e.inflight || e.exec == nil || e.exec.Mode() != model.ExecReal {
		return
	}
	kind, ref := orderEntry, t.EntryOrder
	if t.Pending == model.PendingExit {
		kind, ref = orderExit, t.ExitOrder
	}
	if ref.OrderID == "" && ref.Tag == "" {
		return
	}
	exec := e.exec
	e.dispatch(kind, t.ID, t.PendingReason, func(c context.Context) model.OrderResult {
		return exec.Reconcile(c, ref)
	})
}

// dispatch runs an order call off the loop; its result is applied by Run.
func (e *Engine) dispatch(kind orderKind, tradeID int, reason model.ExitReason, fn func(context.Context) model.OrderResult) {
	e.inflight = true
	ctx := e.runCtx
	go func() {
		res := fn(ctx)
		select {
		case e.results <- orderOutcome{kind: kind, tradeID: tradeID, reason: reason, res: res}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) applyOutcome(ctx context.Context, o orderOutcome) {
	e.inflight = false
	t := e.state.ActiveTrade
	if !t.Open() || t.ID != o.tradeID {
		e.logger.Warn("order_result_stale", zap.Int("trade_id", o.tradeID), zap.String("status", string(o.res.Status)))
		return
	}
	cfg := e.cfg.Snapshot()
	if o.kind == orderEntry {
		e.applyEntry(cfg, t, o.res)
	} else {
		reason := o.reason
		if reason == "" {
			reason = t.PendingReason
		}
		e.applyExit(cfg, t, reason, o.res)
	}
	e.persist()
	e.publish(cfg, e.now())
}

func (e *Engine) rollover(cfg *config.Config, now time.Time) {
	next, changed := session.Rollover(e.state, cfg.Timing.Day(now))
	if !changed {
		return
	}
	e.logger.Info("session_rollover", zap.String("from", e.state.Date), zap.String("to", next.Date))
	e.state = next
	e.decision = nil
	e.dirty = true
}

func (e *Engine) saveHistories(ctx context.Context) {
	if e.cache == nil {
		return
	}
	e.cache.SetHistories(e.pipeline.Histories())
	if err := e.cache.Persist(ctx); err != nil {
		e.logger.Warn("cache_persist_failed", zap.Error(err))
	}
}

func (e *Engine) persist() {
	e.dirty = false
	if err := e.sessions.Save(e.state.Clone()); err != nil {
		e.halt(err)
	}
}

func (e *Engine) halt(err error) {
	if e.status == model.StatusHalted {
		return
	}
	e.status = model.StatusHalted
	e.haltErr = err
	e.logger.Error("engine_halted", zap.Error(err))
}

func (e *Engine) publish(cfg *config.Config, now time.Time) {
	st := e.snapshot(cfg, now)
	e.store.SetState(st)
	if e.pub != nil {
		e.pub.Broadcast(model.WSMessage{Type: "state", Data: st, Timestamp: now})
	}
}

func (e *Engine) snapshot(cfg *config.Config, now time.Time) StateSnapshot {
	st := StateSnapshot{
		Time:           now,
		Status:         e.status,
		Live:           e.lastSnap.Live,
		DataAgeSeconds: e.lastSnap.DataAge,
		Market:         e.lastSnap,
		Indicators:     e.lastSet,
		ActiveMode:     cfg.ActiveMode,
		Thresholds:     cfg.ActiveModeConfig(),
		Broker:         e.broker,
		Timing: TimingView{
			MarketOpen:    cfg.Timing.MarketOpenAt(now),
			TradingWindow: cfg.Timing.InTradingWindow(now),
			Lunch:         cfg.Timing.InLunch(now),
		},
		Session: SessionView{
			Date:           e.state.Date,
			Capital:        e.capital,
			TradesToday:    e.state.TradesToday,
			MaxTrades:      cfg.Risk.MaxTradesPerDay,
			DailyPnL:       e.state.DailyPnL,
			DailyLossLimit: round2(e.capital * cfg.Risk.DailyLossLimitPct / 100),
			SessionMTM:     e.state.DailyPnL,
			PeakSessionMTM: e.state.PeakSessionMTM,
			CooldownUntil:  e.state.Clone().CooldownUntil,
		},
	}
	if e.exec != nil {
		st.ExecutionMode = e.exec.Mode()
	}
	if orphan := e.recovery.Pending(); orphan != nil {
		st.Orphan = orphan
	} else if e.state.ActiveTrade.Open() {
		st.Trade = e.state.ActiveTrade.Clone()
		st.Session.SessionMTM = round2(e.state.DailyPnL + st.Trade.UnrealizedPnL())
	}
	if e.decision != nil && e.status == model.StatusScanning {
		d := *e.decision
		d.Blocked = append([]string(nil), d.Blocked...)
		st.Decision = &d
	}
	if e.haltErr != nil {
		st.Halted = e.haltErr.Error()
	}
	return st
}
