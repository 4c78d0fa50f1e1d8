// Package app wires configuration, market data, persistence, the engine and
// the API server into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"skewhunter/internal/api"
	"skewhunter/internal/config"
	"skewhunter/internal/engine"
	"skewhunter/internal/execution"
	"skewhunter/internal/feed"
	"skewhunter/internal/indicator"
	"skewhunter/internal/logging"
	"skewhunter/internal/metrics"
	"skewhunter/internal/notify"
	"skewhunter/internal/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Version is reported at startup.
const Version = "0.3.0"

// Environment variables read for broker credentials.
const (
	EnvUpstoxToken = "UPSTOX_ACCESS_TOKEN"
	EnvDhanToken   = "DHAN_ACCESS_TOKEN"
	EnvDhanClient  = "DHAN_CLIENT_ID"

	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChat  = "TELEGRAM_CHAT_ID"
)

// App is the application lifecycle manager.
type App struct {
	cfg     *config.Config
	cfgPath string
	creds   map[string]execution.Credentials
}

// New creates an App. cfgPath is where accepted config updates are saved;
// empty keeps them in memory.
func New(cfg *config.Config, cfgPath string, creds map[string]execution.Credentials) *App {
	return &App{cfg: cfg, cfgPath: cfgPath, creds: creds}
}

// EnvCredentials collects broker credentials from the environment.
func EnvCredentials() map[string]execution.Credentials {
	return map[string]execution.Credentials{
		execution.BrokerUpstox: {AccessToken: os.Getenv(EnvUpstoxToken)},
		execution.BrokerDhan:   {AccessToken: os.Getenv(EnvDhanToken), ClientID: os.Getenv(EnvDhanClient)},
	}
}

// Run starts the engine and the API server and blocks until a shutdown
// signal or a fatal error.
func (a *App) Run() error {
	log, err := logging.Build(a.cfg.App.LogLevel, a.cfg.App.LogFile)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("skewhunter_starting",
		zap.String("version", Version),
		zap.String("env", a.cfg.App.Env),
		zap.String("active_mode", a.cfg.ActiveMode),
		zap.String("feed", a.cfg.Feed.Provider),
		zap.String("execution_mode", a.cfg.Execution.Mode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	backend, closeBackend, err := cacheBackend(ctx, a.cfg.Cache)
	if err != nil {
		return err
	}
	defer closeBackend()
	cache := feed.NewCache(backend)
	if err := cache.Restore(ctx); err != nil {
		log.Warn("cache_restore_failed", zap.Error(err))
	}

	provider, err := marketProvider(a.cfg)
	if err != nil {
		return err
	}
	mkt := feed.New(provider, cache, a.cfg.Feed, a.cfg.App.StrikeStep, log.Named("feed"))

	pipeline := indicator.NewPipeline()
	pipeline.Seed(cache.Histories())

	sessions := session.NewStore(a.cfg.Session)
	state, err := sessions.Load()
	switch {
	case errors.Is(err, session.ErrCorrupt):
		log.Warn("session_corrupt", zap.Error(err))
	case err != nil:
		return err
	}
	recovery := session.NewRecovery(state)
	if orphan := recovery.Pending(); orphan != nil {
		log.Warn("orphan_trade_found",
			zap.Int("trade_id", orphan.ID),
			zap.String("instrument", orphan.Instrument),
			zap.String("execution_mode", string(orphan.ExecutionMode)),
		)
	}
	history, err := sessions.LoadHistory(a.cfg.Engine.HistoryLimit)
	if err != nil {
		log.Warn("trade_journal_unreadable", zap.Error(err))
	}

	alerts := telegramNotifier(a.cfg, log.Named("notify"))

	hub := api.NewHub(a.cfg.API.Heartbeat, rec, log.Named("ws"))
	eng := engine.New(engine.Options{
		Config:      config.NewManager(a.cfg, a.cfgPath),
		Feed:        mkt,
		Cache:       cache,
		Pipeline:    pipeline,
		Sessions:    sessions,
		State:       state,
		Recovery:    recovery,
		History:     history,
		Executors:   execution.Factory{Config: a.cfg.Execution, Underlying: a.cfg.App.Underlying, Log: log.Named("execution")},
		Credentials: a.creds,
		Publisher:   hub,
		Notifier:    alerts,
		Metrics:     rec,
		Logger:      log.Named("engine"),
	})
	srv := api.NewServer(a.cfg.API, eng, hub, reg, log.Named("api"))

	if tg, isTelegram := alerts.(*notify.Telegram); isTelegram {
		go tg.Run(ctx)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- eng.Run(ctx)
	}()
	go func() {
		errCh <- srv.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("shutdown_signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("fatal_error", zap.Error(err))
			runErr = err
		}
	}

	cancel()
	shutdown := time.NewTimer(5 * time.Second)
	defer shutdown.Stop()
drain:
	for i := 0; i < cap(errCh); i++ {
		select {
		case <-errCh:
		case <-shutdown.C:
			log.Warn("shutdown_timeout")
			break drain
		}
	}
	log.Info("skewhunter_stopped")
	return runErr
}

func cacheBackend(ctx context.Context, cfg config.CacheConfig) (feed.Backend, func(), error) {
	if cfg.Backend == "redis" {
		rb, err := feed.NewRedisBackend(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.RedisKey)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting cache redis: %w", err)
		}
		return rb, func() { rb.Close() }, nil
	}
	return feed.FileBackend{Path: cfg.Path}, func() {}, nil
}

func marketProvider(cfg *config.Config) (feed.Provider, error) {
	switch cfg.Feed.Provider {
	case "simulated":
		seed := cfg.Feed.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		return feed.NewSimulator(seed, cfg.App.StrikeStep, cfg.Timing.Loc()), nil
	case "http":
		return feed.NewHTTPProvider(cfg.Feed.BaseURL, cfg.Feed.Timeout), nil
	}
	return nil, fmt.Errorf("unknown feed provider %q", cfg.Feed.Provider)
}

// telegramNotifier returns the Telegram alert sink, or nil when alerts are
// disabled or not configured. Chat ids from TELEGRAM_CHAT_ID (comma
// separated) are added to the configured ones.
func telegramNotifier(cfg *config.Config, log *zap.Logger) engine.Notifier {
	if !cfg.Notify.Enabled {
		return nil
	}
	chats := append([]string(nil), cfg.Notify.ChatIDs...)
	for _, id := range strings.Split(os.Getenv(EnvTelegramChat), ",") {
		if id = strings.TrimSpace(id); id != "" {
			chats = append(chats, id)
		}
	}
	tg, err := notify.NewTelegram(cfg.Notify, os.Getenv(EnvTelegramToken), chats, cfg.Timing.Loc(), log)
	if err != nil {
		log.Warn("notify_disabled", zap.Error(err))
		return nil
	}
	log.Info("notify_enabled", zap.Int("chats", len(chats)))
	return tg
}
