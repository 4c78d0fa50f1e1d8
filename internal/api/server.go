// Package api serves the control and state HTTP surface plus the live
// WebSocket feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"skewhunter/internal/config"
	"skewhunter/internal/engine"
	"skewhunter/internal/execution"
	"skewhunter/internal/model"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const maxBodyBytes = 1 << 20

// Controller is the engine surface the API drives.
type Controller interface {
	State() engine.StateSnapshot
	Start(ctx context.Context, req engine.StartRequest) engine.Result
	Stop(ctx context.Context) engine.Result
	RequestExit(ctx context.Context, urgent bool) engine.Result
	SetMode(name string) engine.Result
	UpdateConfig(patch []byte) engine.Result
	Config() *config.Config
	TradeHistory() []model.Trade
	OrphanStatus() *model.Trade
	ResolveOrphan(ctx context.Context, action model.RecoveryAction) engine.Result
	ValidateCredentials(ctx context.Context, broker string, creds execution.Credentials) engine.Result
}

// Server is the REST API + WebSocket server.
type Server struct {
	engine  Controller
	hub     *Hub
	router  *mux.Router
	cfg     config.APIConfig
	logger  *zap.Logger
	srv     *http.Server
	started time.Time
}

// NewServer builds the router. gatherer backs /metrics and may be nil.
func NewServer(cfg config.APIConfig, eng Controller, hub *Hub, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{
		engine:  eng,
		hub:     hub,
		router:  mux.NewRouter(),
		cfg:     cfg,
		logger:  logger,
		started: time.Now(),
	}
	s.registerRoutes(gatherer)
	return s
}

// Handler returns the root handler. CORS wraps the router so preflight
// requests are answered before route matching.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.router)
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.router.Use(s.requestIDMiddleware, s.loggingMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/engine/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/engine/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/trade/exit", s.handleExit(false)).Methods(http.MethodPost)
	api.HandleFunc("/trade/emergency-exit", s.handleExit(true)).Methods(http.MethodPost)
	api.HandleFunc("/mode", s.handleMode).Methods(http.MethodPost)
	api.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handlePatchConfig).Methods(http.MethodPatch, http.MethodPost)
	api.HandleFunc("/trades", s.handleTrades).Methods(http.MethodGet)
	api.HandleFunc("/orphan", s.handleOrphan).Methods(http.MethodGet)
	api.HandleFunc("/orphan/resolve", s.handleResolveOrphan).Methods(http.MethodPost)
	api.HandleFunc("/validate-credentials", s.handleValidateCredentials).Methods(http.MethodPost)

	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.hub != nil {
		s.router.HandleFunc("/ws/live", s.hub.ServeWS)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, model.APIResponse{Code: "NOT_FOUND", Error: "no route for " + r.URL.Path, Timestamp: time.Now()})
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, model.APIResponse{Code: "METHOD_NOT_ALLOWED", Error: r.Method + " not allowed", Timestamp: time.Now()})
	})
}

// Run starts the HTTP server and the WebSocket hub.
func (s *Server) Run(ctx context.Context) error {
	if s.hub != nil {
		go s.hub.Run(ctx)
	}

	s.srv = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api_server_started", zap.String("address", s.cfg.ListenAddress))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutCtx)
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.engine.State()
	writeJSON(w, http.StatusOK, model.APIResponse{
		OK: true,
		Data: map[string]any{
			"status":        "ok",
			"engine":        st.Status,
			"live":          st.Live,
			"uptimeSeconds": int(time.Since(s.started).Seconds()),
		},
		Timestamp: time.Now(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.APIResponse{OK: true, Data: s.engine.State(), Timestamp: time.Now()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req engine.StartRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	res := s.engine.Start(r.Context(), req)
	s.logger.Info("api_start",
		zap.String("execution_mode", string(req.ExecutionMode)),
		zap.String("broker", req.Broker),
		zap.String("code", string(res.Code)),
	)
	writeResult(w, res)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.engine.Stop(r.Context()))
}

func (s *Server) handleExit(urgent bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := s.engine.RequestExit(r.Context(), urgent)
		s.logger.Info("api_exit", zap.Bool("urgent", urgent), zap.String("code", string(res.Code)))
		writeResult(w, res)
	}
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	writeResult(w, s.engine.SetMode(req.Mode))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	doc, err := configDocument(s.engine.Config())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, model.APIResponse{Code: "INTERNAL", Error: err.Error(), Timestamp: time.Now()})
		return
	}
	writeJSON(w, http.StatusOK, model.APIResponse{OK: true, Data: doc, Timestamp: time.Now()})
}

// handlePatchConfig accepts a partial YAML or JSON document.
func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	patch, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, model.APIResponse{Code: string(engine.CodeInvalidConfig), Error: err.Error(), Timestamp: time.Now()})
		return
	}
	res := s.engine.UpdateConfig(patch)
	if cfg, isCfg := res.Data.(*config.Config); isCfg {
		if doc, err := configDocument(cfg); err == nil {
			res.Data = doc
		}
	}
	writeResult(w, res)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades := s.engine.TradeHistory()
	var total float64
	for _, t := range trades {
		total += t.PnL
	}
	writeJSON(w, http.StatusOK, model.APIResponse{
		OK:        true,
		Data:      map[string]any{"trades": trades, "count": len(trades), "totalPnl": total},
		Timestamp: time.Now(),
	})
}

func (s *Server) handleOrphan(w http.ResponseWriter, r *http.Request) {
	orphan := s.engine.OrphanStatus()
	writeJSON(w, http.StatusOK, model.APIResponse{
		OK:        true,
		Data:      map[string]any{"pending": orphan != nil, "trade": orphan},
		Timestamp: time.Now(),
	})
}

type resolveRequest struct {
	Action model.RecoveryAction `json:"action"`
}

func (s *Server) handleResolveOrphan(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	res := s.engine.ResolveOrphan(r.Context(), req.Action)
	s.logger.Info("api_orphan_resolve", zap.String("action", string(req.Action)), zap.String("code", string(res.Code)))
	writeResult(w, res)
}

type credentialsRequest struct {
	Broker      string                `json:"broker"`
	Credentials execution.Credentials `json:"credentials"`
}

func (s *Server) handleValidateCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Broker == "" {
		req.Broker = s.engine.Config().Execution.Broker
	}
	writeResult(w, s.engine.ValidateCredentials(r.Context(), req.Broker, req.Credentials))
}

// decodeBody reads a JSON body into v. An empty body is accepted when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, model.APIResponse{Code: "BAD_REQUEST", Error: "invalid JSON: " + err.Error(), Timestamp: time.Now()})
	return false
}

// configDocument renders cfg with its YAML keys so JSON clients see the
// same names they PATCH with.
func configDocument(cfg *config.Config) (map[string]any, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return doc, nil
}

// statusFor maps a control code to an HTTP status.
func statusFor(code engine.Code) int {
	switch code {
	case engine.CodeOK:
		return http.StatusOK
	case engine.CodeInvalidMode, engine.CodeInvalidConfig, engine.CodeInvalidAction:
		return http.StatusBadRequest
	case engine.CodeInvalidCredentials:
		return http.StatusUnauthorized
	case engine.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}

func writeResult(w http.ResponseWriter, res engine.Result) {
	resp := model.APIResponse{OK: res.OK, Code: string(res.Code), Data: res.Data, Timestamp: time.Now()}
	if !res.OK {
		resp.Error = res.Message
	} else if resp.Data == nil && res.Message != "" {
		resp.Data = map[string]string{"message": res.Message}
	}
	writeJSON(w, statusFor(res.Code), resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

type ctxKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws/live" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		id, _ := r.Context().Value(ctxKey{}).(string)
		s.logger.Debug("api_request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RequestTimeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
