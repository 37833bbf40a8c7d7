package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"sbtgate/core/events"
	"sbtgate/native/credential"
	"sbtgate/observability"
	"sbtgate/observability/logging"
)

const (
	maxRequestBytes    = 1 << 20
	shutdownTimeout    = 5 * time.Second
	maxCooldownSeconds = uint64(math.MaxInt64 / int64(time.Second))
)

func secondsToDuration(seconds uint64) time.Duration {
	return time.Duration(seconds) * time.Second
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress  string
	AllowedOrigins []string
	RateLimit      RateLimit
}

// Server exposes the credential engine over JSON-RPC and streams lifecycle
// events over websockets.
type Server struct {
	cfg     Config
	engine  *credential.Engine
	auth    *Authenticator
	limiter *RateLimiter
	stream  *events.Broadcaster
	metrics *observability.CredentialMetricsRegistry
	logger  *slog.Logger
	nowFn   func() time.Time
	table   map[string]method
}

// New constructs a server.
func New(cfg Config, engine *credential.Engine, auth *Authenticator, stream *events.Broadcaster, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("credential engine required")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if stream == nil {
		stream = events.NewBroadcaster(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		cfg:     cfg,
		engine:  engine,
		auth:    auth,
		limiter: NewRateLimiter(cfg.RateLimit),
		stream:  stream,
		metrics: observability.CredentialMetrics(),
		logger:  logger,
		nowFn:   time.Now,
	}
	s.limiter.onReject = func(client string) {
		s.metrics.RecordThrottle("rate_limit")
		s.logger.Warn("rpc request throttled", slog.String("remote", client))
	}
	s.table = s.methods()
	return s, nil
}

// SetNowFunc overrides the clock stamped onto calls.
func (s *Server) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/events", s.handleEvents)
	r.With(s.limiter.Middleware).Post("/rpc", s.handleRPC)

	return otelhttp.NewHandler(r, "credentiald")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("credentiald listening", slog.String("addr", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	var methodName string
	defer func() {
		s.metrics.ObserveRequest(methodName, rec.status, time.Since(started))
	}()

	body, err := io.ReadAll(http.MaxBytesReader(rec, r.Body, maxRequestBytes))
	if err != nil {
		writeError(rec, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "request body too large", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(rec, http.StatusBadRequest, nil, codeParseError, "invalid JSON", err.Error())
		return
	}
	if req.JSONRPC != jsonRPCVersion || req.Method == "" {
		writeError(rec, http.StatusBadRequest, req.ID, codeInvalidRequest, "invalid JSON-RPC request", nil)
		return
	}
	m, ok := s.table[req.Method]
	if !ok {
		writeError(rec, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}
	methodName = req.Method

	call := credential.Call{Now: s.nowFn()}
	if m.authenticated {
		caller, err := s.auth.Authenticate(r, body)
		if err != nil {
			code := codeUnauthorized
			if errors.Is(err, errReplayedRequest) {
				code = codeReplayed
				s.metrics.RecordThrottle("replay")
			}
			s.logger.Warn("rpc authentication failed",
				slog.String("method", req.Method),
				slog.String("remote", clientID(r)),
				logging.MaskField("authorization", r.Header.Get("Authorization")),
				slog.String("error", err.Error()))
			writeError(rec, http.StatusUnauthorized, req.ID, code, "unauthorized", err.Error())
			return
		}
		call.Caller = caller
	}

	result, err := m.handler(r.Context(), call, req.Params)
	if err != nil {
		status, code := rpcStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("rpc method failed",
				slog.String("method", req.Method),
				slog.String("identity", call.Caller.String()),
				slog.String("error", err.Error()))
		}
		writeError(rec, status, req.ID, code, err.Error(), nil)
		return
	}
	writeResult(rec, req.ID, result)
}
