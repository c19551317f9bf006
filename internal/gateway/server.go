// Package gateway exposes the Agentic Iteration Engine over HTTP in two
// inbound dialects (OpenAI chat-completions-shaped, Gemini
// generateContent-shaped), gates access by API key, and frames streamed
// replies as SSE.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/nexus/internal/engine"
	"github.com/haasonsaas/nexus/internal/observability"
)

// Config controls the gateway's listen address and access control.
type Config struct {
	Addr string

	// AccessKeys, when non-empty, is the allowlist of inbound keys this
	// gateway accepts; UpstreamKey is substituted in their place before
	// the request reaches the engine. An empty allowlist forwards the
	// inbound key verbatim.
	AccessKeys  []string
	UpstreamKey string
}

// Server is the thin HTTP facade in front of one Engine.
type Server struct {
	config  Config
	engine  *engine.Engine
	logger  *slog.Logger
	metrics *observability.Metrics

	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time
}

// New wires a Server around an already-constructed Engine.
func New(config Config, eng *engine.Engine, logger *slog.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:  config,
		engine:  eng,
		logger:  logger.With("component", "gateway"),
		metrics: metrics,
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.accessKeyMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/chat/completions", s.handleChatCompletions)
		v1.Get("/models", s.handleOpenAIModels)
	})

	r.Route("/v1beta/models", func(v1b chi.Router) {
		v1b.Get("/", s.handleGeminiModels)
		v1b.Post("/{model}:generateContent", s.handleGenerateContent)
		v1b.Post("/{model}:streamGenerateContent", s.handleStreamGenerateContent)
	})

	return r
}

// Start begins serving in the background. It returns once the listener is
// bound; Serve errors (other than a clean Shutdown) are logged, not
// returned, since the serving goroutine outlives the call to Start.
func (s *Server) Start(ctx context.Context) error {
	if s.config.Addr == "" {
		return engine.NewError(engine.KindConfigError, "gateway: listen address is required")
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", s.config.Addr)
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	response := map[string]any{
		"status":     "ok",
		"uptime_sec": int(time.Since(s.startTime).Seconds()),
	}
	data, err := json.Marshal(response)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("healthz write failed", "error", err)
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	eerr, ok := engine.As(err)
	if !ok {
		eerr = engine.Wrap(engine.KindInternal, err)
	}
	s.logger.Warn("request failed", "kind", eerr.Kind, "error", eerr.Error())
	if s.metrics != nil {
		s.metrics.RecordError("gateway", string(eerr.Kind))
	}

	w.Header().Set("Content-Type", "application/json")
	status := eerr.HTTPStatus()
	w.WriteHeader(status)
	body := map[string]any{"error": map[string]any{"message": eerr.Error(), "type": eerr.Kind}}
	if data, marshalErr := json.Marshal(body); marshalErr == nil {
		_, _ = w.Write(data)
	}
}
