package server

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tradelog/internal/chat"
	"tradelog/internal/limiter"
	"tradelog/internal/metrics"
	"tradelog/internal/settings"
	"tradelog/internal/storage"
)

type Config struct {
	Store        *storage.Store
	Settings     *settings.Service
	History      *chat.History
	Resolver     *chat.Resolver
	Orchestrator *chat.Orchestrator
	RateLimiter  *limiter.RateLimiter
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger

	FallbackModel     string
	SystemPromptExtra string
	HealthPath        string
	MetricsPath       string
}

type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Server{cfg: cfg}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+s.cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET "+s.cfg.MetricsPath, promhttp.Handler())

	mux.HandleFunc("GET /api/v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/v1/settings", s.handlePutSettings)
	mux.HandleFunc("GET /api/v1/models", s.handleListModels)
	mux.HandleFunc("GET /api/v1/history", s.handleGetHistory)
	mux.HandleFunc("DELETE /api/v1/history", s.handleResetHistory)
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)

	return mux
}

// userID extracts the authenticated user identity. Authentication proper is
// handled upstream (reverse proxy / session layer); this service trusts the
// forwarded header.
func (s *Server) userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg, reason string) {
	writeJSON(w, status, errorBody{Error: msg, Reason: reason})
}
