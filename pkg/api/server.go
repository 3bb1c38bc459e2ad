package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/opsgate/opsgate/pkg/approval"
	"github.com/opsgate/opsgate/pkg/auth"
	"github.com/opsgate/opsgate/pkg/observability"
	"github.com/opsgate/opsgate/pkg/ratelimit"
)

// Server owns the route table and the middleware chain.
type Server struct {
	engine    *approval.Engine
	validator *auth.Validator
	limiter   ratelimit.Store
	obs       *observability.Provider
	logger    *slog.Logger

	// ready reports whether dependencies are reachable, for /readiness.
	ready func(context.Context) error
}

// NewServer wires the HTTP boundary.
func NewServer(engine *approval.Engine, validator *auth.Validator,
	limiter ratelimit.Store, obs *observability.Provider,
	logger *slog.Logger, ready func(context.Context) error) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    engine,
		validator: validator,
		limiter:   limiter,
		obs:       obs,
		logger:    logger,
		ready:     ready,
	}
}

// Handler builds the full middleware chain around the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleReadiness)

	mux.HandleFunc("POST /api/v1/execute", s.handleExecute)
	mux.HandleFunc("POST /api/v1/approvals", s.handleApprovalCreate)
	mux.HandleFunc("GET /api/v1/approvals", s.handleApprovalList)
	mux.HandleFunc("GET /api/v1/approvals/{id}", s.handleApprovalDetail)
	mux.HandleFunc("POST /api/v1/approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/approvals/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /api/v1/approvals/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/v1/approvals/{id}/execute", s.handleApprovalExecute)
	mux.HandleFunc("GET /api/v1/approvals/{id}/history", s.handleRequestHistory)
	mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	mux.HandleFunc("GET /api/v1/history/export", s.handleHistoryExport)
	mux.HandleFunc("GET /api/v1/policies", s.handlePolicies)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)

	var h http.Handler = mux
	h = Instrument(s.obs)(h)
	h = RateLimit(s.limiter)(h)
	h = auth.Middleware(s.validator)(h)
	h = RequestID(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"success","data":{"healthy":true}}`))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.WarnContext(r.Context(), "readiness probe failed", "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"error","code":"not_ready","message":"dependencies unavailable"}`))
			return
		}
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"ready": true})
}
