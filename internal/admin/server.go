// Package admin exposes the controller's operational surface over HTTP:
// status and history reads, the manual override escape hatch, health and
// Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vitalis-app/governor/internal/controller"
	"github.com/vitalis-app/governor/internal/metrics"
	"github.com/vitalis-app/governor/internal/models"
)

const (
	maxRequestBodyBytes = 1 << 16
	shutdownTimeout     = 5 * time.Second
)

// Controller is the subset of *controller.Controller the API serves.
type Controller interface {
	Status() controller.Status
	History(limit int) []models.Transition
	Override(ctx context.Context, name, reason string) error
	ClearOverride(ctx context.Context) bool
}

// OverrideRequest is the body of POST /v1/override.
type OverrideRequest struct {
	Profile string `json:"profile"`
	Reason  string `json:"reason,omitempty"`
}

// ResumeResponse is returned by DELETE /v1/override.
type ResumeResponse struct {
	Changed bool              `json:"changed"`
	Status  controller.Status `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the admin API.
type Server struct {
	addr    string
	ctl     Controller
	limiter *clientLimiter
	logger  *zap.Logger
}

// NewServer creates an admin server listening on addr.
func NewServer(addr string, ctl Controller, logger *zap.Logger) *Server {
	return &Server{
		addr:    addr,
		ctl:     ctl,
		limiter: newClientLimiter(overrideRate, overrideBurst),
		logger:  logger.Named("admin"),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequestID)
			r.Use(s.audit)
			r.Use(s.limiter.middleware(s.logger))
			r.Post("/override", s.handleOverride)
			r.Delete("/override", s.handleResume)
		})
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Admin API listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.ctl.Status()
	health := "ok"
	if st.Degraded() {
		health = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      health,
		"mode":        st.Mode,
		"publish":     st.Publish.State,
		"persistence": st.Persistence,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.ctl.History(limit))
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.Profile == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "profile is required"})
		return
	}

	if err := s.ctl.Override(r.Context(), req.Profile, req.Reason); err != nil {
		if errors.Is(err, controller.ErrUnknownProfile) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		s.logger.Error("Override failed", zap.String("profile", req.Profile), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "override failed"})
		return
	}
	s.logger.Info("Override requested",
		zap.String("profile", req.Profile),
		zap.String("reason", req.Reason),
		zap.String("remote_addr", r.RemoteAddr))
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	changed := s.ctl.ClearOverride(r.Context())
	if changed {
		s.logger.Info("Resume requested", zap.String("remote_addr", r.RemoteAddr))
	}
	writeJSON(w, http.StatusOK, ResumeResponse{Changed: changed, Status: s.ctl.Status()})
}

// instrument counts requests by route pattern and status code.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.AdminRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
