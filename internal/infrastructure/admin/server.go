// Package admin exposes the operational HTTP surface: readiness, status,
// forced startup bypass and manual reconciliation triggers.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"execution_gateway/internal/core"
	"execution_gateway/internal/reconciler"
	"execution_gateway/pkg/apperrors"
)

// Reconciler is the slice of the reconciliation service the admin surface
// needs
type Reconciler interface {
	State() *reconciler.State
	TriggerManual(ctx context.Context) (*core.CycleResult, error)
	RunFillsBackfillOnce(ctx context.Context, lookbackHours *int, recalcAll bool) (*core.BackfillResult, error)
}

// Server is the admin HTTP server
type Server struct {
	port   int
	rec    Reconciler
	logger core.ILogger
	srv    *http.Server
}

func NewServer(port int, rec Reconciler, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		rec:    rec,
		logger: logger.WithField("component", "admin_server"),
	}
}

// Start starts the admin HTTP server
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/bypass", s.handleBypass)
	mux.HandleFunc("/reconcile", s.handleReconcile)
	mux.HandleFunc("/backfill", s.handleBackfill)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting admin server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", "error", err)
		}
	}()
}

// Stop gracefully stops the admin server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping admin server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	state := s.rec.State()
	ready := state.IsStartupComplete()

	body := map[string]interface{}{
		"ready":           ready,
		"elapsed_seconds": state.StartupElapsedSeconds(),
	}
	if !ready {
		body["startup_timed_out"] = state.StartupTimedOut()
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.rec.State()
	body := map[string]interface{}{
		"ready":           state.IsStartupComplete(),
		"time":            time.Now().UTC(),
		"last_result":     state.LastResult(),
		"override_active": state.OverrideActive(),
	}
	if oc := state.OverrideContext(); oc != nil {
		body["override"] = oc
	}
	writeJSON(w, http.StatusOK, body)
}

type bypassRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

func (s *Server) handleBypass(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req bypassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	state := s.rec.State()
	if err := state.MarkStartupComplete(true, req.UserID, req.Reason); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, apperrors.ErrInvalidBypass) {
			code = http.StatusBadRequest
		}
		writeJSON(w, code, map[string]string{"error": err.Error()})
		return
	}

	s.logger.Warn("Forced startup bypass recorded",
		"user_id", req.UserID,
		"reason", req.Reason,
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":    true,
		"override": state.OverrideContext(),
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	result, err := s.rec.TriggerManual(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"result": result,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type backfillRequest struct {
	LookbackHours *int `json:"lookback_hours,omitempty"`
	RecalcAll     bool `json:"recalc_all"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	result, err := s.rec.RunFillsBackfillOnce(r.Context(), req.LookbackHours, req.RecalcAll)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
