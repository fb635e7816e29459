// SPDX-License-Identifier: MIT

// Package api is gaiad's HTTP surface: the sleep/wake control endpoints, the
// HA status views, and the approval workflow.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gaiahq/gaia/internal/approval"
	"github.com/gaiahq/gaia/internal/idle"
	"github.com/gaiahq/gaia/internal/log"
	"github.com/gaiahq/gaia/internal/sleepwake"
	"github.com/gaiahq/gaia/internal/watchdog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
)

const serviceName = "gaia-core"

// Server bundles the handlers with their collaborators. wd may be nil when
// the embedded watchdog is disabled.
type Server struct {
	mgr       *sleepwake.Manager
	sched     *sleepwake.Scheduler
	idle      *idle.Monitor
	approvals *approval.Store
	wd        *watchdog.Watchdog
	logger    zerolog.Logger
}

// NewServer wires the API surface.
func NewServer(mgr *sleepwake.Manager, sched *sleepwake.Scheduler, idleMon *idle.Monitor,
	approvals *approval.Store, wd *watchdog.Watchdog) *Server {
	return &Server{
		mgr:       mgr,
		sched:     sched,
		idle:      idleMon,
		approvals: approvals,
		wd:        wd,
		logger:    log.WithComponent("api"),
	}
}

// Routes returns the gaiad HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)

	r.Route("/sleep", func(r chi.Router) {
		// wake signals are cheap but a runaway client must not spin the
		// state machine
		r.With(httprate.LimitByIP(30, time.Minute)).Post("/wake", s.handleWake)
		r.Get("/status", s.handleSleepStatus)
		r.Get("/tasks", s.handleTasks)
		r.Post("/study-handoff", s.handleStudyHandoff)
		r.Get("/distracted-check", s.handleDistractedCheck)
		r.Post("/shutdown", s.handleShutdown)
	})

	if s.wd != nil {
		r.Get("/ha/status", s.handleHAStatus)
		r.Get("/ha/events", s.wd.Notifier().SSEHandler())
	}

	r.Route("/approvals", func(r chi.Router) {
		r.Post("/", s.handleApprovalCreate)
		r.Get("/", s.handleApprovalList)
		r.Post("/{id}/approve", s.handleApprove)
		r.Post("/{id}/cancel", s.handleApprovalCancel)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": serviceName,
	})
}

type wakeRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	var req wakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	s.idle.RecordActivity(req.Source)
	s.mgr.ReceiveWakeSignal(req.Source)

	writeJSON(w, http.StatusOK, map[string]any{
		"received":  true,
		"state":     s.mgr.Status().State,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSleepStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Status())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.sched.Status()})
}

type studyHandoffRequest struct {
	Direction string `json:"direction"`
	HandoffID string `json:"handoff_id"`
}

func (s *Server) handleStudyHandoff(w http.ResponseWriter, r *http.Request) {
	var req studyHandoffRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var err error
	switch req.Direction {
	case "prime_to_study":
		err = s.mgr.EnterDreaming(req.HandoffID)
	case "study_to_prime":
		err = s.mgr.ExitDreaming()
	default:
		writeError(w, http.StatusBadRequest,
			errors.New("direction must be prime_to_study or study_to_prime"))
		return
	}
	if err != nil {
		// precondition violation, no state change
		writeError(w, http.StatusConflict, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":  true,
		"state":     s.mgr.Status().State,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDistractedCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"state":     s.mgr.Status().State,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if canned := s.mgr.CannedResponse(); canned != "" {
		resp["canned_response"] = canned
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.InitiateOffline(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":  true,
		"state":     "offline",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHAStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.wd.Status())
}

type approvalCreateRequest struct {
	Method   string         `json:"method"`
	Params   map[string]any `json:"params"`
	Proposal string         `json:"proposal"`
}

func (s *Server) handleApprovalCreate(w http.ResponseWriter, r *http.Request) {
	var req approvalCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, errors.New("method is required"))
		return
	}

	p, err := s.approvals.CreatePending(req.Method, req.Params, req.Proposal)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.approvals.ListPending()})
}

type approveRequest struct {
	Challenge string `json:"challenge"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	payload, err := s.approvals.Approve(chi.URLParam(r, "id"), req.Challenge)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, approval.ErrExpired):
		writeError(w, http.StatusGone, err)
		return
	case errors.Is(err, approval.ErrInvalidChallenge):
		writeError(w, http.StatusForbidden, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"approved": true,
		"payload":  payload,
	})
}

func (s *Server) handleApprovalCancel(w http.ResponseWriter, r *http.Request) {
	if !s.approvals.Cancel(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, approval.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
