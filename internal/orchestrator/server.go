// SPDX-License-Identifier: MIT

// Package orchestrator exposes GPU custody over HTTP. It is the only process
// that writes the persistent GPU state; gaiad and the study runner drive it
// through this API.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gaiahq/gaia/internal/gpustate"
	"github.com/gaiahq/gaia/internal/log"
	"github.com/gaiahq/gaia/internal/timeline"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Runner starts and stops the live Prime container. Implementations wrap the
// local container engine; NopRunner serves deployments where containers are
// managed out of band.
type Runner interface {
	StartPrime(ctx context.Context) error
	StopPrime(ctx context.Context) error
}

// NopRunner performs no container work.
type NopRunner struct{}

// StartPrime implements Runner.
func (NopRunner) StartPrime(context.Context) error { return nil }

// StopPrime implements Runner.
func (NopRunner) StopPrime(context.Context) error { return nil }

// Prober checks whether the live Prime service answers its health endpoint.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber probes a health URL with a short per-request timeout.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.New("health returned " + resp.Status)
	}
	return nil
}

// Config holds the orchestrator server knobs.
type Config struct {
	WakeDeadline  time.Duration // how long /gpu/wake waits for a healthy Prime
	WakePoll      time.Duration // health poll cadence during wake
	PhaseDeadline time.Duration // max time a handoff may sit in one phase
}

// DefaultServerConfig mirrors the production defaults.
func DefaultServerConfig() Config {
	return Config{
		WakeDeadline:  90 * time.Second,
		WakePoll:      2 * time.Second,
		PhaseDeadline: 2 * time.Minute,
	}
}

type sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Server is the orchestrator HTTP surface.
type Server struct {
	cfg    Config
	store  *gpustate.Store
	runner Runner
	prober Prober
	tl     *timeline.Store
	sleep  sleeper
	logger zerolog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSleeper injects the wake poll wait for tests.
func WithSleeper(s sleeper) ServerOption {
	return func(srv *Server) { srv.sleep = s }
}

// NewServer wires the orchestrator. runner and prober may be nil in
// container-less deployments; tl may be nil in tests.
func NewServer(cfg Config, store *gpustate.Store, runner Runner, prober Prober,
	tl *timeline.Store, opts ...ServerOption) *Server {
	if cfg.WakeDeadline <= 0 {
		cfg.WakeDeadline = 90 * time.Second
	}
	if cfg.WakePoll <= 0 {
		cfg.WakePoll = 2 * time.Second
	}
	if cfg.PhaseDeadline <= 0 {
		cfg.PhaseDeadline = 2 * time.Minute
	}
	if runner == nil {
		runner = NopRunner{}
	}
	s := &Server{
		cfg:    cfg,
		store:  store,
		runner: runner,
		prober: prober,
		tl:     tl,
		sleep:  realSleep,
		logger: log.WithComponent("orchestrator"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the orchestrator HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLog)

	r.Get("/health", s.handleHealth)
	r.Get("/state", s.handleState)
	r.Post("/gpu/sleep", s.handleGPUSleep)
	r.Post("/gpu/wake", s.handleGPUWake)
	r.Post("/handoff/start", s.handleHandoffStart)
	r.Post("/handoff/advance", s.handleHandoffAdvance)
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	})
}

// RunPhaseWatchdog fails handoffs stuck past the per-phase deadline. Blocks
// until ctx is cancelled.
func (s *Server) RunPhaseWatchdog(ctx context.Context) error {
	check := s.cfg.PhaseDeadline / 4
	if check < time.Second {
		check = time.Second
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			failed, err := s.store.FailOverdue(s.cfg.PhaseDeadline)
			if err != nil {
				s.logger.Error().Err(err).
					Str("event", "orchestrator.watchdog_persist_failed").
					Msg("failed to persist overdue handoff")
				continue
			}
			if failed != nil {
				s.recordHandoffEvent(failed)
			}
		}
	}
}

func (s *Server) recordHandoffEvent(h *gpustate.Handoff) {
	if s.tl == nil {
		return
	}
	s.tl.Append(timeline.EventGPUHandoff, map[string]any{
		"handoff_id":   h.HandoffID,
		"handoff_type": string(h.Type),
		"phase":        string(h.Phase),
		"source":       h.Source,
		"destination":  h.Destination,
		"error":        h.Error,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

type sleepRequest struct {
	Reason string `json:"reason"`
}

// handleGPUSleep releases the GPU: the live Prime is stopped and the owner
// drops to NONE. Idempotent when the GPU is already free. Responds with the
// resulting state snapshot.
func (s *Server) handleGPUSleep(w http.ResponseWriter, r *http.Request) {
	var req sleepRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "sleep requested"
	}

	if s.store.Owner() == gpustate.OwnerNone {
		writeJSON(w, http.StatusOK, s.store.Snapshot())
		return
	}

	h, err := s.store.StartHandoff(gpustate.HandoffPrimeToStudy, "gaia-core", "gpu-idle")
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if _, err := s.store.AdvanceHandoff(h.HandoffID, gpustate.PhaseReleasingGPU, ""); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.runner.StopPrime(r.Context()); err != nil {
		s.failHandoff(h.HandoffID, "stop prime: "+err.Error())
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if err := s.store.SetOwner(gpustate.OwnerNone, req.Reason); err != nil {
		s.failHandoff(h.HandoffID, err.Error())
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	done, err := s.store.AdvanceHandoff(h.HandoffID, gpustate.PhaseCompleted, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.recordHandoffEvent(&done)
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

// handleGPUWake boots the live Prime and marks it owner once its health
// endpoint answers 200. The owner is never set to a container that failed
// the verify step. Responds with the resulting state snapshot.
func (s *Server) handleGPUWake(w http.ResponseWriter, r *http.Request) {
	if s.store.Owner() == gpustate.OwnerCore {
		writeJSON(w, http.StatusOK, s.store.Snapshot())
		return
	}

	h, err := s.store.StartHandoff(gpustate.HandoffStudyToPrime, "gpu-idle", "gaia-core")
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if _, err := s.store.AdvanceHandoff(h.HandoffID, gpustate.PhaseBootingTgt, ""); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.runner.StartPrime(r.Context()); err != nil {
		s.failHandoff(h.HandoffID, "start prime: "+err.Error())
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if _, err := s.store.AdvanceHandoff(h.HandoffID, gpustate.PhaseVerifying, ""); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.awaitHealthy(r.Context()); err != nil {
		s.failHandoff(h.HandoffID, "verify: "+err.Error())
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if err := s.store.SetOwner(gpustate.OwnerCore, "wake"); err != nil {
		s.failHandoff(h.HandoffID, err.Error())
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	done, err := s.store.AdvanceHandoff(h.HandoffID, gpustate.PhaseCompleted, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.recordHandoffEvent(&done)
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

// awaitHealthy polls the Prime health endpoint until it answers or the wake
// deadline passes. A nil prober trusts the runner.
func (s *Server) awaitHealthy(ctx context.Context) error {
	if s.prober == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WakeDeadline)
	defer cancel()

	var lastErr error
	for {
		lastErr = s.prober.Probe(ctx)
		if lastErr == nil {
			return nil
		}
		if err := s.sleep(ctx, s.cfg.WakePoll); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
	}
}

func (s *Server) failHandoff(id, reason string) {
	done, err := s.store.AdvanceHandoff(id, gpustate.PhaseFailed, reason)
	if err != nil {
		s.logger.Error().Err(err).
			Str(log.FieldHandoffID, id).
			Str("event", "orchestrator.fail_handoff_error").
			Msg("could not mark handoff failed")
		return
	}
	s.recordHandoffEvent(&done)
}

type handoffStartRequest struct {
	Type        string `json:"type"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

func (s *Server) handleHandoffStart(w http.ResponseWriter, r *http.Request) {
	var req handoffStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h, err := s.store.StartHandoff(gpustate.HandoffType(req.Type), req.Source, req.Destination)
	switch {
	case errors.Is(err, gpustate.ErrHandoffActive):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.recordHandoffEvent(&h)
	writeJSON(w, http.StatusCreated, h)
}

type handoffAdvanceRequest struct {
	HandoffID string `json:"handoff_id"`
	Phase     string `json:"phase"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleHandoffAdvance(w http.ResponseWriter, r *http.Request) {
	var req handoffAdvanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h, err := s.store.AdvanceHandoff(req.HandoffID, gpustate.Phase(req.Phase), req.Error)
	switch {
	case errors.Is(err, gpustate.ErrNoHandoff), errors.Is(err, gpustate.ErrUnknownHandoff):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, gpustate.ErrPhaseOrder):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if h.Phase.Terminal() {
		s.recordHandoffEvent(&h)
	}
	writeJSON(w, http.StatusOK, h)
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
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
