// SPDX-License-Identifier: MIT

// Package doctor is the external watchdog of last resort. It polls the
// critical services and restarts remediable ones through the container
// engine when they stay down. It deliberately depends on nothing that the
// services it watches could take down with them.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/gaiahq/gaia/internal/config"
	"github.com/gaiahq/gaia/internal/log"
	"github.com/gaiahq/gaia/internal/maintenance"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// Restarter performs the remediation command for one service.
type Restarter interface {
	Restart(ctx context.Context, service config.ServiceTarget) error
}

// ComposeRestarter restarts compose services.
type ComposeRestarter struct {
	Bin  string
	File string
}

// Restart implements Restarter with `compose up -d` on the declared service.
func (c *ComposeRestarter) Restart(ctx context.Context, svc config.ServiceTarget) error {
	name := svc.ComposeService
	if name == "" {
		name = svc.Name
	}
	args := []string{"compose"}
	if c.File != "" {
		args = append(args, "-f", c.File)
	}
	args = append(args, "up", "-d", name)

	out, err := exec.CommandContext(ctx, c.Bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s compose up %s: %w: %s", c.Bin, name, err, out)
	}
	return nil
}

// RemediationAttempt is one restart the doctor performed.
type RemediationAttempt struct {
	Service string    `json:"service"`
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// serviceRecord is the doctor's view of one service.
type serviceRecord struct {
	Healthy             *bool     `json:"healthy"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CanRemediate        bool      `json:"can_remediate"`
	LastRestart         time.Time `json:"last_restart,omitempty"`
}

// statusDocument is what the doctor persists and serves.
type statusDocument struct {
	UpdatedAt    time.Time                 `json:"updated_at"`
	Maintenance  bool                      `json:"maintenance"`
	Services     map[string]*serviceRecord `json:"services"`
	Remediations []RemediationAttempt      `json:"remediations"`
}

const remediationHistory = 10

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Doctor polls services and remediates the ones that stay down.
type Doctor struct {
	cfg       config.Doctor
	services  []config.ServiceTarget
	flag      *maintenance.Flag
	restarter Restarter
	http      *http.Client
	clock     clock
	logger    zerolog.Logger

	mu           sync.Mutex
	records      map[string]*serviceRecord
	remediations []RemediationAttempt
}

// Option configures a Doctor.
type Option func(*Doctor)

// WithClock injects a clock for tests.
func WithClock(c clock) Option {
	return func(d *Doctor) { d.clock = c }
}

// WithHTTPClient overrides the probe transport (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(d *Doctor) { d.http = h }
}

// WithRestarter overrides the remediation command (tests).
func WithRestarter(r Restarter) Option {
	return func(d *Doctor) { d.restarter = r }
}

// New creates a doctor over the given services.
func New(cfg config.Doctor, services []config.ServiceTarget, flag *maintenance.Flag, opts ...Option) *Doctor {
	d := &Doctor{
		cfg:       cfg,
		services:  services,
		flag:      flag,
		restarter: &ComposeRestarter{Bin: cfg.ComposeBin, File: cfg.ComposeFile},
		clock:     realClock{},
		logger:    log.WithComponent("doctor"),
		records:   make(map[string]*serviceRecord, len(services)),
	}
	for _, svc := range services {
		d.records[svc.Name] = &serviceRecord{CanRemediate: svc.Remediable}
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.http == nil {
		d.http = &http.Client{Timeout: cfg.ProbeTimeout}
	}
	return d
}

// Run polls until ctx is cancelled. The first sweep fires immediately.
func (d *Doctor) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep probes every service, remediates where warranted, and persists the
// status document.
func (d *Doctor) Sweep(ctx context.Context) {
	now := d.clock.Now()
	maint := d.flag != nil && d.flag.IsSet()

	for _, svc := range d.services {
		ok := d.probe(ctx, svc.HealthURL) == nil
		d.apply(ctx, svc, ok, now, maint)
	}

	if err := d.writeStatus(); err != nil {
		// telemetry failure, never fatal
		d.logger.Warn().Err(err).
			Str("event", "doctor.status_write_failed").
			Msg("could not persist status document")
	}
}

func (d *Doctor) probe(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %s", resp.Status)
	}
	return nil
}

func (d *Doctor) apply(ctx context.Context, svc config.ServiceTarget, ok bool, now time.Time, maint bool) {
	d.mu.Lock()
	rec := d.records[svc.Name]
	rec.LastCheck = now

	if ok {
		wasDown := rec.Healthy != nil && !*rec.Healthy
		rec.ConsecutiveFailures = 0
		healthy := true
		rec.Healthy = &healthy
		d.mu.Unlock()
		if wasDown {
			d.logger.Info().
				Str("service", svc.Name).
				Str("event", "doctor.recovered").
				Msg("service recovered")
		}
		return
	}

	rec.ConsecutiveFailures++
	unhealthy := false
	rec.Healthy = &unhealthy
	failures := rec.ConsecutiveFailures
	cooledDown := rec.LastRestart.IsZero() || now.Sub(rec.LastRestart) >= d.cfg.RestartCooldown
	d.mu.Unlock()

	d.logger.Warn().
		Str("service", svc.Name).
		Int("consecutive_failures", failures).
		Str("event", "doctor.probe_failed").
		Msg("health probe failed")

	if failures < d.cfg.FailureThreshold || !svc.Remediable {
		return
	}
	if maint {
		d.logger.Info().
			Str("service", svc.Name).
			Str("event", "doctor.remediation_suppressed").
			Msg("maintenance flag set, remediation suppressed")
		return
	}
	if !cooledDown {
		d.logger.Debug().
			Str("service", svc.Name).
			Str("event", "doctor.cooldown").
			Msg("restart cooldown active")
		return
	}

	d.remediate(ctx, svc, now)
}

// remediate restarts the service. The cooldown starts at the attempt, not at
// success: a restart that fails must not be hammered in a tight loop.
func (d *Doctor) remediate(ctx context.Context, svc config.ServiceTarget, now time.Time) {
	err := d.restarter.Restart(ctx, svc)

	attempt := RemediationAttempt{Service: svc.Name, At: now, Success: err == nil}
	if err != nil {
		attempt.Error = err.Error()
	}

	d.mu.Lock()
	d.records[svc.Name].LastRestart = now
	d.remediations = append(d.remediations, attempt)
	if len(d.remediations) > remediationHistory {
		d.remediations = d.remediations[len(d.remediations)-remediationHistory:]
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Error().Err(err).
			Str("service", svc.Name).
			Str("event", "doctor.restart_failed").
			Msg("remediation failed")
		return
	}
	d.logger.Info().
		Str("service", svc.Name).
		Str("event", "doctor.restarted").
		Msg("service restarted")
}

func (d *Doctor) document() statusDocument {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc := statusDocument{
		UpdatedAt:    d.clock.Now(),
		Maintenance:  d.flag != nil && d.flag.IsSet(),
		Services:     make(map[string]*serviceRecord, len(d.records)),
		Remediations: append([]RemediationAttempt{}, d.remediations...),
	}
	for name, rec := range d.records {
		cp := *rec
		doc.Services[name] = &cp
	}
	return doc
}

func (d *Doctor) writeStatus() error {
	doc := d.document()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(d.cfg.StatusPath(), data, 0o644)
}

// Routes returns the doctor's HTTP surface on a plain ServeMux.
func (d *Doctor) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "doctor"})
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.document())
	})
	return mux
}
