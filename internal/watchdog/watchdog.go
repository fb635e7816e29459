// SPDX-License-Identifier: MIT

// Package watchdog polls the health endpoints of the live and candidate
// service tiers, debounces failures, and derives the overall HA status.
package watchdog

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gaiahq/gaia/internal/config"
	"github.com/gaiahq/gaia/internal/log"
	"github.com/gaiahq/gaia/internal/metrics"
	"github.com/gaiahq/gaia/internal/timeline"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// HAStatus is the derived availability of the whole deployment.
type HAStatus string

// HA statuses.
const (
	StatusActive         HAStatus = "ACTIVE"
	StatusDegraded       HAStatus = "DEGRADED"
	StatusFailoverActive HAStatus = "FAILOVER_ACTIVE"
	StatusFailed         HAStatus = "FAILED"
)

// AllStatuses lists every HA status, for gauge registration.
var AllStatuses = []string{
	string(StatusActive), string(StatusDegraded),
	string(StatusFailoverActive), string(StatusFailed),
}

// FlagChecker reports whether the maintenance flag is set.
type FlagChecker interface {
	IsSet() bool
}

// Config holds the watchdog knobs.
type Config struct {
	Interval         time.Duration // sweep cadence
	ProbeTimeout     time.Duration // per-request health timeout
	FailureThreshold int           // consecutive failures before unhealthy
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		FailureThreshold: 2,
	}
}

// ServiceState is the debounced health view of one service.
type ServiceState struct {
	Healthy             *bool     `json:"healthy"` // nil until the first verdict
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CanRemediate        bool      `json:"can_remediate"`
}

// Status is the watchdog's public snapshot.
type Status struct {
	HAStatus            HAStatus        `json:"ha_status"`
	Live                map[string]bool `json:"live"`
	Candidate           map[string]bool `json:"candidate"`
	ConsecutiveFailures map[string]int  `json:"consecutive_failures"`
	LastSweep           time.Time       `json:"last_sweep,omitempty"`
}

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Watchdog sweeps the registered services and tracks HA status.
type Watchdog struct {
	cfg      Config
	services []config.ServiceTarget
	flag     FlagChecker
	notifier *Notifier
	tl       *timeline.Store
	http     *http.Client
	clock    clock
	logger   zerolog.Logger

	mu     sync.Mutex
	states map[string]*ServiceState
	status HAStatus
	swept  bool
	last   time.Time
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithClock injects a clock for tests.
func WithClock(c clock) Option {
	return func(w *Watchdog) { w.clock = c }
}

// WithHTTPClient overrides the probe transport (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(w *Watchdog) { w.http = h }
}

// New creates a watchdog over the given services. flag and tl may be nil;
// the status starts DEGRADED until the first sweep completes.
func New(cfg Config, services []config.ServiceTarget, flag FlagChecker,
	notifier *Notifier, tl *timeline.Store, opts ...Option) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 || cfg.ProbeTimeout > 5*time.Second {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 2
	}
	if notifier == nil {
		notifier = NewNotifier()
	}

	w := &Watchdog{
		cfg:      cfg,
		services: services,
		flag:     flag,
		notifier: notifier,
		tl:       tl,
		clock:    realClock{},
		logger:   log.WithComponent("watchdog"),
		states:   make(map[string]*ServiceState, len(services)),
		status:   StatusDegraded,
	}
	for _, svc := range services {
		w.states[svc.Name] = &ServiceState{CanRemediate: svc.Remediable}
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.http == nil {
		w.http = &http.Client{Timeout: w.cfg.ProbeTimeout}
	}
	metrics.SetHAStatus(string(w.status), AllStatuses)
	return w
}

// Notifier returns the status-change notifier for SSE subscribers.
func (w *Watchdog) Notifier() *Notifier { return w.notifier }

// Run sweeps on the configured interval until ctx is cancelled. The first
// sweep fires immediately so the status leaves DEGRADED as soon as the truth
// is known.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep probes every service once and recomputes the HA status.
func (w *Watchdog) Sweep(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	type verdict struct {
		name string
		ok   bool
	}
	results := make([]verdict, len(w.services))
	for i, svc := range w.services {
		g.Go(func() error {
			results[i] = verdict{name: svc.Name, ok: w.probe(gctx, svc.HealthURL) == nil}
			return nil
		})
	}
	_ = g.Wait()

	now := w.clock.Now()
	w.mu.Lock()
	for _, v := range results {
		w.applyLocked(v.name, v.ok, now)
	}
	w.swept = true
	w.last = now
	old := w.status
	w.status = w.computeLocked()
	changed := old != w.status
	newStatus := w.status
	w.mu.Unlock()

	if changed {
		w.announce(old, newStatus)
	}
}

func (w *Watchdog) probe(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %s", resp.Status)
	}
	return nil
}

// applyLocked folds one probe verdict into the debounced state. A service is
// marked unhealthy only once its consecutive failures reach the threshold.
func (w *Watchdog) applyLocked(name string, ok bool, now time.Time) {
	st := w.states[name]
	if st == nil {
		return
	}
	st.LastCheck = now

	if ok {
		wasDown := st.Healthy != nil && !*st.Healthy
		st.ConsecutiveFailures = 0
		healthy := true
		st.Healthy = &healthy
		if wasDown {
			w.logger.Info().
				Str("service", name).
				Str("event", "watchdog.recovered").
				Msg("service recovered")
		}
	} else {
		st.ConsecutiveFailures++
		if st.ConsecutiveFailures >= w.cfg.FailureThreshold {
			unhealthy := false
			st.Healthy = &unhealthy
		}
		w.logger.Warn().
			Str("service", name).
			Int("consecutive_failures", st.ConsecutiveFailures).
			Int("threshold", w.cfg.FailureThreshold).
			Str("event", "watchdog.probe_failed").
			Msg("health probe failed")
	}
	metrics.RecordProbe(name, ok, st.ConsecutiveFailures)
}

// computeLocked derives the HA status from the tier health and the
// maintenance flag. A tier counts healthy only when every service in it is
// confirmed healthy.
func (w *Watchdog) computeLocked() HAStatus {
	liveOK := w.tierHealthyLocked("live")
	candOK := w.tierHealthyLocked("candidate")
	maint := w.flag != nil && w.flag.IsSet()

	switch {
	case maint && liveOK:
		return StatusActive
	case maint:
		return StatusFailed
	case liveOK && candOK:
		return StatusActive
	case liveOK:
		return StatusDegraded
	case candOK:
		return StatusFailoverActive
	default:
		return StatusFailed
	}
}

func (w *Watchdog) tierHealthyLocked(tier string) bool {
	found := false
	for _, svc := range w.services {
		if svc.Tier != tier {
			continue
		}
		found = true
		st := w.states[svc.Name]
		if st.Healthy == nil || !*st.Healthy {
			return false
		}
	}
	return found
}

func (w *Watchdog) announce(old, current HAStatus) {
	metrics.SetHAStatus(string(current), AllStatuses)
	w.logger.Warn().
		Str(log.FieldHAStatus, string(current)).
		Str("old_status", string(old)).
		Str("event", "watchdog.status_changed").
		Msg("ha status changed")
	w.notifier.Broadcast(StatusChange{Old: old, New: current, At: w.clock.Now()})
	if w.tl != nil {
		w.tl.Append(timeline.EventMessage, map[string]any{
			"kind":       "ha_status_change",
			"old_status": string(old),
			"new_status": string(current),
		})
	}
}

// Status returns the current snapshot.
func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := Status{
		HAStatus:            w.status,
		Live:                map[string]bool{},
		Candidate:           map[string]bool{},
		ConsecutiveFailures: map[string]int{},
	}
	if w.swept {
		out.LastSweep = w.last
	}
	for _, svc := range w.services {
		st := w.states[svc.Name]
		healthy := st.Healthy != nil && *st.Healthy
		switch svc.Tier {
		case "live":
			out.Live[svc.Name] = healthy
		case "candidate":
			out.Candidate[svc.Name] = healthy
		}
		out.ConsecutiveFailures[svc.Name] = st.ConsecutiveFailures
	}
	return out
}

// ServiceStates returns a copy of the per-service detail, keyed by name.
func (w *Watchdog) ServiceStates() map[string]ServiceState {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]ServiceState, len(w.states))
	for name, st := range w.states {
		out[name] = *st
	}
	return out
}
