// SPDX-License-Identifier: MIT

// Package resource samples host GPU/CPU utilization and detects sustained
// external load ("distraction") while GAIA is asleep.
package resource

import (
	"context"
	"sync"
	"time"

	"github.com/gaiahq/gaia/internal/log"
	"github.com/rs/zerolog"
)

// Load is one utilization sample in percent.
type Load struct {
	CPUPercent float64
	GPUPercent float64
}

// Max returns the dominant utilization of the sample.
func (l Load) Max() float64 {
	if l.GPUPercent > l.CPUPercent {
		return l.GPUPercent
	}
	return l.CPUPercent
}

// Sampler produces utilization samples. Implementations must be safe for
// sequential reuse; the monitor never calls Sample concurrently.
type Sampler interface {
	Sample(ctx context.Context) (Load, error)
}

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

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

// Config holds distraction-detection knobs.
type Config struct {
	ThresholdPercent float64       // load at or above this counts as busy
	SustainWindow    time.Duration // busy must persist this long to distract
}

// DefaultConfig mirrors the production defaults: 25% for 5 seconds.
func DefaultConfig() Config {
	return Config{ThresholdPercent: 25, SustainWindow: 5 * time.Second}
}

// Monitor tracks utilization over time. Observe is driven by the sleep cycle
// loop; IsDistracted answers from the recorded history without blocking.
type Monitor struct {
	sampler Sampler
	cfg     Config
	clock   clock
	sleep   sleeper
	logger  zerolog.Logger

	mu         sync.Mutex
	lastLoad   Load
	aboveSince time.Time // zero when the last sample was below threshold
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock injects a clock for tests.
func WithClock(c clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithSleeper injects the inter-sample wait for tests.
func WithSleeper(s sleeper) Option {
	return func(m *Monitor) { m.sleep = s }
}

// NewMonitor creates a resource monitor over the given sampler.
func NewMonitor(sampler Sampler, cfg Config, opts ...Option) *Monitor {
	if cfg.ThresholdPercent <= 0 {
		cfg.ThresholdPercent = 25
	}
	if cfg.SustainWindow <= 0 {
		cfg.SustainWindow = 5 * time.Second
	}
	m := &Monitor{
		sampler: sampler,
		cfg:     cfg,
		clock:   realClock{},
		sleep:   realSleep,
		logger:  log.WithComponent("resource"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Observe takes one sample and records it. Sampler errors are logged and
// treated as idle (no load evidence).
func (m *Monitor) Observe(ctx context.Context) Load {
	load, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Str("event", "resource.sample_error").Msg("utilization sample failed")
		load = Load{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastLoad = load
	if load.Max() >= m.cfg.ThresholdPercent {
		if m.aboveSince.IsZero() {
			m.aboveSince = m.clock.Now()
		}
	} else {
		m.aboveSince = time.Time{}
	}
	return load
}

// IsDistracted reports whether load has stayed at or above the threshold for
// at least the sustain window.
func (m *Monitor) IsDistracted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aboveSince.IsZero() {
		return false
	}
	return m.clock.Now().Sub(m.aboveSince) >= m.cfg.SustainWindow
}

// LastLoad returns the most recent sample.
func (m *Monitor) LastLoad() Load {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLoad
}

// SustainedClear re-samples live over the given span and reports true only if
// every sample stays below the threshold. Used to confirm the host has calmed
// down before leaving DISTRACTED.
func (m *Monitor) SustainedClear(ctx context.Context, span, every time.Duration) bool {
	if every <= 0 {
		every = time.Second
	}
	deadline := m.clock.Now().Add(span)
	for {
		load := m.Observe(ctx)
		if load.Max() >= m.cfg.ThresholdPercent {
			return false
		}
		if !m.clock.Now().Before(deadline) {
			return true
		}
		if err := m.sleep(ctx, every); err != nil {
			return false
		}
	}
}
