// SPDX-License-Identifier: MIT

// Package idle tracks minutes since the last externally-recorded activity.
package idle

import (
	"sync"
	"time"
)

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Monitor records activity timestamps and reports idle time. It is seeded to
// "now" at construction so a fresh boot never looks instantly idle.
type Monitor struct {
	mu           sync.Mutex
	lastActivity time.Time
	lastSource   string
	clock        clock
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock injects a clock for tests.
func WithClock(c clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// NewMonitor creates an idle monitor.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{clock: realClock{}}
	for _, opt := range opts {
		opt(m)
	}
	m.lastActivity = m.clock.Now()
	return m
}

// RecordActivity marks activity from the given source (web, discord, api, ...).
func (m *Monitor) RecordActivity(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = m.clock.Now()
	m.lastSource = source
}

// IdleMinutes returns minutes elapsed since the last recorded activity.
func (m *Monitor) IdleMinutes() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Now().Sub(m.lastActivity).Minutes()
}

// LastActivity returns the last activity timestamp and its source.
func (m *Monitor) LastActivity() (time.Time, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity, m.lastSource
}
