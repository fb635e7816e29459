// SPDX-License-Identifier: MIT

package sleepwake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gaiahq/gaia/internal/log"
	"github.com/gaiahq/gaia/internal/metrics"
	"github.com/gaiahq/gaia/internal/timeline"
	"github.com/rs/zerolog"
)

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// ManagerConfig holds the state machine knobs.
type ManagerConfig struct {
	IdleThreshold time.Duration // idle time before ACTIVE may drift to DROWSY
	DrowsyGrace   time.Duration // cancellable window before DROWSY becomes ASLEEP
	SleepEnabled  bool
}

// DefaultManagerConfig mirrors the production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		IdleThreshold: 5 * time.Minute,
		DrowsyGrace:   60 * time.Second,
		SleepEnabled:  true,
	}
}

// TaskRef identifies the task the cycle loop is currently executing.
type TaskRef struct {
	ID            string
	Interruptible bool
}

// StatusView is the externally visible manager status.
type StatusView struct {
	State             string  `json:"state"`
	SecondsInState    float64 `json:"seconds_in_state"`
	CurrentTask       *string `json:"current_task,omitempty"`
	WakeSignalPending bool    `json:"wake_signal_pending"`
}

// WakeResult reports the outcome of completing a wake.
type WakeResult struct {
	CheckpointLoaded bool      `json:"checkpoint_loaded"`
	WokeAt           time.Time `json:"woke_at"`
}

// Manager owns the current state and the pending wake signal. All transitions
// go through its methods; no other component mutates state.
type Manager struct {
	cfg    ManagerConfig
	tl     *timeline.Store
	clock  clock
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	stateSince  time.Time
	wakePending bool
	wakeSignal  *WakeSignal
	currentTask *TaskRef
	// drowsyCancel is non-nil only while InitiateDrowsy waits out the grace
	// window. Closing it aborts the wait. The lock is never held across the
	// wait itself.
	drowsyCancel chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock injects a clock for tests.
func WithClock(c clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates a state machine starting in ACTIVE.
func NewManager(cfg ManagerConfig, tl *timeline.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:    cfg,
		tl:     tl,
		clock:  realClock{},
		logger: log.WithComponent("sleepwake"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state = StateActive
	m.stateSince = m.clock.Now()
	return m
}

// State returns the internal phase (incl. FINISHING_TASK / WAKING). The cycle
// loop dispatches on this; external callers should use Status().
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the externally visible status snapshot.
func (m *Manager) Status() StatusView {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := StatusView{
		State:             string(m.state.visible()),
		SecondsInState:    m.clock.Now().Sub(m.stateSince).Seconds(),
		WakeSignalPending: m.wakePending,
	}
	if m.currentTask != nil {
		id := m.currentTask.ID
		v.CurrentTask = &id
	}
	return v
}

// transitionLocked performs a legality-checked transition. The state_change
// timeline event is emitted before any downstream effect. Caller holds m.mu.
func (m *Manager) transitionLocked(to State, reason string) error {
	from := m.state
	if !LegalTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	data := map[string]any{"from": string(from), "to": string(to)}
	if reason != "" {
		data["reason"] = reason
	}
	m.tl.Append(timeline.EventStateChange, data)

	m.state = to
	m.stateSince = m.clock.Now()
	if to != StateAsleep && to != StateFinishingTask {
		m.currentTask = nil
	}
	// A signal received while waking is moot once the machine is ACTIVE.
	if to == StateActive {
		m.wakePending = false
		m.wakeSignal = nil
	}

	metrics.RecordTransition(string(from), string(to))
	m.logger.Info().
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(to)).
		Str(log.FieldReason, reason).
		Str("event", "state.transition").
		Msg("state transition")
	return nil
}

// ShouldTransitionToDrowsy is true iff the machine is ACTIVE, sleep is
// enabled, and the idle time has reached the threshold.
func (m *Manager) ShouldTransitionToDrowsy(idleMinutes float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cfg.SleepEnabled || m.state != StateActive {
		return false
	}
	return idleMinutes >= m.cfg.IdleThreshold.Minutes()
}

// InitiateDrowsy moves ACTIVE -> DROWSY and waits out the grace window.
// Returns true when the window completed and the machine is now ASLEEP; false
// when a wake signal (or ctx cancellation) aborted the attempt and the machine
// is back in ACTIVE.
func (m *Manager) InitiateDrowsy(ctx context.Context) bool {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return false
	}
	if err := m.transitionLocked(StateDrowsy, "idle threshold reached"); err != nil {
		m.mu.Unlock()
		return false
	}
	cancel := make(chan struct{})
	m.drowsyCancel = cancel
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.DrowsyGrace)
	defer timer.Stop()

	aborted := false
	select {
	case <-timer.C:
	case <-cancel:
		aborted = true
	case <-ctx.Done():
		aborted = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.drowsyCancel = nil

	// A wake signal may have slipped in after the timer fired but before the
	// lock was reacquired; it wins.
	if m.wakePending {
		aborted = true
		m.wakePending = false
		m.wakeSignal = nil
	}

	if m.state != StateDrowsy {
		return false
	}
	if aborted {
		_ = m.transitionLocked(StateActive, "wake during grace window")
		return false
	}
	if err := m.transitionLocked(StateAsleep, "grace window elapsed"); err != nil {
		return false
	}
	return true
}

// ReceiveWakeSignal registers an external wake request. Idempotent while
// ACTIVE. During DROWSY it aborts the grace window; during ASLEEP with a
// non-interruptible task running it moves the machine into FINISHING_TASK.
func (m *Manager) ReceiveWakeSignal(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateActive {
		return
	}

	metrics.RecordWakeSignal(source)
	if m.wakeSignal == nil {
		m.wakeSignal = &WakeSignal{ReceivedAt: m.clock.Now(), Source: source}
	}
	m.wakePending = true

	switch m.state {
	case StateDrowsy:
		if m.drowsyCancel != nil {
			close(m.drowsyCancel)
			m.drowsyCancel = nil
		}
	case StateAsleep:
		if m.currentTask != nil && !m.currentTask.Interruptible {
			_ = m.transitionLocked(StateFinishingTask, "wake signal during non-interruptible task")
		}
	}
}

// WakeSignalPending reports whether an unconsumed wake signal is held.
func (m *Manager) WakeSignalPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wakePending
}

// TransitionToWaking consumes the pending wake signal and enters WAKING.
func (m *Manager) TransitionToWaking() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var source string
	if m.wakeSignal != nil {
		source = m.wakeSignal.Source
	}
	if err := m.transitionLocked(StateWaking, "wake signal from "+source); err != nil {
		return err
	}
	m.wakePending = false
	m.wakeSignal = nil
	return nil
}

// CompleteWake returns the machine to ACTIVE and records the wake event.
func (m *Manager) CompleteWake() (WakeResult, error) {
	checkpointLoaded := m.tl.LastEventOfType(timeline.EventCheckpoint) != nil

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transitionLocked(StateActive, "wake completed"); err != nil {
		return WakeResult{}, err
	}
	return WakeResult{CheckpointLoaded: checkpointLoaded, WokeAt: m.clock.Now()}, nil
}

// EnterDreaming moves ASLEEP -> DREAMING for a study handoff.
func (m *Manager) EnterDreaming(handoffID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(StateDreaming, "study handoff "+handoffID)
}

// ExitDreaming returns DREAMING -> ASLEEP when the study handoff ends.
func (m *Manager) ExitDreaming() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(StateAsleep, "study handoff ended")
}

// EnterDistracted moves ASLEEP -> DISTRACTED on sustained host load.
func (m *Manager) EnterDistracted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(StateDistracted, "sustained host load")
}

// ExitDistracted returns DISTRACTED -> ASLEEP once load subsides.
func (m *Manager) ExitDistracted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(StateAsleep, "host load subsided")
}

// InitiateOffline moves any state to OFFLINE. Terminal for this process.
func (m *Manager) InitiateOffline() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateOffline {
		return nil
	}
	if m.drowsyCancel != nil {
		close(m.drowsyCancel)
		m.drowsyCancel = nil
	}
	return m.transitionLocked(StateOffline, "shutdown requested")
}

// CannedResponse returns the fixed reply for the current state, or "" when
// normal processing applies.
func (m *Manager) CannedResponse() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CannedResponseFor(m.state)
}

// SetCurrentTask records the task the cycle loop is about to execute.
func (m *Manager) SetCurrentTask(id string, interruptible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAsleep {
		return
	}
	m.currentTask = &TaskRef{ID: id, Interruptible: interruptible}
}

// ClearCurrentTask removes the current task marker.
func (m *Manager) ClearCurrentTask() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTask = nil
}

// CurrentTask returns the running task marker, or nil.
func (m *Manager) CurrentTask() *TaskRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentTask == nil {
		return nil
	}
	t := *m.currentTask
	return &t
}
