// SPDX-License-Identifier: MIT

package sleepwake

import (
	"context"
	"fmt"
	"time"

	"github.com/gaiahq/gaia/internal/idle"
	"github.com/gaiahq/gaia/internal/log"
	"github.com/gaiahq/gaia/internal/resource"
	"github.com/rs/zerolog"
)

// Orchestrator is the GPU lease orchestrator as seen by the cycle loop. Both
// calls are best-effort: a failed GPU change never blocks a state transition.
type Orchestrator interface {
	ReleaseGPU(ctx context.Context, reason string) error
	ReclaimGPU(ctx context.Context) error
}

// PresenceUpdater pushes the assistant's presence line to an external surface.
// Implementations must be non-blocking or internally bounded.
type PresenceUpdater interface {
	UpdatePresence(ctx context.Context, status string)
}

// NopPresence discards presence updates (service mode without a surface).
type NopPresence struct{}

// UpdatePresence implements PresenceUpdater.
func (NopPresence) UpdatePresence(context.Context, string) {}

// Presence lines shown on the chat surfaces.
const (
	PresenceDriftingOff = "drifting off..."
	PresenceSleeping    = "sleeping"
	PresenceWakingUp    = "waking up"
	PresenceDefault     = ""
)

// LoopConfig holds the cycle loop cadence knobs.
type LoopConfig struct {
	PollActive      time.Duration // tick period while ACTIVE / DROWSY / DREAMING
	PollAsleep      time.Duration // tick period while ASLEEP / DISTRACTED / waking
	TickCooldown    time.Duration // back-off after a tick error or panic
	DistractedCheck time.Duration // cadence of the DISTRACTED exit re-sample
	ClearSpan       time.Duration // how long load must stay low to exit DISTRACTED
	ClearSampleGap  time.Duration
}

// DefaultLoopConfig mirrors the production defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		PollActive:      10 * time.Second,
		PollAsleep:      2 * time.Second,
		TickCooldown:    15 * time.Second,
		DistractedCheck: 5 * time.Minute,
		ClearSpan:       3 * time.Second,
		ClearSampleGap:  time.Second,
	}
}

// Loop is the long-lived worker driving the state machine from idle and
// resource signals, running sleep tasks, and reconciling GPU custody.
type Loop struct {
	cfg      LoopConfig
	mgr      *Manager
	sched    *Scheduler
	idle     *idle.Monitor
	res      *resource.Monitor
	orch     Orchestrator
	presence PresenceUpdater
	clock    clock
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger

	lastDistractedCheck time.Time
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLoopClock injects a clock for tests.
func WithLoopClock(c clock) LoopOption {
	return func(l *Loop) { l.clock = c }
}

// WithLoopSleeper injects the inter-tick wait for tests.
func WithLoopSleeper(s func(ctx context.Context, d time.Duration) error) LoopOption {
	return func(l *Loop) { l.sleep = s }
}

// NewLoop wires the cycle loop. presence may be nil.
func NewLoop(cfg LoopConfig, mgr *Manager, sched *Scheduler, idleMon *idle.Monitor,
	resMon *resource.Monitor, orch Orchestrator, presence PresenceUpdater, opts ...LoopOption) *Loop {
	if presence == nil {
		presence = NopPresence{}
	}
	l := &Loop{
		cfg:      cfg,
		mgr:      mgr,
		sched:    sched,
		idle:     idleMon,
		res:      resMon,
		orch:     orch,
		presence: presence,
		clock:    realClock{},
		logger:   log.WithComponent("cycle-loop"),
	}
	l.sleep = func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes ticks until the machine goes OFFLINE or ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().Str("event", "loop.started").Msg("sleep cycle loop started")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.mgr.State() == StateOffline {
			l.logger.Info().Str("event", "loop.offline").Msg("state machine offline, loop exiting")
			return nil
		}

		wait := l.cadence()
		if err := l.safeTick(ctx); err != nil {
			l.logger.Error().Err(err).Str("event", "loop.tick_error").Msg("tick failed, cooling down")
			wait = l.cfg.TickCooldown
		}

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Loop) cadence() time.Duration {
	switch l.mgr.State() {
	case StateAsleep, StateDistracted, StateFinishingTask, StateWaking:
		return l.cfg.PollAsleep
	default:
		return l.cfg.PollActive
	}
}

// safeTick contains panics so a bad tick never kills the loop.
func (l *Loop) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	return l.tick(ctx)
}

// Tick runs exactly one loop iteration. Exported for the end-to-end tests.
func (l *Loop) Tick(ctx context.Context) error {
	return l.safeTick(ctx)
}

func (l *Loop) tick(ctx context.Context) error {
	switch l.mgr.State() {
	case StateActive:
		return l.tickActive(ctx)
	case StateAsleep:
		return l.tickAsleep(ctx)
	case StateFinishingTask:
		if l.mgr.CurrentTask() == nil {
			return l.mgr.TransitionToWaking()
		}
		return nil
	case StateWaking:
		return l.tickWaking(ctx)
	case StateDistracted:
		return l.tickDistracted(ctx)
	case StateDreaming, StateDrowsy, StateOffline:
		// DREAMING is driven by orchestrator HTTP; DROWSY resolves inside
		// InitiateDrowsy; OFFLINE is handled by Run.
		return nil
	}
	return nil
}

func (l *Loop) tickActive(ctx context.Context) error {
	idleMinutes := l.idle.IdleMinutes()
	if !l.mgr.ShouldTransitionToDrowsy(idleMinutes) {
		return nil
	}

	l.presence.UpdatePresence(ctx, PresenceDriftingOff)
	if !l.mgr.InitiateDrowsy(ctx) {
		// Wake during the grace window: back to normal.
		l.presence.UpdatePresence(ctx, PresenceDefault)
		return nil
	}

	// Transition event is already on the timeline; the GPU change is a
	// best-effort downstream effect.
	if err := l.orch.ReleaseGPU(ctx, "entering sleep"); err != nil {
		l.logger.Warn().Err(err).Str("event", "loop.gpu_release_failed").
			Msg("GPU release failed, sleeping without it")
	}
	l.presence.UpdatePresence(ctx, PresenceSleeping)
	return nil
}

func (l *Loop) tickAsleep(ctx context.Context) error {
	l.res.Observe(ctx)

	if l.mgr.WakeSignalPending() {
		return l.mgr.TransitionToWaking()
	}
	if l.res.IsDistracted() {
		// First exit re-sample is due a full check interval from now.
		l.lastDistractedCheck = l.clock.Now()
		return l.mgr.EnterDistracted()
	}

	task := l.sched.NextTask()
	if task == nil {
		return nil
	}

	l.mgr.SetCurrentTask(task.ID, task.Interruptible)
	l.sched.Execute(ctx, task)
	l.mgr.ClearCurrentTask()

	// The wake signal may have arrived mid-task. Non-interruptible tasks have
	// already moved the machine to FINISHING_TASK; that phase resolves on the
	// next tick now that the task marker is cleared.
	if l.mgr.State() == StateAsleep && l.mgr.WakeSignalPending() {
		return l.mgr.TransitionToWaking()
	}
	return nil
}

func (l *Loop) tickWaking(ctx context.Context) error {
	l.presence.UpdatePresence(ctx, PresenceWakingUp)
	if err := l.orch.ReclaimGPU(ctx); err != nil {
		l.logger.Warn().Err(err).Str("event", "loop.gpu_reclaim_failed").
			Msg("GPU reclaim failed, waking without it")
	}
	if _, err := l.mgr.CompleteWake(); err != nil {
		return err
	}
	l.presence.UpdatePresence(ctx, PresenceDefault)
	return nil
}

func (l *Loop) tickDistracted(ctx context.Context) error {
	now := l.clock.Now()
	if now.Sub(l.lastDistractedCheck) < l.cfg.DistractedCheck {
		return nil
	}
	l.lastDistractedCheck = now

	if l.res.SustainedClear(ctx, l.cfg.ClearSpan, l.cfg.ClearSampleGap) {
		return l.mgr.ExitDistracted()
	}
	return nil
}
