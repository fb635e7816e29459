// SPDX-License-Identifier: MIT

package sleepwake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gaiahq/gaia/internal/log"
	"github.com/gaiahq/gaia/internal/metrics"
	"github.com/gaiahq/gaia/internal/timeline"
	"github.com/rs/zerolog"
)

// TaskHandler performs one maintenance task. Handlers should honor ctx
// cancellation; interruptible tasks in particular must return promptly once
// ctx is done.
type TaskHandler func(ctx context.Context) error

// Task is one registered maintenance task. Priority 1 is highest.
type Task struct {
	ID                string
	Type              string
	Priority          int
	Interruptible     bool
	EstimatedDuration time.Duration
	Handler           TaskHandler
}

// TaskView is the scheduler's status snapshot of one task.
type TaskView struct {
	ID                string        `json:"task_id"`
	Type              string        `json:"task_type"`
	Priority          int           `json:"priority"`
	Interruptible     bool          `json:"interruptible"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	LastRun           *time.Time    `json:"last_run,omitempty"`
	RunCount          int           `json:"run_count"`
	LastError         string        `json:"last_error,omitempty"`
}

type taskEntry struct {
	task     Task
	order    int // registration order, tie-break
	lastRun  time.Time
	runCount int
	lastErr  string
}

// Scheduler selects and runs the next maintenance task during ASLEEP.
// Selection is priority first, then least recently run with never-run tasks
// always preferred.
type Scheduler struct {
	tl     *timeline.Store
	clock  clock
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*taskEntry
	nextOrd int
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock injects a clock for tests.
func WithSchedulerClock(c clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// NewScheduler creates an empty scheduler.
func NewScheduler(tl *timeline.Store, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		tl:      tl,
		clock:   realClock{},
		logger:  log.WithComponent("scheduler"),
		entries: make(map[string]*taskEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task. Re-registering an ID replaces the definition but
// keeps the run history.
func (s *Scheduler) Register(t Task) error {
	if t.ID == "" || t.Handler == nil {
		return fmt.Errorf("task requires id and handler")
	}
	if t.Priority < 1 {
		t.Priority = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[t.ID]; ok {
		existing.task = t
		return nil
	}
	s.entries[t.ID] = &taskEntry{task: t, order: s.nextOrd}
	s.nextOrd++
	return nil
}

// NextTask returns the task that should run next, or nil when none are
// registered. It never mutates run history.
func (s *Scheduler) NextTask() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return nil
	}
	sorted := make([]*taskEntry, 0, len(s.entries))
	for _, e := range s.entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.task.Priority != b.task.Priority {
			return a.task.Priority < b.task.Priority
		}
		// zero time (never run) sorts first
		if !a.lastRun.Equal(b.lastRun) {
			return a.lastRun.Before(b.lastRun)
		}
		return a.order < b.order
	})

	t := sorted[0].task
	return &t
}

// Execute runs the task, records its telemetry, and reports success. Handler
// errors and panics are contained here: they mark last_error and never
// propagate to the cycle loop.
func (s *Scheduler) Execute(ctx context.Context, t *Task) bool {
	if t == nil {
		return false
	}

	start := s.clock.Now()
	err := s.runContained(ctx, t)
	elapsed := s.clock.Now().Sub(start)

	s.mu.Lock()
	entry, ok := s.entries[t.ID]
	if ok {
		entry.lastRun = start
		entry.runCount++
		if err != nil {
			entry.lastErr = err.Error()
		} else {
			entry.lastErr = ""
		}
	}
	s.mu.Unlock()

	metrics.RecordTaskRun(t.ID, elapsed.Seconds(), err == nil)
	s.tl.Append(timeline.EventTaskExec, map[string]any{
		"task_id":    t.ID,
		"task_type":  t.Type,
		"elapsed_s":  elapsed.Seconds(),
		"success":    err == nil,
		"last_error": errString(err),
	})

	if err != nil {
		s.logger.Warn().
			Err(err).
			Str(log.FieldTaskID, t.ID).
			Dur("elapsed", elapsed).
			Str("event", "task.failed").
			Msg("sleep task failed")
		return false
	}
	s.logger.Info().
		Str(log.FieldTaskID, t.ID).
		Dur("elapsed", elapsed).
		Str("event", "task.completed").
		Msg("sleep task completed")
	return true
}

func (s *Scheduler) runContained(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.Handler(ctx)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Status returns views of all registered tasks in selection order.
func (s *Scheduler) Status() []TaskView {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]TaskView, 0, len(s.entries))
	for _, e := range s.entries {
		v := TaskView{
			ID:                e.task.ID,
			Type:              e.task.Type,
			Priority:          e.task.Priority,
			Interruptible:     e.task.Interruptible,
			EstimatedDuration: e.task.EstimatedDuration,
			RunCount:          e.runCount,
			LastError:         e.lastErr,
		}
		if !e.lastRun.IsZero() {
			lr := e.lastRun
			v.LastRun = &lr
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Priority != views[j].Priority {
			return views[i].Priority < views[j].Priority
		}
		return views[i].ID < views[j].ID
	})
	return views
}
