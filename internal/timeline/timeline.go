// SPDX-License-Identifier: MIT

// Package timeline implements GAIA's append-only JSONL event log with daily
// rotation. Appends are short single lines so concurrent writers are safe on
// POSIX without cross-process locking; readers tolerate a partial tail.
package timeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gaiahq/gaia/internal/log"
	"github.com/gaiahq/gaia/internal/metrics"
	"github.com/rs/zerolog"
)

// Well-known event types.
const (
	EventStateChange   = "state_change"
	EventSessionStart  = "session_start"
	EventMessage       = "message"
	EventTaskExec      = "task_exec"
	EventCheckpoint    = "checkpoint"
	EventGPUHandoff    = "gpu_handoff"
	EventCodeEvolution = "code_evolution"
	EventCouncilNote   = "council_note"
)

const filePrefix = "gaia_timeline_"

// Event is one timeline entry.
type Event struct {
	TS    time.Time      `json:"ts"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store writes and reads the daily timeline files under dir.
type Store struct {
	dir    string
	clock  clock
	logger zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects a clock for tests.
func WithClock(c clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates a timeline store rooted at dir. The directory is created lazily
// on first append.
func New(dir string, opts ...Option) *Store {
	s := &Store{
		dir:    dir,
		clock:  realClock{},
		logger: log.WithComponent("timeline"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) fileFor(t time.Time) string {
	return filepath.Join(s.dir, filePrefix+t.UTC().Format("2006-01-02")+".jsonl")
}

// Append writes one event to today's file. Failures are logged and swallowed:
// telemetry must never crash a caller.
func (s *Store) Append(event string, data map[string]any) {
	now := s.clock.Now().UTC()
	line, err := json.Marshal(Event{TS: now, Event: event, Data: data})
	if err != nil {
		s.logger.Error().Err(err).Str("event", "timeline.marshal_error").Msg("failed to serialize timeline event")
		metrics.RecordTimelineWriteError()
		return
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.logger.Error().Err(err).Str("event", "timeline.mkdir_error").Msg("failed to create timeline dir")
		metrics.RecordTimelineWriteError()
		return
	}

	f, err := os.OpenFile(s.fileFor(now), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Error().Err(err).Str("event", "timeline.open_error").Msg("failed to open timeline file")
		metrics.RecordTimelineWriteError()
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		s.logger.Error().Err(err).Str("event", "timeline.write_error").Msg("failed to append timeline event")
		metrics.RecordTimelineWriteError()
	}
}

// readFile parses one day file, skipping malformed lines (partial tails from
// concurrent appenders are expected).
func (s *Store) readFile(path string) []Event {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", path).Msg("failed to open timeline file for read")
		}
		return nil
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("timeline scan aborted")
	}
	return events
}

// RecentEvents returns up to n events from today and yesterday, newest first.
func (s *Store) RecentEvents(n int) []Event {
	now := s.clock.Now().UTC()
	events := s.readFile(s.fileFor(now.AddDate(0, 0, -1)))
	events = append(events, s.readFile(s.fileFor(now))...)

	sort.Slice(events, func(i, j int) bool { return events[i].TS.After(events[j].TS) })
	if n > 0 && len(events) > n {
		events = events[:n]
	}
	return events
}

// EventsByType returns up to n recent events of the given type, newest first.
func (s *Store) EventsByType(eventType string, n int) []Event {
	var out []Event
	for _, ev := range s.RecentEvents(0) {
		if ev.Event == eventType {
			out = append(out, ev)
			if n > 0 && len(out) == n {
				break
			}
		}
	}
	return out
}

// EventsSince returns events at or after since, newest first, capped at limit.
func (s *Store) EventsSince(since time.Time, limit int) []Event {
	now := s.clock.Now().UTC()
	since = since.UTC()

	var events []Event
	for day := since.Truncate(24 * time.Hour); !day.After(now); day = day.AddDate(0, 0, 1) {
		events = append(events, s.readFile(s.fileFor(day))...)
	}

	filtered := events[:0]
	for _, ev := range events {
		if !ev.TS.Before(since) {
			filtered = append(filtered, ev)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].TS.After(filtered[j].TS) })
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

// LastEventOfType returns the most recent event of the given type, or nil.
func (s *Store) LastEventOfType(eventType string) *Event {
	for _, ev := range s.RecentEvents(0) {
		if ev.Event == eventType {
			e := ev
			return &e
		}
	}
	return nil
}

// StateDurationStats reduces state_change events over the past window into
// seconds spent per state. The open interval of the latest transition ends at now.
func (s *Store) StateDurationStats(window time.Duration) map[string]float64 {
	now := s.clock.Now().UTC()
	changes := s.EventsSince(now.Add(-window), 0)

	// oldest first
	sort.Slice(changes, func(i, j int) bool { return changes[i].TS.Before(changes[j].TS) })

	stats := make(map[string]float64)
	var prevState string
	var prevTS time.Time
	for _, ev := range changes {
		if ev.Event != EventStateChange {
			continue
		}
		to, _ := ev.Data["to"].(string)
		if prevState != "" {
			stats[prevState] += ev.TS.Sub(prevTS).Seconds()
		}
		prevState = to
		prevTS = ev.TS
	}
	if prevState != "" {
		stats[prevState] += now.Sub(prevTS).Seconds()
	}
	return stats
}

// SessionStats summarizes message events for one session.
type SessionStats struct {
	SessionID string    `json:"session_id"`
	Messages  int       `json:"messages"`
	Earliest  time.Time `json:"earliest,omitempty"`
	Latest    time.Time `json:"latest,omitempty"`
}

// SessionStats counts message events carrying the given session_id across all
// retained day files.
func (s *Store) SessionStats(sessionID string) SessionStats {
	out := SessionStats{SessionID: sessionID}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return out
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if len(name) < len(filePrefix) || name[:len(filePrefix)] != filePrefix {
			continue
		}
		for _, ev := range s.readFile(filepath.Join(s.dir, name)) {
			if ev.Event != EventMessage {
				continue
			}
			sid, _ := ev.Data["session_id"].(string)
			if sid != sessionID {
				continue
			}
			out.Messages++
			if out.Earliest.IsZero() || ev.TS.Before(out.Earliest) {
				out.Earliest = ev.TS
			}
			if ev.TS.After(out.Latest) {
				out.Latest = ev.TS
			}
		}
	}
	return out
}

// String implements fmt.Stringer for debug logging.
func (st SessionStats) String() string {
	return fmt.Sprintf("session %s: %d messages (%s .. %s)", st.SessionID, st.Messages, st.Earliest, st.Latest)
}
