// SPDX-License-Identifier: MIT

// Package gpustate persists GPU custody: the current owner, the active lease,
// the wait queue, and handoff progress. The orchestrator process is the single
// writer; everyone else reads snapshots over its HTTP API.
package gpustate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gaiahq/gaia/internal/log"
	"github.com/gaiahq/gaia/internal/metrics"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Owner identifies which container family holds the GPU.
type Owner string

// GPU owners. Exactly one owner at any time.
const (
	OwnerNone           Owner = "NONE"
	OwnerCore           Owner = "CORE"
	OwnerStudy          Owner = "STUDY"
	OwnerCandidateCore  Owner = "CANDIDATE_CORE"
	OwnerCandidateStudy Owner = "CANDIDATE_STUDY"
)

// AllOwners lists every owner value, for gauge registration.
var AllOwners = []string{
	string(OwnerNone), string(OwnerCore), string(OwnerStudy),
	string(OwnerCandidateCore), string(OwnerCandidateStudy),
}

// ValidOwner reports whether o is a known owner value.
func ValidOwner(o Owner) bool {
	switch o {
	case OwnerNone, OwnerCore, OwnerStudy, OwnerCandidateCore, OwnerCandidateStudy:
		return true
	}
	return false
}

// HandoffType names the direction of a GPU handoff.
type HandoffType string

// Handoff types.
const (
	HandoffPrimeToStudy  HandoffType = "prime_to_study"
	HandoffStudyToPrime  HandoffType = "study_to_prime"
	HandoffCandidateSwap HandoffType = "candidate_swap"
)

// ValidHandoffType reports whether t is a known handoff type.
func ValidHandoffType(t HandoffType) bool {
	switch t {
	case HandoffPrimeToStudy, HandoffStudyToPrime, HandoffCandidateSwap:
		return true
	}
	return false
}

// Phase is one step of a handoff. Phases only move forward, except that any
// non-terminal phase may jump to failed.
type Phase string

// Handoff phases in order.
const (
	PhaseInitiated    Phase = "initiated"
	PhaseReleasingGPU Phase = "releasing_gpu"
	PhaseBootingTgt   Phase = "booting_target"
	PhaseVerifying    Phase = "verifying"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

var phaseOrder = map[Phase]int{
	PhaseInitiated:    0,
	PhaseReleasingGPU: 1,
	PhaseBootingTgt:   2,
	PhaseVerifying:    3,
	PhaseCompleted:    4,
}

var phaseProgress = map[Phase]int{
	PhaseInitiated:    0,
	PhaseReleasingGPU: 25,
	PhaseBootingTgt:   50,
	PhaseVerifying:    75,
	PhaseCompleted:    100,
	PhaseFailed:       100,
}

// Terminal reports whether p ends a handoff.
func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseFailed }

// ValidPhase reports whether p is a known phase.
func ValidPhase(p Phase) bool {
	_, ok := phaseOrder[p]
	return ok || p == PhaseFailed
}

// Lease records who holds the GPU and why.
type Lease struct {
	LeaseID    string    `json:"lease_id"`
	Owner      Owner     `json:"owner"`
	Reason     string    `json:"reason,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// QueueEntry is a deferred GPU request waiting for the current lease to end.
type QueueEntry struct {
	Owner       Owner     `json:"owner"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Handoff tracks one GPU custody transfer through its phases.
type Handoff struct {
	HandoffID      string      `json:"handoff_id"`
	Type           HandoffType `json:"handoff_type"`
	Phase          Phase       `json:"phase"`
	StartedAt      time.Time   `json:"started_at"`
	PhaseChangedAt time.Time   `json:"phase_changed_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	Source         string      `json:"source"`
	Destination    string      `json:"destination"`
	Error          string      `json:"error,omitempty"`
	ProgressPct    int         `json:"progress_pct"`
}

// GPU is the custody section of the persistent state.
type GPU struct {
	Owner      Owner        `json:"owner"`
	LeaseID    string       `json:"lease_id,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	AcquiredAt *time.Time   `json:"acquired_at,omitempty"`
	Queue      []QueueEntry `json:"queue"`
}

// Containers records the last known container status per tier.
type Containers struct {
	Live      map[string]string `json:"live"`
	Candidate map[string]string `json:"candidate"`
}

// PersistentState is the full orchestrator state, serialized as JSON.
type PersistentState struct {
	GPU            GPU        `json:"gpu"`
	Containers     Containers `json:"containers"`
	ActiveHandoff  *Handoff   `json:"active_handoff,omitempty"`
	HandoffHistory []Handoff  `json:"handoff_history"`
	LastUpdated    time.Time  `json:"last_updated"`
}

func emptyState() PersistentState {
	return PersistentState{
		GPU: GPU{Owner: OwnerNone, Queue: []QueueEntry{}},
		Containers: Containers{
			Live:      map[string]string{},
			Candidate: map[string]string{},
		},
		HandoffHistory: []Handoff{},
	}
}

// Sentinel errors for handoff preconditions.
var (
	ErrHandoffActive  = errors.New("a handoff is already active")
	ErrNoHandoff      = errors.New("no active handoff")
	ErrUnknownHandoff = errors.New("unknown handoff id")
	ErrPhaseOrder     = errors.New("handoff phases only move forward")
)

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store is the single writer of the persisted orchestrator state. Every
// mutation is flushed atomically before the mutating call returns.
type Store struct {
	path   string
	clock  clock
	logger zerolog.Logger

	mu    sync.Mutex
	state PersistentState
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects a clock for tests.
func WithClock(c clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open loads the state file, reconciles any handoff left non-terminal by a
// crash, and returns the ready store. A missing file starts empty.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		clock:  realClock{},
		logger: log.WithComponent("gpustate"),
		state:  emptyState(),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// fresh install
	case err != nil:
		return nil, fmt.Errorf("read state %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &s.state); err != nil {
			return nil, fmt.Errorf("parse state %s: %w", path, err)
		}
		s.normalize()
	}

	if s.reconcile() {
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
	}
	metrics.SetGPUOwner(string(s.state.GPU.Owner), AllOwners)
	return s, nil
}

// normalize repairs nil collections from hand-edited or older state files.
func (s *Store) normalize() {
	if s.state.GPU.Owner == "" {
		s.state.GPU.Owner = OwnerNone
	}
	if s.state.GPU.Queue == nil {
		s.state.GPU.Queue = []QueueEntry{}
	}
	if s.state.Containers.Live == nil {
		s.state.Containers.Live = map[string]string{}
	}
	if s.state.Containers.Candidate == nil {
		s.state.Containers.Candidate = map[string]string{}
	}
	if s.state.HandoffHistory == nil {
		s.state.HandoffHistory = []Handoff{}
	}
}

// reconcile fails any active handoff found at startup. A handoff that was
// mid-flight when the process died cannot be trusted to resume.
func (s *Store) reconcile() bool {
	h := s.state.ActiveHandoff
	if h == nil {
		return false
	}
	if h.Phase.Terminal() {
		// terminal handoffs belong in history regardless
		s.archiveLocked(h)
		return true
	}

	now := s.clock.Now()
	h.Phase = PhaseFailed
	h.Error = "startup reconciliation"
	h.CompletedAt = &now
	h.PhaseChangedAt = now
	h.ProgressPct = phaseProgress[PhaseFailed]
	s.archiveLocked(h)
	s.logger.Warn().
		Str(log.FieldHandoffID, h.HandoffID).
		Str("event", "gpustate.reconciled").
		Msg("failed stale handoff at startup")
	metrics.RecordHandoff(string(h.Type), "failed")
	return true
}

func (s *Store) archiveLocked(h *Handoff) {
	s.state.HandoffHistory = append(s.state.HandoffHistory, *h)
	s.state.ActiveHandoff = nil
}

func (s *Store) persistLocked() error {
	s.state.LastUpdated = s.clock.Now()
	data, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write state %s: %w", s.path, err)
	}
	return nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() PersistentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() PersistentState {
	cp := s.state
	cp.GPU.Queue = append([]QueueEntry{}, s.state.GPU.Queue...)
	cp.Containers.Live = copyMap(s.state.Containers.Live)
	cp.Containers.Candidate = copyMap(s.state.Containers.Candidate)
	cp.HandoffHistory = append([]Handoff{}, s.state.HandoffHistory...)
	if s.state.ActiveHandoff != nil {
		h := *s.state.ActiveHandoff
		cp.ActiveHandoff = &h
	}
	return cp
}

func copyMap(m map[string]string) map[string]string {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Owner returns the current GPU owner.
func (s *Store) Owner() Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GPU.Owner
}

// SetOwner records a new GPU owner and clears any lease when the owner drops
// to NONE.
func (s *Store) SetOwner(owner Owner, reason string) error {
	if !ValidOwner(owner) {
		return fmt.Errorf("invalid gpu owner %q", owner)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.GPU.Owner = owner
	s.state.GPU.Reason = reason
	if owner == OwnerNone {
		s.state.GPU.LeaseID = ""
		s.state.GPU.AcquiredAt = nil
	} else {
		now := s.clock.Now()
		s.state.GPU.LeaseID = uuid.NewString()
		s.state.GPU.AcquiredAt = &now
	}
	if err := s.persistLocked(); err != nil {
		return err
	}
	metrics.SetGPUOwner(string(owner), AllOwners)
	s.logger.Info().
		Str("owner", string(owner)).
		Str("reason", reason).
		Str("event", "gpustate.owner_changed").
		Msg("gpu owner changed")
	return nil
}

// Enqueue parks a GPU request behind the current lease.
func (s *Store) Enqueue(owner Owner, reason string) error {
	if !ValidOwner(owner) || owner == OwnerNone {
		return fmt.Errorf("invalid queue owner %q", owner)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.GPU.Queue = append(s.state.GPU.Queue, QueueEntry{
		Owner:       owner,
		Reason:      reason,
		RequestedAt: s.clock.Now(),
	})
	return s.persistLocked()
}

// DequeueNext pops the oldest queued request, or nil when the queue is empty.
func (s *Store) DequeueNext() (*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.state.GPU.Queue) == 0 {
		return nil, nil
	}
	next := s.state.GPU.Queue[0]
	s.state.GPU.Queue = append([]QueueEntry{}, s.state.GPU.Queue[1:]...)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return &next, nil
}

// SetContainerStatus records a container's status under its tier.
func (s *Store) SetContainerStatus(tier, name, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch tier {
	case "live":
		s.state.Containers.Live[name] = status
	case "candidate":
		s.state.Containers.Candidate[name] = status
	default:
		return fmt.Errorf("unknown container tier %q", tier)
	}
	return s.persistLocked()
}

// StartHandoff creates the active handoff. At most one may exist.
func (s *Store) StartHandoff(typ HandoffType, source, destination string) (Handoff, error) {
	if !ValidHandoffType(typ) {
		return Handoff{}, fmt.Errorf("invalid handoff type %q", typ)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.ActiveHandoff != nil {
		return Handoff{}, ErrHandoffActive
	}
	now := s.clock.Now()
	h := Handoff{
		HandoffID:      uuid.NewString(),
		Type:           typ,
		Phase:          PhaseInitiated,
		StartedAt:      now,
		PhaseChangedAt: now,
		Source:         source,
		Destination:    destination,
		ProgressPct:    phaseProgress[PhaseInitiated],
	}
	s.state.ActiveHandoff = &h
	if err := s.persistLocked(); err != nil {
		s.state.ActiveHandoff = nil
		return Handoff{}, err
	}
	s.logger.Info().
		Str(log.FieldHandoffID, h.HandoffID).
		Str("type", string(typ)).
		Str("event", "gpustate.handoff_started").
		Msg("handoff started")
	return h, nil
}

// AdvanceHandoff moves the active handoff forward. failed is reachable from
// any non-terminal phase; any other move must increase the phase order.
// Terminal phases archive the handoff and clear the active slot.
func (s *Store) AdvanceHandoff(id string, phase Phase, handoffErr string) (Handoff, error) {
	if !ValidPhase(phase) {
		return Handoff{}, fmt.Errorf("invalid handoff phase %q", phase)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.state.ActiveHandoff
	if h == nil {
		return Handoff{}, ErrNoHandoff
	}
	if h.HandoffID != id {
		return Handoff{}, ErrUnknownHandoff
	}
	if phase != PhaseFailed && phaseOrder[phase] <= phaseOrder[h.Phase] {
		return Handoff{}, fmt.Errorf("%w: %s -> %s", ErrPhaseOrder, h.Phase, phase)
	}

	now := s.clock.Now()
	h.Phase = phase
	h.PhaseChangedAt = now
	h.ProgressPct = phaseProgress[phase]
	if phase == PhaseFailed {
		h.Error = handoffErr
	}
	if phase.Terminal() {
		h.CompletedAt = &now
		done := *h
		s.archiveLocked(h)
		if err := s.persistLocked(); err != nil {
			return Handoff{}, err
		}
		metrics.RecordHandoff(string(done.Type), string(phase))
		s.logger.Info().
			Str(log.FieldHandoffID, done.HandoffID).
			Str("phase", string(phase)).
			Str("event", "gpustate.handoff_finished").
			Msg("handoff finished")
		return done, nil
	}

	if err := s.persistLocked(); err != nil {
		return Handoff{}, err
	}
	s.logger.Debug().
		Str(log.FieldHandoffID, h.HandoffID).
		Str("phase", string(phase)).
		Str("event", "gpustate.handoff_advanced").
		Msg("handoff advanced")
	return *h, nil
}

// FailOverdue fails the active handoff if it has sat in its current phase
// longer than deadline. Returns the failed handoff when one was expired.
func (s *Store) FailOverdue(deadline time.Duration) (*Handoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.state.ActiveHandoff
	if h == nil || h.Phase.Terminal() {
		return nil, nil
	}
	now := s.clock.Now()
	if now.Sub(h.PhaseChangedAt) < deadline {
		return nil, nil
	}

	h.Phase = PhaseFailed
	h.Error = fmt.Sprintf("phase deadline exceeded (%s)", deadline)
	h.CompletedAt = &now
	h.PhaseChangedAt = now
	h.ProgressPct = phaseProgress[PhaseFailed]
	done := *h
	s.archiveLocked(h)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	metrics.RecordHandoff(string(done.Type), "failed")
	s.logger.Warn().
		Str(log.FieldHandoffID, done.HandoffID).
		Str("event", "gpustate.handoff_deadline").
		Msg("handoff exceeded phase deadline")
	return &done, nil
}
