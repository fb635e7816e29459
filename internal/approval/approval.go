// SPDX-License-Identifier: MIT

// Package approval keeps an in-memory registry of pending sensitive actions.
// Each action carries a random challenge; the operator confirms by supplying
// the challenge reversed, which rules out blind copy-paste approval.
package approval

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gaiahq/gaia/internal/log"
	"github.com/gaiahq/gaia/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultTTL bounds how long a pending action may wait for approval.
	DefaultTTL = 15 * time.Minute

	challengeLen     = 5
	proposalMaxRunes = 2000
)

var (
	ErrNotFound         = errors.New("pending action not found")
	ErrExpired          = errors.New("pending action expired")
	ErrInvalidChallenge = errors.New("invalid challenge")
)

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Pending is one action awaiting operator approval.
type Pending struct {
	ActionID  string         `json:"action_id"`
	Method    string         `json:"method"`
	Params    map[string]any `json:"params"`
	Challenge string         `json:"challenge"`
	Proposal  string         `json:"proposal,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Expiry    time.Time      `json:"expiry"`
}

// View is the rendered form of a pending action; the proposal is truncated.
type View struct {
	ActionID  string    `json:"action_id"`
	Method    string    `json:"method"`
	Challenge string    `json:"challenge"`
	Proposal  string    `json:"proposal,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Expiry    time.Time `json:"expiry"`
}

// Payload is returned from a successful approve so the caller may execute.
type Payload struct {
	Method    string         `json:"method"`
	Params    map[string]any `json:"params"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store is a mutex-guarded pending-action map with lazy expiry reaping.
type Store struct {
	mu      sync.Mutex
	pending map[string]*Pending
	ttl     time.Duration
	clock   clock
	logger  zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects a clock for tests.
func WithClock(c clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithTTL overrides the default pending-action TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// NewStore creates an approval store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		pending: make(map[string]*Pending),
		ttl:     DefaultTTL,
		clock:   realClock{},
		logger:  log.WithComponent("approval"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newChallenge draws 5 uppercase A-Z characters uniformly at random.
// Bytes outside the largest multiple of 26 are rejected; a plain modulo
// would skew A-V over W-Z.
func newChallenge() (string, error) {
	const limit = 26 * (256 / 26)

	out := make([]byte, 0, challengeLen)
	buf := make([]byte, challengeLen)
	for len(out) < challengeLen {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, 'A'+b%26)
			if len(out) == challengeLen {
				break
			}
		}
	}
	return string(out), nil
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

// CreatePending registers a new action awaiting approval.
func (s *Store) CreatePending(method string, params map[string]any, proposal string) (*Pending, error) {
	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	p := &Pending{
		ActionID:  uuid.NewString(),
		Method:    method,
		Params:    params,
		Challenge: challenge,
		Proposal:  proposal,
		CreatedAt: now,
		Expiry:    now.Add(s.ttl),
	}

	s.mu.Lock()
	s.pending[p.ActionID] = p
	s.mu.Unlock()

	metrics.RecordApprovalCreated()
	s.logger.Info().
		Str(log.FieldActionID, p.ActionID).
		Str("method", method).
		Time("expiry", p.Expiry).
		Str("event", "approval.created").
		Msg("pending action created")
	return p, nil
}

// ListPending returns views of all live pending actions, reaping expired ones.
func (s *Store) ListPending() []View {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]View, 0, len(s.pending))
	for id, p := range s.pending {
		if !now.Before(p.Expiry) {
			delete(s.pending, id)
			metrics.RecordApprovalResolved("expired")
			continue
		}
		views = append(views, View{
			ActionID:  p.ActionID,
			Method:    p.Method,
			Challenge: p.Challenge,
			Proposal:  truncate(p.Proposal, proposalMaxRunes),
			CreatedAt: p.CreatedAt,
			Expiry:    p.Expiry,
		})
	}
	return views
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

// Approve consumes a pending action. The operator must supply the issued
// challenge reversed. The action is removed on success, on expiry, and never
// on a wrong challenge (the operator may retry until the TTL runs out).
func (s *Store) Approve(actionID, providedChallenge string) (*Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[actionID]
	if !ok {
		return nil, fmt.Errorf("action %s: %w", actionID, ErrNotFound)
	}
	if !s.clock.Now().Before(p.Expiry) {
		delete(s.pending, actionID)
		metrics.RecordApprovalResolved("expired")
		return nil, fmt.Errorf("action %s: %w", actionID, ErrExpired)
	}
	if providedChallenge != reverse(p.Challenge) {
		s.logger.Warn().
			Str(log.FieldActionID, actionID).
			Str("event", "approval.challenge_mismatch").
			Msg("approval rejected")
		return nil, fmt.Errorf("action %s: %w", actionID, ErrInvalidChallenge)
	}

	delete(s.pending, actionID)
	metrics.RecordApprovalResolved("approved")
	s.logger.Info().
		Str(log.FieldActionID, actionID).
		Str("method", p.Method).
		Str("event", "approval.approved").
		Msg("pending action approved")
	return &Payload{Method: p.Method, Params: p.Params, CreatedAt: p.CreatedAt}, nil
}

// Cancel removes a pending action. Returns false when unknown.
func (s *Store) Cancel(actionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[actionID]; !ok {
		return false
	}
	delete(s.pending, actionID)
	metrics.RecordApprovalResolved("cancelled")
	return true
}

// CleanupExpired reaps all expired actions and returns the count removed.
func (s *Store) CleanupExpired() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, p := range s.pending {
		if !now.Before(p.Expiry) {
			delete(s.pending, id)
			metrics.RecordApprovalResolved("expired")
			removed++
		}
	}
	return removed
}
