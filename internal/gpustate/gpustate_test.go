// SPDX-License-Identifier: MIT

package gpustate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

func openTestStore(t *testing.T) (*Store, string, *mockClock) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	clock := &mockClock{now: time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)}
	s, err := Open(path, WithClock(clock))
	require.NoError(t, err)
	return s, path, clock
}

func TestOpenFreshStore(t *testing.T) {
	s, path, _ := openTestStore(t)

	st := s.Snapshot()
	assert.Equal(t, OwnerNone, st.GPU.Owner)
	assert.Nil(t, st.ActiveHandoff)
	assert.Empty(t, st.HandoffHistory)

	// a fresh open does not create the file until the first mutation
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSetOwnerLeaseLifecycle(t *testing.T) {
	s, _, clock := openTestStore(t)

	require.NoError(t, s.SetOwner(OwnerCore, "boot"))
	st := s.Snapshot()
	assert.Equal(t, OwnerCore, st.GPU.Owner)
	assert.NotEmpty(t, st.GPU.LeaseID)
	require.NotNil(t, st.GPU.AcquiredAt)
	assert.Equal(t, clock.now, *st.GPU.AcquiredAt)

	require.NoError(t, s.SetOwner(OwnerNone, "entering sleep"))
	st = s.Snapshot()
	assert.Equal(t, OwnerNone, st.GPU.Owner)
	assert.Empty(t, st.GPU.LeaseID, "dropping to NONE clears the lease")
	assert.Nil(t, st.GPU.AcquiredAt)
}

func TestSetOwnerRejectsUnknown(t *testing.T) {
	s, _, _ := openTestStore(t)
	assert.Error(t, s.SetOwner(Owner("GARAGE"), ""))
	assert.Equal(t, OwnerNone, s.Owner())
}

func TestStartHandoffSingleActive(t *testing.T) {
	s, _, _ := openTestStore(t)

	h, err := s.StartHandoff(HandoffPrimeToStudy, "gaia-core", "gaia-study")
	require.NoError(t, err)
	assert.NotEmpty(t, h.HandoffID)
	assert.Equal(t, PhaseInitiated, h.Phase)
	assert.Zero(t, h.ProgressPct)

	_, err = s.StartHandoff(HandoffStudyToPrime, "gaia-study", "gaia-core")
	assert.ErrorIs(t, err, ErrHandoffActive)
}

func TestAdvanceHandoffForwardOnly(t *testing.T) {
	s, _, _ := openTestStore(t)
	h, err := s.StartHandoff(HandoffPrimeToStudy, "gaia-core", "gaia-study")
	require.NoError(t, err)

	for _, phase := range []Phase{PhaseReleasingGPU, PhaseBootingTgt, PhaseVerifying} {
		h, err = s.AdvanceHandoff(h.HandoffID, phase, "")
		require.NoError(t, err)
		assert.Equal(t, phase, h.Phase)
		assert.Nil(t, h.CompletedAt)
	}

	// backward and repeated moves are rejected without state change
	_, err = s.AdvanceHandoff(h.HandoffID, PhaseReleasingGPU, "")
	assert.ErrorIs(t, err, ErrPhaseOrder)
	_, err = s.AdvanceHandoff(h.HandoffID, PhaseVerifying, "")
	assert.ErrorIs(t, err, ErrPhaseOrder)
	assert.Equal(t, PhaseVerifying, s.Snapshot().ActiveHandoff.Phase)

	done, err := s.AdvanceHandoff(h.HandoffID, PhaseCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, 100, done.ProgressPct)
	require.NotNil(t, done.CompletedAt)

	st := s.Snapshot()
	assert.Nil(t, st.ActiveHandoff)
	require.Len(t, st.HandoffHistory, 1)
	assert.Equal(t, PhaseCompleted, st.HandoffHistory[0].Phase)
}

func TestAdvanceHandoffFailedFromAnyPhase(t *testing.T) {
	s, _, _ := openTestStore(t)
	h, err := s.StartHandoff(HandoffCandidateSwap, "gaia-core", "gaia-core-candidate")
	require.NoError(t, err)

	done, err := s.AdvanceHandoff(h.HandoffID, PhaseFailed, "target refused to boot")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, done.Phase)
	assert.Equal(t, "target refused to boot", done.Error)

	st := s.Snapshot()
	assert.Nil(t, st.ActiveHandoff)
	require.Len(t, st.HandoffHistory, 1)
}

func TestAdvanceHandoffPreconditions(t *testing.T) {
	s, _, _ := openTestStore(t)

	_, err := s.AdvanceHandoff("nope", PhaseReleasingGPU, "")
	assert.ErrorIs(t, err, ErrNoHandoff)

	h, err := s.StartHandoff(HandoffPrimeToStudy, "a", "b")
	require.NoError(t, err)
	_, err = s.AdvanceHandoff("wrong-id", PhaseReleasingGPU, "")
	assert.ErrorIs(t, err, ErrUnknownHandoff)
	_, err = s.AdvanceHandoff(h.HandoffID, Phase("sideways"), "")
	assert.Error(t, err)
}

// A process crash mid-handoff must not leave a live active_handoff behind:
// reopening the store forces it to failed and archives it.
func TestStartupReconciliation(t *testing.T) {
	s, path, clock := openTestStore(t)
	h, err := s.StartHandoff(HandoffPrimeToStudy, "gaia-core", "gaia-study")
	require.NoError(t, err)
	_, err = s.AdvanceHandoff(h.HandoffID, PhaseBootingTgt, "")
	require.NoError(t, err)

	clock.now = clock.now.Add(time.Minute)
	reopened, err := Open(path, WithClock(clock))
	require.NoError(t, err)

	st := reopened.Snapshot()
	assert.Nil(t, st.ActiveHandoff)
	require.Len(t, st.HandoffHistory, 1)
	failed := st.HandoffHistory[0]
	assert.Equal(t, h.HandoffID, failed.HandoffID)
	assert.Equal(t, PhaseFailed, failed.Phase)
	assert.Equal(t, "startup reconciliation", failed.Error)
	require.NotNil(t, failed.CompletedAt)
	assert.Equal(t, clock.now, *failed.CompletedAt)
}

func TestReopenTerminalHistoryUntouched(t *testing.T) {
	s, path, clock := openTestStore(t)
	h, err := s.StartHandoff(HandoffPrimeToStudy, "gaia-core", "gaia-study")
	require.NoError(t, err)
	_, err = s.AdvanceHandoff(h.HandoffID, PhaseFailed, "verify step timed out")
	require.NoError(t, err)
	before := s.Snapshot()

	reopened, err := Open(path, WithClock(clock))
	require.NoError(t, err)
	after := reopened.Snapshot()

	if diff := cmp.Diff(before.HandoffHistory, after.HandoffHistory); diff != "" {
		t.Errorf("handoff history changed across reopen (-before +after):\n%s", diff)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	s, path, clock := openTestStore(t)
	require.NoError(t, s.SetOwner(OwnerStudy, "night study"))
	require.NoError(t, s.Enqueue(OwnerCore, "wake pending"))
	require.NoError(t, s.SetContainerStatus("live", "gaia-core", "running"))
	require.NoError(t, s.SetContainerStatus("candidate", "gaia-core-candidate", "stopped"))
	before := s.Snapshot()

	reopened, err := Open(path, WithClock(clock))
	require.NoError(t, err)
	after := reopened.Snapshot()

	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("state changed across reopen (-before +after):\n%s", diff)
	}
}

func TestQueueFIFO(t *testing.T) {
	s, _, _ := openTestStore(t)
	require.NoError(t, s.Enqueue(OwnerStudy, "study run"))
	require.NoError(t, s.Enqueue(OwnerCore, "wake"))

	first, err := s.DequeueNext()
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, OwnerStudy, first.Owner)

	second, err := s.DequeueNext()
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, OwnerCore, second.Owner)

	empty, err := s.DequeueNext()
	require.NoError(t, err)
	assert.Nil(t, empty)

	assert.Error(t, s.Enqueue(OwnerNone, "nobody"))
}

func TestFailOverdue(t *testing.T) {
	s, _, clock := openTestStore(t)
	h, err := s.StartHandoff(HandoffPrimeToStudy, "gaia-core", "gaia-study")
	require.NoError(t, err)

	overdue, err := s.FailOverdue(2 * time.Minute)
	require.NoError(t, err)
	assert.Nil(t, overdue, "fresh handoff is within its deadline")

	// advancing a phase resets the deadline window
	clock.now = clock.now.Add(90 * time.Second)
	_, err = s.AdvanceHandoff(h.HandoffID, PhaseReleasingGPU, "")
	require.NoError(t, err)
	clock.now = clock.now.Add(90 * time.Second)
	overdue, err = s.FailOverdue(2 * time.Minute)
	require.NoError(t, err)
	assert.Nil(t, overdue)

	clock.now = clock.now.Add(time.Minute)
	overdue, err = s.FailOverdue(2 * time.Minute)
	require.NoError(t, err)
	require.NotNil(t, overdue)
	assert.Equal(t, PhaseFailed, overdue.Phase)
	assert.Contains(t, overdue.Error, "phase deadline exceeded")

	st := s.Snapshot()
	assert.Nil(t, st.ActiveHandoff)
	require.Len(t, st.HandoffHistory, 1)

	again, err := s.FailOverdue(2 * time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again, "nothing active to expire")
}
