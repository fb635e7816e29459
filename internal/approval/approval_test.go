// SPDX-License-Identifier: MIT

package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

func TestApproveRoundTrip(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	s := NewStore(WithClock(clock))

	p, err := s.CreatePending("write_file", map[string]any{"path": "/tmp/x"}, "write /tmp/x")
	require.NoError(t, err)
	require.Len(t, p.Challenge, 5)
	for _, c := range p.Challenge {
		assert.GreaterOrEqual(t, c, 'A')
		assert.LessOrEqual(t, c, 'Z')
	}

	payload, err := s.Approve(p.ActionID, reverse(p.Challenge))
	require.NoError(t, err)
	assert.Equal(t, "write_file", payload.Method)
	assert.Equal(t, "/tmp/x", payload.Params["path"])
	assert.Equal(t, p.CreatedAt, payload.CreatedAt)

	// single-use: second approve fails with not-found
	_, err = s.Approve(p.ActionID, reverse(p.Challenge))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChallengeAlphabet(t *testing.T) {
	letters := make(map[byte]bool)
	for i := 0; i < 500; i++ {
		c, err := newChallenge()
		require.NoError(t, err)
		require.Len(t, c, 5)
		for j := 0; j < len(c); j++ {
			require.True(t, c[j] >= 'A' && c[j] <= 'Z', "challenge %q outside A-Z", c)
			letters[c[j]] = true
		}
	}
	// 2500 draws make a missing letter astronomically unlikely
	assert.Len(t, letters, 26, "every letter reachable")
}

func TestApproveWrongChallenge(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	s := NewStore(WithClock(clock))

	p, err := s.CreatePending("restart", nil, "")
	require.NoError(t, err)

	// forward (non-reversed) challenge must be rejected unless palindromic
	if p.Challenge != reverse(p.Challenge) {
		_, err = s.Approve(p.ActionID, p.Challenge)
		assert.ErrorIs(t, err, ErrInvalidChallenge)
	}

	_, err = s.Approve(p.ActionID, "wrong")
	assert.ErrorIs(t, err, ErrInvalidChallenge)

	// a wrong challenge does not consume the action
	_, err = s.Approve(p.ActionID, reverse(p.Challenge))
	assert.NoError(t, err)
}

func TestTTLZeroExpiresImmediately(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	s := NewStore(WithClock(clock), WithTTL(0))

	p, err := s.CreatePending("rm", nil, "")
	require.NoError(t, err)

	_, err = s.Approve(p.ActionID, reverse(p.Challenge))
	assert.ErrorIs(t, err, ErrExpired)

	// expired approve deletes the entry
	_, err = s.Approve(p.ActionID, reverse(p.Challenge))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPendingReapsExpired(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	s := NewStore(WithClock(clock), WithTTL(time.Minute))

	p1, err := s.CreatePending("a", nil, "")
	require.NoError(t, err)
	clock.now = clock.now.Add(30 * time.Second)
	p2, err := s.CreatePending("b", nil, "")
	require.NoError(t, err)

	clock.now = clock.now.Add(45 * time.Second) // p1 expired, p2 alive

	views := s.ListPending()
	require.Len(t, views, 1)
	assert.Equal(t, p2.ActionID, views[0].ActionID)

	_, err = s.Approve(p1.ActionID, "XXXXX")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPendingTruncatesProposal(t *testing.T) {
	s := NewStore()
	long := make([]rune, 3000)
	for i := range long {
		long[i] = 'x'
	}
	_, err := s.CreatePending("a", nil, string(long))
	require.NoError(t, err)

	views := s.ListPending()
	require.Len(t, views, 1)
	assert.Len(t, []rune(views[0].Proposal), 2003) // 2000 + "..."
}

func TestCancelAndCleanup(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	s := NewStore(WithClock(clock), WithTTL(time.Minute))

	p, err := s.CreatePending("a", nil, "")
	require.NoError(t, err)
	assert.True(t, s.Cancel(p.ActionID))
	assert.False(t, s.Cancel(p.ActionID))

	for i := 0; i < 3; i++ {
		_, err := s.CreatePending("b", nil, "")
		require.NoError(t, err)
	}
	assert.Equal(t, 0, s.CleanupExpired())
	clock.now = clock.now.Add(2 * time.Minute)
	assert.Equal(t, 3, s.CleanupExpired())
}

func TestReverse(t *testing.T) {
	assert.Equal(t, "EDCBA", reverse("ABCDE"))
	assert.Equal(t, "", reverse(""))
}
