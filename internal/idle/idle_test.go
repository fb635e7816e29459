// SPDX-License-Identifier: MIT

package idle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

func TestIdleMinutes(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	m := NewMonitor(WithClock(clock))

	assert.InDelta(t, 0, m.IdleMinutes(), 0.001)

	clock.now = clock.now.Add(6 * time.Minute)
	assert.InDelta(t, 6, m.IdleMinutes(), 0.001)

	m.RecordActivity("discord")
	assert.InDelta(t, 0, m.IdleMinutes(), 0.001)

	ts, source := m.LastActivity()
	assert.Equal(t, clock.now, ts)
	assert.Equal(t, "discord", source)
}
