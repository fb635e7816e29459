// SPDX-License-Identifier: MIT

// Package sleepwake implements GAIA's sleep/wake lifecycle: the state machine,
// the idle-time task scheduler, and the long-lived cycle loop that drives both.
package sleepwake

import "time"

// State is one sleep/wake lifecycle state. FINISHING_TASK and WAKING are
// transient phases internal to the manager; Status() reports them as ASLEEP.
type State string

const (
	StateActive     State = "ACTIVE"
	StateDrowsy     State = "DROWSY"
	StateAsleep     State = "ASLEEP"
	StateDreaming   State = "DREAMING"
	StateDistracted State = "DISTRACTED"
	StateOffline    State = "OFFLINE"

	StateFinishingTask State = "FINISHING_TASK"
	StateWaking        State = "WAKING"
)

// legalTransitions is the authoritative transition table. Any transition not
// listed here is a programming error and is refused.
var legalTransitions = map[State][]State{
	StateActive:        {StateDrowsy, StateOffline},
	StateDrowsy:        {StateActive, StateAsleep, StateOffline},
	StateAsleep:        {StateWaking, StateFinishingTask, StateDreaming, StateDistracted, StateOffline},
	StateFinishingTask: {StateWaking, StateOffline},
	StateWaking:        {StateActive, StateOffline},
	StateDreaming:      {StateAsleep, StateOffline},
	StateDistracted:    {StateAsleep, StateOffline},
	StateOffline:       {},
}

// LegalTransition reports whether from → to is allowed.
func LegalTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// visible maps internal phases to the externally reported state.
func (s State) visible() State {
	switch s {
	case StateFinishingTask, StateWaking:
		return StateAsleep
	default:
		return s
	}
}

// WakeSignal records one received wake request. At most one is held pending.
type WakeSignal struct {
	ReceivedAt time.Time `json:"received_at"`
	Source     string    `json:"source"`
}

// cannedResponses are the fixed replies surfaces issue instead of waking the
// model. ACTIVE and DROWSY never produce one (normal processing).
var cannedResponses = map[State]string{
	StateAsleep:     "I'm asleep right now, tending to my own maintenance. Wake me if it's important.",
	StateDreaming:   "I'm dreaming. The GPU is busy with a study cycle, I'll be back shortly.",
	StateDistracted: "The machine I live on is busy with something heavy. Give me a moment.",
	StateOffline:    "GAIA is offline for now.",
}

// CannedResponseFor returns the canned reply for a state, or "" when the state
// warrants normal processing.
func CannedResponseFor(s State) string {
	return cannedResponses[s.visible()]
}
