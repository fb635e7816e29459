// SPDX-License-Identifier: MIT

package sleepwake

import (
	"context"
	"time"

	"github.com/gaiahq/gaia/internal/log"
	"github.com/gaiahq/gaia/internal/timeline"
)

// RegisterBuiltinTasks wires the stock maintenance tasks into the scheduler.
// External collaborators (knowledge base, initiative engine) register richer
// handlers over these IDs at boot; the built-ins keep the sleep cycle useful
// even when no collaborator is deployed.
func RegisterBuiltinTasks(s *Scheduler, tl *timeline.Store) error {
	logger := log.WithComponent("sleep-tasks")

	tasks := []Task{
		{
			ID:                "conversation_curation",
			Type:              "curation",
			Priority:          1,
			Interruptible:     true,
			EstimatedDuration: 2 * time.Minute,
			Handler: func(ctx context.Context) error {
				// Survey recent sessions so a collaborator can pick up the
				// summaries; the survey itself lands on the timeline.
				recent := tl.EventsByType(timeline.EventMessage, 200)
				sessions := map[string]int{}
				for _, ev := range recent {
					if sid, ok := ev.Data["session_id"].(string); ok {
						sessions[sid]++
					}
				}
				tl.Append(timeline.EventCheckpoint, map[string]any{
					"kind":     "conversation_curation",
					"sessions": len(sessions),
					"messages": len(recent),
				})
				logger.Debug().Int("sessions", len(sessions)).Msg("conversation curation pass")
				return nil
			},
		},
		{
			ID:                "thought_seed_review",
			Type:              "review",
			Priority:          1,
			Interruptible:     true,
			EstimatedDuration: 90 * time.Second,
			Handler: func(ctx context.Context) error {
				notes := tl.EventsByType(timeline.EventCouncilNote, 50)
				tl.Append(timeline.EventCheckpoint, map[string]any{
					"kind":  "thought_seed_review",
					"notes": len(notes),
				})
				return nil
			},
		},
		{
			ID:                "initiative_cycle",
			Type:              "initiative",
			Priority:          2,
			Interruptible:     true,
			EstimatedDuration: 5 * time.Minute,
			Handler: func(ctx context.Context) error {
				tl.Append(timeline.EventCodeEvolution, map[string]any{
					"kind": "initiative_cycle",
				})
				return nil
			},
		},
		{
			ID:                "timeline_compaction",
			Type:              "compaction",
			Priority:          3,
			Interruptible:     false, // half-compacted stats mislead the council review
			EstimatedDuration: time.Minute,
			Handler: func(ctx context.Context) error {
				stats := tl.StateDurationStats(24 * time.Hour)
				data := map[string]any{"kind": "timeline_compaction"}
				for state, secs := range stats {
					data["secs_"+state] = secs
				}
				tl.Append(timeline.EventCheckpoint, data)
				return nil
			},
		},
	}

	for _, t := range tasks {
		if err := s.Register(t); err != nil {
			return err
		}
	}
	return nil
}
