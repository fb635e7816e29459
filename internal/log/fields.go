// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldTaskID    = "task_id"
	FieldHandoffID = "handoff_id"
	FieldActionID  = "action_id"
	FieldLeaseID   = "lease_id"
	FieldService   = "svc"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldState  = "old_state"
	FieldNewState  = "new_state"
	FieldState     = "state"
	FieldPhase     = "phase"
	FieldOwner     = "owner"
	FieldHAStatus  = "ha_status"
	FieldReason    = "reason"

	// Path / URL fields
	FieldPath = "path"
	FieldURL  = "url"
)
