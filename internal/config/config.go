// SPDX-License-Identifier: MIT

// Package config loads service configuration with precedence ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Shared-directory conventions consumed by every GAIA service.
const (
	MaintenanceFlagName = "ha_maintenance"
	OrchestratorDirName = "orchestrator"
	StateFileName       = "state.json"
	TimelineDirName     = "timeline"
	DoctorDirName       = "doctor"
	DoctorStatusName    = "status.json"
)

// Core holds the configuration for the gaiad service.
type Core struct {
	ListenAddr  string
	MetricsAddr string
	SharedDir   string

	IdleThreshold    time.Duration // minimum idle time before drifting off
	DrowsyGrace      time.Duration // cancellable window between DROWSY and ASLEEP
	SleepEnabled     bool
	PollActive       time.Duration
	PollAsleep       time.Duration
	TickCooldown     time.Duration // back-off after a tick panics or errors
	DistractedLoad   float64       // percent
	DistractedWindow time.Duration
	DistractedCheck  time.Duration // re-sample cadence while DISTRACTED

	ApprovalTTL time.Duration

	OrchestratorEndpoint string
	CoreEndpoint         string // chat bridge on the live core, empty disables presence
	CoreFallbackEndpoint string
	MCPEndpoint          string // MCP bridge, empty disables presence
	MCPFallbackEndpoint  string

	WatchdogInterval time.Duration
	FailureThreshold int
	ProbeTimeout     time.Duration
	ServicesFile     string // optional YAML list of watchdog targets

	RetryMax  int
	RetryBase time.Duration
}

// CoreFromEnv builds the gaiad configuration from the environment.
func CoreFromEnv() Core {
	return Core{
		ListenAddr:  ParseString("GAIA_LISTEN", ":8080"),
		MetricsAddr: ParseString("GAIA_METRICS_LISTEN", ":9090"),
		SharedDir:   ParseString("SHARED_DIR", ""),

		IdleThreshold:    ParseDuration("GAIA_IDLE_THRESHOLD", 5*time.Minute),
		DrowsyGrace:      ParseDuration("GAIA_DROWSY_GRACE", 60*time.Second),
		SleepEnabled:     ParseBool("GAIA_SLEEP_ENABLED", true),
		PollActive:       ParseDuration("GAIA_POLL_ACTIVE", 10*time.Second),
		PollAsleep:       ParseDuration("GAIA_POLL_ASLEEP", 2*time.Second),
		TickCooldown:     ParseDuration("GAIA_TICK_COOLDOWN", 15*time.Second),
		DistractedLoad:   float64(ParseInt("GAIA_DISTRACTED_LOAD_PCT", 25)),
		DistractedWindow: ParseDuration("GAIA_DISTRACTED_WINDOW", 5*time.Second),
		DistractedCheck:  ParseDuration("GAIA_DISTRACTED_CHECK", 5*time.Minute),

		ApprovalTTL: ParseDuration("GAIA_APPROVAL_TTL", 15*time.Minute),

		OrchestratorEndpoint: ParseString("ORCHESTRATOR_ENDPOINT", "http://orchestrator:8090"),
		CoreEndpoint:         ParseString("CORE_ENDPOINT", ""),
		CoreFallbackEndpoint: ParseString("CORE_FALLBACK_ENDPOINT", ""),
		MCPEndpoint:          ParseString("MCP_ENDPOINT", ""),
		MCPFallbackEndpoint:  ParseString("MCP_FALLBACK_ENDPOINT", ""),

		WatchdogInterval: ParseDuration("GAIA_WATCHDOG_INTERVAL", 30*time.Second),
		FailureThreshold: ParseInt("GAIA_FAILURE_THRESHOLD", 2),
		ProbeTimeout:     ParseDuration("GAIA_PROBE_TIMEOUT", 5*time.Second),
		ServicesFile:     ParseString("GAIA_SERVICES_FILE", ""),

		RetryMax:  ParseInt("GAIA_RETRY_MAX", 3),
		RetryBase: ParseDuration("GAIA_RETRY_BASE", 2*time.Second),
	}
}

// Validate checks the configuration for fatal boot errors.
func (c Core) Validate() error {
	if c.SharedDir == "" {
		return fmt.Errorf("SHARED_DIR is required")
	}
	if fi, err := os.Stat(c.SharedDir); err != nil {
		return fmt.Errorf("SHARED_DIR %q: %w", c.SharedDir, err)
	} else if !fi.IsDir() {
		return fmt.Errorf("SHARED_DIR %q is not a directory", c.SharedDir)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("GAIA_FAILURE_THRESHOLD must be >= 1, got %d", c.FailureThreshold)
	}
	if c.RetryMax < 1 {
		return fmt.Errorf("GAIA_RETRY_MAX must be >= 1, got %d", c.RetryMax)
	}
	return nil
}

// TimelineDir returns the timeline directory under the shared dir.
func (c Core) TimelineDir() string {
	return filepath.Join(c.SharedDir, TimelineDirName)
}

// MaintenanceFlagPath returns the path of the maintenance sentinel file.
func (c Core) MaintenanceFlagPath() string {
	return filepath.Join(c.SharedDir, MaintenanceFlagName)
}

// Orchestrator holds the configuration for the orchestratord service.
type Orchestrator struct {
	ListenAddr  string
	MetricsAddr string
	SharedDir   string

	PhaseDeadline time.Duration // per-phase handoff deadline
	WakeDeadline  time.Duration // wait for the live service to report healthy
	WakePollEvery time.Duration

	LiveHealthURL      string
	CandidateHealthURL string
	StudyHealthURL     string
}

// OrchestratorFromEnv builds the orchestratord configuration from the environment.
func OrchestratorFromEnv() Orchestrator {
	return Orchestrator{
		ListenAddr:  ParseString("GAIA_ORCH_LISTEN", ":8090"),
		MetricsAddr: ParseString("GAIA_ORCH_METRICS_LISTEN", ":9091"),
		SharedDir:   ParseString("SHARED_DIR", ""),

		PhaseDeadline: ParseDuration("GAIA_HANDOFF_PHASE_DEADLINE", 2*time.Minute),
		WakeDeadline:  ParseDuration("GAIA_WAKE_DEADLINE", 90*time.Second),
		WakePollEvery: ParseDuration("GAIA_WAKE_POLL", 2*time.Second),

		LiveHealthURL:      ParseString("GAIA_LIVE_HEALTH_URL", "http://gaia-core:8080/health"),
		CandidateHealthURL: ParseString("GAIA_CANDIDATE_HEALTH_URL", ""),
		StudyHealthURL:     ParseString("GAIA_STUDY_HEALTH_URL", ""),
	}
}

// Validate checks the configuration for fatal boot errors.
func (c Orchestrator) Validate() error {
	if c.SharedDir == "" {
		return fmt.Errorf("SHARED_DIR is required")
	}
	if c.PhaseDeadline <= 0 {
		return fmt.Errorf("GAIA_HANDOFF_PHASE_DEADLINE must be positive")
	}
	return nil
}

// StatePath returns the persistent state file path under the shared dir.
func (c Orchestrator) StatePath() string {
	return filepath.Join(c.SharedDir, OrchestratorDirName, StateFileName)
}

// MaintenanceFlagPath returns the path of the maintenance sentinel file.
func (c Orchestrator) MaintenanceFlagPath() string {
	return filepath.Join(c.SharedDir, MaintenanceFlagName)
}

// Doctor holds the configuration for the doctor process.
type Doctor struct {
	ListenAddr string
	SharedDir  string

	PollInterval     time.Duration
	FailureThreshold int
	RestartCooldown  time.Duration
	ProbeTimeout     time.Duration

	ServicesFile string
	ComposeBin   string
	ComposeFile  string
}

// DoctorFromEnv builds the doctor configuration from the environment.
// The doctor keeps the legacy unprefixed env names because it is deployed
// standalone, outside the gaia compose project.
func DoctorFromEnv() Doctor {
	return Doctor{
		ListenAddr: ParseString("DOCTOR_LISTEN", ":8099"),
		SharedDir:  ParseString("SHARED_DIR", ""),

		PollInterval:     ParseDuration("POLL_INTERVAL", 30*time.Second),
		FailureThreshold: ParseInt("FAILURE_THRESHOLD", 3),
		RestartCooldown:  ParseDuration("RESTART_COOLDOWN", 5*time.Minute),
		ProbeTimeout:     ParseDuration("DOCTOR_PROBE_TIMEOUT", 5*time.Second),

		ServicesFile: ParseString("DOCTOR_SERVICES_FILE", ""),
		ComposeBin:   ParseString("DOCTOR_COMPOSE_BIN", "docker"),
		ComposeFile:  ParseString("DOCTOR_COMPOSE_FILE", ""),
	}
}

// Validate checks the configuration for fatal boot errors.
func (c Doctor) Validate() error {
	if c.SharedDir == "" {
		return fmt.Errorf("SHARED_DIR is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("FAILURE_THRESHOLD must be >= 1, got %d", c.FailureThreshold)
	}
	return nil
}

// StatusPath returns the doctor status file path under the shared dir.
func (c Doctor) StatusPath() string {
	return filepath.Join(c.SharedDir, DoctorDirName, DoctorStatusName)
}

// MaintenanceFlagPath returns the path of the maintenance sentinel file.
func (c Doctor) MaintenanceFlagPath() string {
	return filepath.Join(c.SharedDir, MaintenanceFlagName)
}
