// SPDX-License-Identifier: MIT

// gaiad is the core GAIA control-plane daemon: the sleep/wake state machine,
// the sleep task scheduler, the HA watchdog, and the approval workflow.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gaiahq/gaia/internal/api"
	"github.com/gaiahq/gaia/internal/approval"
	"github.com/gaiahq/gaia/internal/config"
	"github.com/gaiahq/gaia/internal/daemon"
	"github.com/gaiahq/gaia/internal/idle"
	gaialog "github.com/gaiahq/gaia/internal/log"
	"github.com/gaiahq/gaia/internal/maintenance"
	"github.com/gaiahq/gaia/internal/orchestrator"
	"github.com/gaiahq/gaia/internal/presence"
	"github.com/gaiahq/gaia/internal/resource"
	"github.com/gaiahq/gaia/internal/sleepwake"
	"github.com/gaiahq/gaia/internal/timeline"
	"github.com/gaiahq/gaia/internal/version"
	"github.com/gaiahq/gaia/internal/watchdog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gaiad %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	gaialog.Configure(gaialog.Config{
		Level:   config.ParseString("GAIA_LOG_LEVEL", "info"),
		Service: "gaiad",
		Version: version.Version,
	})
	logger := gaialog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.CoreFromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := os.MkdirAll(cfg.TimelineDir(), 0o755); err != nil {
		logger.Fatal().Err(err).Msg("could not create timeline directory")
	}

	tl := timeline.New(cfg.TimelineDir())
	tl.Append(timeline.EventSessionStart, map[string]any{
		"service": "gaiad",
		"version": version.Version,
	})

	mgr := sleepwake.NewManager(sleepwake.ManagerConfig{
		IdleThreshold: cfg.IdleThreshold,
		DrowsyGrace:   cfg.DrowsyGrace,
		SleepEnabled:  cfg.SleepEnabled,
	}, tl)

	sched := sleepwake.NewScheduler(tl)
	if err := sleepwake.RegisterBuiltinTasks(sched, tl); err != nil {
		logger.Fatal().Err(err).Msg("could not register sleep tasks")
	}

	idleMon := idle.NewMonitor()
	resMon := resource.NewMonitor(resource.NewHostSampler(), resource.Config{
		ThresholdPercent: cfg.DistractedLoad,
		SustainWindow:    cfg.DistractedWindow,
	})

	maintFlag := maintenance.NewFlag(cfg.MaintenanceFlagPath())

	orchClient := orchestrator.NewClient(cfg.OrchestratorEndpoint, orchestrator.Policy{
		MaxAttempts: cfg.RetryMax,
		BaseBackoff: cfg.RetryBase,
	})

	var pres sleepwake.PresenceUpdater
	if p := presence.New(presence.Config{
		CoreURL:         cfg.CoreEndpoint,
		CoreFallbackURL: cfg.CoreFallbackEndpoint,
		MCPURL:          cfg.MCPEndpoint,
		MCPFallbackURL:  cfg.MCPFallbackEndpoint,
		MaxAttempts:     cfg.RetryMax,
		BaseBackoff:     cfg.RetryBase,
	}, maintFlag); p.Enabled() {
		pres = p
	}

	loop := sleepwake.NewLoop(sleepwake.LoopConfig{
		PollActive:      cfg.PollActive,
		PollAsleep:      cfg.PollAsleep,
		TickCooldown:    cfg.TickCooldown,
		DistractedCheck: cfg.DistractedCheck,
		ClearSpan:       3 * cfg.PollAsleep / 2,
		ClearSampleGap:  0,
	}, mgr, sched, idleMon, resMon, orchClient, pres)

	var wd *watchdog.Watchdog
	services, err := config.LoadServices(cfg.ServicesFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not load watchdog services")
	}
	if len(services) > 0 {
		wd = watchdog.New(watchdog.Config{
			Interval:         cfg.WatchdogInterval,
			ProbeTimeout:     cfg.ProbeTimeout,
			FailureThreshold: cfg.FailureThreshold,
		}, services, maintFlag, nil, tl)
	}

	approvals := approval.NewStore(approval.WithTTL(cfg.ApprovalTTL))

	server := api.NewServer(mgr, sched, idleMon, approvals, wd)

	mgrCfg := daemon.DefaultConfig(cfg.ListenAddr, cfg.MetricsAddr)
	dm := daemon.NewManager(mgrCfg, server.Routes(), promhttp.Handler())
	dm.AddWorker("cycle-loop", loop.Run)
	if wd != nil {
		dm.AddWorker("watchdog", wd.Run)
	}
	dm.RegisterShutdownHook("state-machine-offline", func(ctx context.Context) error {
		return mgr.InitiateOffline()
	})

	logger.Info().
		Str("listen", cfg.ListenAddr).
		Str("shared_dir", cfg.SharedDir).
		Bool("sleep_enabled", cfg.SleepEnabled).
		Msg("gaiad starting")

	if err := dm.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("gaiad exited with error")
	}
	logger.Info().Msg("gaiad stopped")
}
