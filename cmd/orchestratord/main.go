// SPDX-License-Identifier: MIT

// orchestratord owns GPU custody: the persistent lease state, the handoff
// lifecycle, and the container start/stop commands behind them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gaiahq/gaia/internal/config"
	"github.com/gaiahq/gaia/internal/daemon"
	"github.com/gaiahq/gaia/internal/gpustate"
	gaialog "github.com/gaiahq/gaia/internal/log"
	"github.com/gaiahq/gaia/internal/orchestrator"
	"github.com/gaiahq/gaia/internal/timeline"
	"github.com/gaiahq/gaia/internal/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	composeBin := flag.String("compose-bin", "docker", "container compose binary")
	composeFile := flag.String("compose-file", "", "compose file for the live services")
	primeService := flag.String("prime-service", "gaia-core", "compose service of the live Prime")
	flag.Parse()

	if *showVersion {
		fmt.Printf("orchestratord %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	gaialog.Configure(gaialog.Config{
		Level:   config.ParseString("GAIA_LOG_LEVEL", "info"),
		Service: "orchestratord",
		Version: version.Version,
	})
	logger := gaialog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.OrchestratorFromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StatePath()), 0o755); err != nil {
		logger.Fatal().Err(err).Msg("could not create state directory")
	}
	timelineDir := filepath.Join(cfg.SharedDir, config.TimelineDirName)
	if err := os.MkdirAll(timelineDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("could not create timeline directory")
	}

	store, err := gpustate.Open(cfg.StatePath())
	if err != nil {
		logger.Fatal().Err(err).Msg("could not open gpu state")
	}

	var prober orchestrator.Prober
	if cfg.LiveHealthURL != "" {
		prober = &orchestrator.HTTPProber{URL: cfg.LiveHealthURL}
	}
	runner := orchestrator.NewComposeRunner(*composeBin, *composeFile, *primeService)

	server := orchestrator.NewServer(orchestrator.Config{
		WakeDeadline:  cfg.WakeDeadline,
		WakePoll:      cfg.WakePollEvery,
		PhaseDeadline: cfg.PhaseDeadline,
	}, store, runner, prober, timeline.New(timelineDir))

	mgrCfg := daemon.DefaultConfig(cfg.ListenAddr, cfg.MetricsAddr)
	dm := daemon.NewManager(mgrCfg, server.Routes(), promhttp.Handler())
	dm.AddWorker("phase-watchdog", server.RunPhaseWatchdog)

	logger.Info().
		Str("listen", cfg.ListenAddr).
		Str("state_path", cfg.StatePath()).
		Str("owner", string(store.Owner())).
		Msg("orchestratord starting")

	if err := dm.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("orchestratord exited with error")
	}
	logger.Info().Msg("orchestratord stopped")
}
