// SPDX-License-Identifier: MIT

// doctor is the external watchdog of last resort. It runs outside the gaia
// compose project so a wedged core cannot take its own medic down with it.
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
	"github.com/gaiahq/gaia/internal/doctor"
	gaialog "github.com/gaiahq/gaia/internal/log"
	"github.com/gaiahq/gaia/internal/maintenance"
	"github.com/gaiahq/gaia/internal/version"
)

// defaultServices is the monitored set when no services file is configured.
func defaultServices() []config.ServiceTarget {
	return []config.ServiceTarget{
		{
			Name:           "gaia-core",
			HealthURL:      "http://localhost:8080/health",
			Tier:           "live",
			Remediable:     true,
			ComposeService: "gaia-core",
		},
		{
			Name:      "orchestrator",
			HealthURL: "http://localhost:8090/health",
			Tier:      "live",
		},
	}
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("doctor %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	gaialog.Configure(gaialog.Config{
		Level:   config.ParseString("GAIA_LOG_LEVEL", "info"),
		Service: "doctor",
		Version: version.Version,
	})
	logger := gaialog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.DoctorFromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StatusPath()), 0o755); err != nil {
		logger.Fatal().Err(err).Msg("could not create status directory")
	}

	services, err := config.LoadServices(cfg.ServicesFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not load monitored services")
	}
	if len(services) == 0 {
		services = defaultServices()
	}

	d := doctor.New(cfg, services, maintenance.NewFlag(cfg.MaintenanceFlagPath()))

	mgrCfg := daemon.DefaultConfig(cfg.ListenAddr, "")
	dm := daemon.NewManager(mgrCfg, d.Routes(), nil)
	dm.AddWorker("doctor", d.Run)

	logger.Info().
		Str("listen", cfg.ListenAddr).
		Int("services", len(services)).
		Dur("poll_interval", cfg.PollInterval).
		Msg("doctor starting")

	if err := dm.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("doctor exited with error")
	}
	logger.Info().Msg("doctor stopped")
}
