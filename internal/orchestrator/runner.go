// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/gaiahq/gaia/internal/log"
)

// ComposeRunner drives the live Prime container through docker compose.
type ComposeRunner struct {
	Bin     string // compose binary, e.g. "docker"
	File    string // compose file path, empty for the default
	Service string // compose service name of the live Prime
}

// NewComposeRunner builds a runner for the given compose service.
func NewComposeRunner(bin, file, service string) *ComposeRunner {
	if bin == "" {
		bin = "docker"
	}
	return &ComposeRunner{Bin: bin, File: file, Service: service}
}

// StartPrime implements Runner.
func (c *ComposeRunner) StartPrime(ctx context.Context) error {
	return c.run(ctx, "start")
}

// StopPrime implements Runner.
func (c *ComposeRunner) StopPrime(ctx context.Context) error {
	return c.run(ctx, "stop")
}

func (c *ComposeRunner) run(ctx context.Context, verb string) error {
	args := []string{"compose"}
	if c.File != "" {
		args = append(args, "-f", c.File)
	}
	args = append(args, verb, c.Service)

	out, err := exec.CommandContext(ctx, c.Bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s compose %s %s: %w: %s", c.Bin, verb, c.Service, err, out)
	}
	l := log.WithComponent("orchestrator")
	l.Info().
		Str("service", c.Service).
		Str("verb", verb).
		Str("event", "orchestrator.compose").
		Msg("compose command completed")
	return nil
}
