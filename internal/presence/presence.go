// SPDX-License-Identifier: MIT

// Package presence pushes the assistant's status line to the chat bridges.
// Updates are cosmetic: failures are logged, never surfaced to the caller.
package presence

import (
	"context"
	"net/http"
	"time"

	"github.com/gaiahq/gaia/internal/hacall"
	"github.com/gaiahq/gaia/internal/log"
	"github.com/rs/zerolog"
)

// Config names the bridge endpoints and the shared retry policy. A bridge
// with no primary URL is skipped entirely.
type Config struct {
	CoreURL         string
	CoreFallbackURL string
	MCPURL          string
	MCPFallbackURL  string

	MaxAttempts int
	BaseBackoff time.Duration
}

type bridge struct {
	name string
	ha   *hacall.Client
}

// Client fans presence updates out to the configured bridges. It satisfies
// the cycle loop's PresenceUpdater.
type Client struct {
	bridges []bridge
	logger  zerolog.Logger
}

// New builds a presence client. flag gates failover; it may be nil.
func New(cfg Config, flag hacall.FlagChecker, opts ...hacall.Option) *Client {
	c := &Client{logger: log.WithComponent("presence")}

	add := func(name, primary, fallback string) {
		if primary == "" {
			return
		}
		ha := hacall.New(hacall.Config{
			PrimaryURL:  primary,
			FallbackURL: fallback,
			MaxAttempts: cfg.MaxAttempts,
			BaseBackoff: cfg.BaseBackoff,
			Timeout:     10 * time.Second,
		}, flag, opts...)
		c.bridges = append(c.bridges, bridge{name: name, ha: ha})
	}
	add("core", cfg.CoreURL, cfg.CoreFallbackURL)
	add("mcp", cfg.MCPURL, cfg.MCPFallbackURL)
	return c
}

// Enabled reports whether at least one bridge is configured.
func (c *Client) Enabled() bool {
	return len(c.bridges) > 0
}

// UpdatePresence posts the status line to every configured bridge.
func (c *Client) UpdatePresence(ctx context.Context, status string) {
	for _, b := range c.bridges {
		resp, err := b.ha.Post(ctx, "/presence", map[string]string{"status": status})
		if err != nil {
			c.logger.Warn().Err(err).
				Str("bridge", b.name).
				Str("status", status).
				Str("event", "presence.update_failed").
				Msg("presence update failed")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			c.logger.Warn().
				Str("bridge", b.name).
				Int("status_code", resp.StatusCode).
				Str("event", "presence.update_rejected").
				Msg("presence update rejected")
			continue
		}
		if resp.ViaFallback {
			c.logger.Info().
				Str("bridge", b.name).
				Str("event", "presence.via_fallback").
				Msg("presence served by fallback endpoint")
		}
	}
}
