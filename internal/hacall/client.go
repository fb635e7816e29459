// SPDX-License-Identifier: MIT

// Package hacall implements the outbound HTTP client used by services that
// talk to the live core but must survive its restart: bounded retries against
// the primary, then at most one attempt against the fallback endpoint.
package hacall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gaiahq/gaia/internal/log"
	"github.com/gaiahq/gaia/internal/metrics"
	"github.com/rs/zerolog"
)

// FlagChecker reports whether maintenance mode is asserted. Checked only at
// the moment failover would otherwise fire.
type FlagChecker interface {
	IsSet() bool
}

type sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Config holds the retry policy knobs.
type Config struct {
	PrimaryURL  string
	FallbackURL string // empty means no HA configured
	MaxAttempts int
	BaseBackoff time.Duration
	Timeout     time.Duration
}

// DefaultConfig returns the production retry policy.
func DefaultConfig(primary, fallback string) Config {
	return Config{
		PrimaryURL:  primary,
		FallbackURL: fallback,
		MaxAttempts: 3,
		BaseBackoff: 2 * time.Second,
		Timeout:     30 * time.Second,
	}
}

// Response is the outcome of a completed call.
type Response struct {
	StatusCode int
	Body       []byte
	// ViaFallback is true when the fallback endpoint served the call.
	ViaFallback bool
}

// Client performs primary-with-fallback HTTP calls.
type Client struct {
	cfg    Config
	http   *http.Client
	flag   FlagChecker
	sleep  sleeper
	logger zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying transport (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithSleeper overrides the backoff wait (tests).
func WithSleeper(s sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

// New creates an HA client. flag may be nil when no maintenance gating applies.
func New(cfg Config, flag FlagChecker, opts ...Option) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		flag:   flag,
		sleep:  realSleep,
		logger: log.WithComponent("hacall"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get performs a GET against path with failover.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post performs a POST with a JSON body against path with failover.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}
	return c.do(ctx, http.MethodPost, path, payload)
}

// Delete performs a DELETE against path with failover.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	var primaryErr error

	backoff := c.cfg.BaseBackoff
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		resp, err := c.once(ctx, method, c.cfg.PrimaryURL, path, body)
		if err == nil {
			return resp, nil
		}

		kind := classify(err)
		primaryErr = &CallError{Kind: kind, URL: c.cfg.PrimaryURL + path, Err: err}
		if kind != KindTransient {
			return nil, primaryErr
		}

		c.logger.Warn().
			Err(err).
			Str("method", method).
			Str(log.FieldURL, c.cfg.PrimaryURL+path).
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.MaxAttempts).
			Str("event", "hacall.primary_failed").
			Msg("primary attempt failed")

		if attempt < c.cfg.MaxAttempts {
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, primaryErr
			}
			backoff *= 2
		}
	}

	// Primary exhausted with a retryable failure: consider one fallback shot.
	if c.cfg.FallbackURL == "" {
		return nil, primaryErr
	}
	if c.flag != nil && c.flag.IsSet() {
		metrics.RecordFailover("suppressed")
		c.logger.Warn().
			Str("method", method).
			Str("event", "hacall.failover_suppressed").
			Msg("maintenance mode set, failover suppressed")
		return nil, primaryErr
	}

	resp, err := c.once(ctx, method, c.cfg.FallbackURL, path, body)
	if err != nil {
		metrics.RecordFailover("failure")
		c.logger.Error().
			Err(err).
			Str("method", method).
			Str(log.FieldURL, c.cfg.FallbackURL+path).
			Str("event", "hacall.fallback_failed").
			Msg("fallback attempt failed, surfacing primary error")
		// Preserve the primary error: it points at the real outage.
		return nil, primaryErr
	}

	metrics.RecordFailover("success")
	c.logger.Info().
		Str("method", method).
		Str(log.FieldURL, c.cfg.FallbackURL+path).
		Str("event", "hacall.fallback_served").
		Msg("call served by fallback endpoint")
	resp.ViaFallback = true
	return resp, nil
}

// once performs a single request. Retryable gateway statuses are returned as
// errors so the retry loop dispatches on them; all other statuses are results.
func (c *Client) once(ctx context.Context, method, base, path string, body []byte) (*Response, error) {
	url := strings.TrimRight(base, "/") + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if retryableStatus(resp.StatusCode) {
		return nil, &statusError{code: resp.StatusCode}
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}
