// SPDX-License-Identifier: MIT

package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gaiahq/gaia/internal/hacall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureServer struct {
	mu       sync.Mutex
	statuses []string
	srv      *httptest.Server
}

func newCaptureServer(t *testing.T) *captureServer {
	t.Helper()
	c := &captureServer{}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		c.mu.Lock()
		c.statuses = append(c.statuses, body["status"])
		c.mu.Unlock()
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *captureServer) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.statuses...)
}

// deadEndpoint returns a URL nothing listens on.
func deadEndpoint(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func noWait(ctx context.Context, d time.Duration) error { return nil }

type staticFlag struct{ set bool }

func (f staticFlag) IsSet() bool { return f.set }

func TestUpdatePresenceFansOut(t *testing.T) {
	core := newCaptureServer(t)
	mcp := newCaptureServer(t)

	c := New(Config{CoreURL: core.srv.URL, MCPURL: mcp.srv.URL, MaxAttempts: 1}, nil)
	require.True(t, c.Enabled())

	c.UpdatePresence(context.Background(), "sleeping")

	assert.Equal(t, []string{"sleeping"}, core.seen())
	assert.Equal(t, []string{"sleeping"}, mcp.seen())
}

func TestUpdatePresenceUsesFallback(t *testing.T) {
	fallback := newCaptureServer(t)

	c := New(Config{
		CoreURL:         deadEndpoint(t),
		CoreFallbackURL: fallback.srv.URL,
		MaxAttempts:     2,
	}, nil, hacall.WithSleeper(noWait))

	c.UpdatePresence(context.Background(), "drifting off...")
	assert.Equal(t, []string{"drifting off..."}, fallback.seen())
}

func TestMaintenanceSuppressesFallback(t *testing.T) {
	fallback := newCaptureServer(t)

	c := New(Config{
		CoreURL:         deadEndpoint(t),
		CoreFallbackURL: fallback.srv.URL,
		MaxAttempts:     1,
	}, staticFlag{set: true}, hacall.WithSleeper(noWait))

	c.UpdatePresence(context.Background(), "sleeping")
	assert.Empty(t, fallback.seen(), "maintenance mode keeps traffic off the fallback")
}

func TestUnconfiguredBridgesAreSkipped(t *testing.T) {
	c := New(Config{}, nil)
	assert.False(t, c.Enabled())
	// no bridge, no panic
	c.UpdatePresence(context.Background(), "sleeping")
}
