// SPDX-License-Identifier: MIT

package hacall

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

type staticFlag bool

func (f staticFlag) IsSet() bool { return bool(f) }

func newTestClient(primary, fallback string, flag FlagChecker) *Client {
	return New(Config{
		PrimaryURL:  primary,
		FallbackURL: fallback,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		Timeout:     2 * time.Second,
	}, flag, WithSleeper(noSleep))
}

func TestPrimarySuccessNeverTouchesFallback(t *testing.T) {
	var fallbackHits atomic.Int32

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackHits.Add(1)
	}))
	defer fallback.Close()

	c := newTestClient(primary.URL, fallback.URL, staticFlag(false))
	resp, err := c.Get(context.Background(), "/state")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, resp.ViaFallback)
	assert.Zero(t, fallbackHits.Load())
}

func TestFailoverAfterPrimaryExhausted(t *testing.T) {
	var primaryHits, fallbackHits atomic.Int32

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackHits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer fallback.Close()

	c := newTestClient(primary.URL, fallback.URL, staticFlag(false))
	resp, err := c.Post(context.Background(), "/sleep/wake", map[string]any{"source": "test"})
	require.NoError(t, err)
	assert.True(t, resp.ViaFallback)
	assert.Equal(t, int32(3), primaryHits.Load(), "primary retried exactly max_attempts")
	assert.Equal(t, int32(1), fallbackHits.Load(), "fallback attempted exactly once")
}

func TestConnectionRefusedFailsOver(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close() // refused from here on

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer fallback.Close()

	c := newTestClient(dead.URL, fallback.URL, staticFlag(false))
	resp, err := c.Get(context.Background(), "/health")
	require.NoError(t, err)
	assert.True(t, resp.ViaFallback)
}

func TestMaintenanceSuppressesFailover(t *testing.T) {
	var fallbackHits atomic.Int32

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackHits.Add(1)
	}))
	defer fallback.Close()

	c := newTestClient(dead.URL, fallback.URL, staticFlag(true))
	_, err := c.Get(context.Background(), "/health")
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, KindTransient, callErr.Kind)
	assert.Contains(t, callErr.URL, dead.URL, "primary error preserved")
	assert.Zero(t, fallbackHits.Load())
}

func TestFallbackFailurePreservesPrimaryError(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer fallback.Close()

	c := newTestClient(primary.URL, fallback.URL, staticFlag(false))
	_, err := c.Get(context.Background(), "/x")
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Contains(t, callErr.URL, primary.URL, "diagnosis must point at the primary outage")
}

func TestNonRetryableStatusIsAResult(t *testing.T) {
	var hits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	c := newTestClient(primary.URL, "", nil)
	resp, err := c.Get(context.Background(), "/x")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load(), "500 is not retried")
}

func TestTimeoutPropagatesImmediately(t *testing.T) {
	var hits atomic.Int32
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer slow.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("fallback must not be contacted on timeout")
	}))
	defer fallback.Close()

	c := New(Config{
		PrimaryURL:  slow.URL,
		FallbackURL: fallback.URL,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		Timeout:     50 * time.Millisecond,
	}, staticFlag(false), WithSleeper(noSleep))

	_, err := c.Get(context.Background(), "/x")
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, KindTimeout, callErr.Kind)
	assert.Equal(t, int32(1), hits.Load(), "timeouts are not retried")
}

func TestNoFallbackConfigured(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	c := newTestClient(dead.URL, "", nil)
	_, err := c.Delete(context.Background(), "/x")
	require.Error(t, err)
}
