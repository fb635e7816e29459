// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gaiahq/gaia/internal/gpustate"
	"github.com/gaiahq/gaia/internal/hacall"
)

// Client calls the orchestrator API from gaiad. GPU changes are best-effort
// for the caller, but the client itself retries transient failures the same
// way every other inter-service call does.
type Client struct {
	ha *hacall.Client
}

// Policy carries the retry knobs for calls to the orchestrator. Zero values
// take the hacall defaults.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
}

// NewClient builds an orchestrator client for the given base URL.
func NewClient(baseURL string, policy Policy, opts ...hacall.Option) *Client {
	cfg := hacall.Config{
		PrimaryURL:  baseURL,
		MaxAttempts: policy.MaxAttempts,
		BaseBackoff: policy.BaseBackoff,
		Timeout:     2 * time.Minute, // /gpu/wake blocks on the health poll
	}
	return &Client{ha: hacall.New(cfg, nil, opts...)}
}

// ReleaseGPU asks the orchestrator to free the GPU.
func (c *Client) ReleaseGPU(ctx context.Context, reason string) error {
	resp, err := c.ha.Post(ctx, "/gpu/sleep", map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	return expectOK(resp, "/gpu/sleep")
}

// ReclaimGPU asks the orchestrator to boot the live Prime and hand the GPU
// back. Returns once Prime is verified healthy.
func (c *Client) ReclaimGPU(ctx context.Context) error {
	resp, err := c.ha.Post(ctx, "/gpu/wake", nil)
	if err != nil {
		return err
	}
	return expectOK(resp, "/gpu/wake")
}

// State fetches the orchestrator's full state snapshot.
func (c *Client) State(ctx context.Context) (*gpustate.PersistentState, error) {
	resp, err := c.ha.Get(ctx, "/state")
	if err != nil {
		return nil, err
	}
	if err := expectOK(resp, "/state"); err != nil {
		return nil, err
	}
	var st gpustate.PersistentState
	if err := json.Unmarshal(resp.Body, &st); err != nil {
		return nil, fmt.Errorf("parse state response: %w", err)
	}
	return &st, nil
}

// StartHandoff creates a new handoff on the orchestrator.
func (c *Client) StartHandoff(ctx context.Context, typ gpustate.HandoffType, source, destination string) (*gpustate.Handoff, error) {
	resp, err := c.ha.Post(ctx, "/handoff/start", map[string]string{
		"type":        string(typ),
		"source":      source,
		"destination": destination,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusConflict {
		return nil, gpustate.ErrHandoffActive
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("/handoff/start returned %d: %s", resp.StatusCode, resp.Body)
	}
	var h gpustate.Handoff
	if err := json.Unmarshal(resp.Body, &h); err != nil {
		return nil, fmt.Errorf("parse handoff response: %w", err)
	}
	return &h, nil
}

// AdvanceHandoff moves a handoff to the given phase.
func (c *Client) AdvanceHandoff(ctx context.Context, id string, phase gpustate.Phase, handoffErr string) (*gpustate.Handoff, error) {
	resp, err := c.ha.Post(ctx, "/handoff/advance", map[string]string{
		"handoff_id": id,
		"phase":      string(phase),
		"error":      handoffErr,
	})
	if err != nil {
		return nil, err
	}
	if err := expectOK(resp, "/handoff/advance"); err != nil {
		return nil, err
	}
	var h gpustate.Handoff
	if err := json.Unmarshal(resp.Body, &h); err != nil {
		return nil, fmt.Errorf("parse handoff response: %w", err)
	}
	return &h, nil
}

func expectOK(resp *hacall.Response, path string) error {
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, resp.Body)
	}
	return nil
}
