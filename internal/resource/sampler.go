// SPDX-License-Identifier: MIT

package resource

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// HostSampler reads CPU utilization from /proc/stat and, when an nvidia-smi
// binary is available, GPU utilization from it. Either source may be absent;
// a missing source reports zero rather than failing the sample.
type HostSampler struct {
	procStatPath string
	nvidiaSmi    string

	mu        sync.Mutex
	prevBusy  uint64
	prevTotal uint64
}

// NewHostSampler builds the default host sampler.
func NewHostSampler() *HostSampler {
	smi, _ := exec.LookPath("nvidia-smi")
	return &HostSampler{procStatPath: "/proc/stat", nvidiaSmi: smi}
}

// Sample implements Sampler.
func (h *HostSampler) Sample(ctx context.Context) (Load, error) {
	var load Load

	cpu, err := h.sampleCPU()
	if err != nil {
		return load, err
	}
	load.CPUPercent = cpu

	if h.nvidiaSmi != "" {
		if gpu, err := h.sampleGPU(ctx); err == nil {
			load.GPUPercent = gpu
		}
	}
	return load, nil
}

// sampleCPU computes busy share from the delta of two /proc/stat readings.
// The first call has no delta and reports zero.
func (h *HostSampler) sampleCPU() (float64, error) {
	f, err := os.Open(h.procStatPath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", h.procStatPath, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty %s", h.procStatPath)
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected %s header: %q", h.procStatPath, scanner.Text())
	}

	var total, idle uint64
	for i, field := range fields[1:] {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse cpu field %d: %w", i, err)
		}
		total += v
		// idle + iowait
		if i == 3 || i == 4 {
			idle += v
		}
	}
	busy := total - idle

	h.mu.Lock()
	defer h.mu.Unlock()
	dBusy := busy - h.prevBusy
	dTotal := total - h.prevTotal
	first := h.prevTotal == 0
	h.prevBusy, h.prevTotal = busy, total

	if first || dTotal == 0 {
		return 0, nil
	}
	return 100 * float64(dBusy) / float64(dTotal), nil
}

func (h *HostSampler) sampleGPU(ctx context.Context) (float64, error) {
	out, err := exec.CommandContext(ctx, h.nvidiaSmi,
		"--query-gpu=utilization.gpu", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi: %w", err)
	}
	// Multi-GPU hosts report one line per device; take the busiest.
	var max float64
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		v, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
		if err != nil {
			continue
		}
		if v > max {
			max = v
		}
	}
	return max, nil
}

// StaticSampler returns a fixed load; used in tests and monolith mode.
type StaticSampler struct {
	mu   sync.Mutex
	load Load
}

// NewStaticSampler builds a sampler that always reports the given load.
func NewStaticSampler(load Load) *StaticSampler {
	return &StaticSampler{load: load}
}

// Set replaces the reported load.
func (s *StaticSampler) Set(load Load) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load = load
}

// Sample implements Sampler.
func (s *StaticSampler) Sample(context.Context) (Load, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load, nil
}
