// SPDX-License-Identifier: MIT

// Package maintenance exposes the operator-asserted maintenance flag: the
// existence of a sentinel file on the shared directory. When set, HA failover
// and doctor remediation are suppressed.
package maintenance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gaiahq/gaia/internal/log"
)

// Flag reads and writes the maintenance sentinel file.
type Flag struct {
	path string
}

// NewFlag creates a flag bound to the given sentinel path.
func NewFlag(path string) *Flag {
	return &Flag{path: path}
}

// Path returns the sentinel file path.
func (f *Flag) Path() string { return f.path }

// IsSet reports whether the sentinel file exists. Stat errors other than
// not-exist are treated as not-set: readers must tolerate transient absence.
func (f *Flag) IsSet() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Set creates the sentinel file.
func (f *Flag) Set() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create maintenance dir: %w", err)
	}
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create maintenance flag: %w", err)
	}
	return fh.Close()
}

// Clear removes the sentinel file. Clearing an absent flag is not an error.
func (f *Flag) Clear() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove maintenance flag: %w", err)
	}
	return nil
}

// Watch emits the flag state on changes until ctx is done. It prefers fsnotify
// on the parent directory and falls back to polling when the watcher cannot be
// established (e.g. on network mounts).
func (f *Flag) Watch(ctx context.Context, fallbackPoll time.Duration) <-chan bool {
	ch := make(chan bool, 1)
	logger := log.WithComponent("maintenance")
	ch <- f.IsSet()

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(filepath.Dir(f.path))
	}
	if err != nil {
		logger.Warn().Err(err).Str("path", f.path).Msg("fsnotify unavailable, polling maintenance flag")
		if watcher != nil {
			_ = watcher.Close()
		}
		go f.pollLoop(ctx, ch, fallbackPoll)
		return ch
	}

	go func() {
		defer close(ch)
		defer func() { _ = watcher.Close() }()
		last := f.IsSet()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(f.path) {
					continue
				}
				if cur := f.IsSet(); cur != last {
					last = cur
					select {
					case ch <- cur:
					case <-ctx.Done():
						return
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("maintenance flag watcher error")
			}
		}
	}()
	return ch
}

func (f *Flag) pollLoop(ctx context.Context, ch chan<- bool, every time.Duration) {
	defer close(ch)
	if every <= 0 {
		every = 5 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	last := f.IsSet()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cur := f.IsSet(); cur != last {
				last = cur
				select {
				case ch <- cur:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
