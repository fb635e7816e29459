// SPDX-License-Identifier: MIT

package watchdog

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gaiahq/gaia/internal/log"
)

// StatusChange is one HA status transition.
type StatusChange struct {
	Old HAStatus  `json:"old_status"`
	New HAStatus  `json:"new_status"`
	At  time.Time `json:"at"`
}

// Notifier fans status changes out to subscribers. Slow subscribers drop
// events instead of blocking the sweep.
type Notifier struct {
	mu   sync.Mutex
	subs map[chan StatusChange]struct{}
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[chan StatusChange]struct{})}
}

// Subscribe registers a new subscriber channel. Call the returned cancel
// function to unsubscribe.
func (n *Notifier) Subscribe() (<-chan StatusChange, func()) {
	ch := make(chan StatusChange, 8)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, ch)
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Broadcast delivers a change to every subscriber without blocking.
func (n *Notifier) Broadcast(change StatusChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

// SSEHandler streams status changes as server-sent events until the client
// disconnects.
func (n *Notifier) SSEHandler() http.HandlerFunc {
	logger := log.WithComponent("watchdog-sse")
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ch, cancel := n.Subscribe()
		defer cancel()
		logger.Debug().Str("remote", r.RemoteAddr).Msg("sse subscriber connected")

		for {
			select {
			case <-r.Context().Done():
				return
			case change, open := <-ch:
				if !open {
					return
				}
				payload, err := json.Marshal(change)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: ha_status\ndata: %s\n\n", payload)
				flusher.Flush()
			}
		}
	}
}
