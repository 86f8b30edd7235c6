// Package hubtest provides a Broadcaster that records events for tests.
package hubtest

import (
	"sync"

	"procodus.dev/iot-hub/internal/hub"
)

// Broadcast is one recorded Broadcast call.
type Broadcast struct {
	Event   hub.Event
	Channel string
}

// Recorder implements hub.Broadcaster.
type Recorder struct {
	mu    sync.Mutex
	calls []Broadcast
}

// Broadcast implements hub.Broadcaster.
func (r *Recorder) Broadcast(event hub.Event, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Broadcast{Event: event, Channel: channel})
}

// Calls returns every recorded broadcast in order.
func (r *Recorder) Calls() []Broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Broadcast, len(r.calls))
	copy(out, r.calls)
	return out
}

// OfType returns the broadcasts whose event has type t.
func (r *Recorder) OfType(t string) []Broadcast {
	var out []Broadcast
	for _, c := range r.Calls() {
		if c.Event.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// Types lists the event types in order.
func (r *Recorder) Types() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Event.Type
	}
	return out
}

// Reset forgets every recorded call.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

var _ hub.Broadcaster = (*Recorder)(nil)
