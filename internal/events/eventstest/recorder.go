// Package eventstest provides an in-memory event sink for tests.
package eventstest

import (
	"sync"
	"time"

	"github.com/kandev/acphost/internal/events"
)

// Event is one recorded emission.
type Event struct {
	Kind    events.Kind
	Payload any
}

// Recorder is a Sink that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Emit implements events.Sink.
func (r *Recorder) Emit(kind events.Kind, payload any) {
	r.mu.Lock()
	r.events = append(r.events, Event{Kind: kind, Payload: payload})
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(kind events.Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until an event of kind matching pred is recorded or the
// timeout elapses.
func (r *Recorder) WaitFor(kind events.Kind, pred func(payload any) bool, timeout time.Duration) (Event, bool) {
	deadline := time.After(timeout)
	for {
		for _, e := range r.OfKind(kind) {
			if pred == nil || pred(e.Payload) {
				return e, true
			}
		}
		select {
		case <-r.notify:
		case <-deadline:
			return Event{}, false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
