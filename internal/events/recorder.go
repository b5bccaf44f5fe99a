package events

import "sync"

// Recorder is an Emitter that keeps every event in order
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: event, Payload: payload})
}

// Events returns a copy of everything emitted so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the payloads of the events with the given name
func (r *Recorder) Named(name string) []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []interface{}
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev.Payload)
		}
	}
	return out
}

// Last returns the most recent event, if any
func (r *Recorder) Last() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}, false
	}
	return r.events[len(r.events)-1], true
}
