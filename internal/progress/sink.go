package progress

import (
	"context"
	"sync"
)

// Sink consumes batches of lifecycle events. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Emit must never block the caller.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// Recorder is a synchronous Emitter that keeps every event in order. It is
// used where callers need to inspect the stream directly, such as tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends the event.
func (r *Recorder) Emit(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a copy of the recorded stream.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Stages returns the recorded stages, optionally filtered to one task.
func (r *Recorder) Stages(taskID string) []Stage {
	var out []Stage
	for _, evt := range r.Events() {
		if taskID != "" && evt.TaskID != taskID {
			continue
		}
		out = append(out, evt.Stage)
	}
	return out
}

// Count returns how many events carry the stage.
func (r *Recorder) Count(stage Stage) int {
	n := 0
	for _, evt := range r.Events() {
		if evt.Stage == stage {
			n++
		}
	}
	return n
}

// Multi fans an event out to several emitters in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(evt Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(evt)
		}
	}
}
