// Package events provides a publish/subscribe bus for run observability.
// The orchestration loop, memory store, and executor publish what they
// are doing; the CLI progress printer and the websocket confirmer
// subscribe. Publish on a nil *Bus is a no-op, so components never need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceLoop identifies events from the orchestration loop.
	SourceLoop = "loop"
	// SourceExecutor identifies events from action execution.
	SourceExecutor = "executor"
	// SourceMemory identifies events from the tiered memory store.
	SourceMemory = "memory"
	// SourceRouter identifies events from capability routing.
	SourceRouter = "router"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStart signals the beginning of a run.
	// Data: run_id, problem_id, auto_mode, next_step.
	KindRunStart = "run_start"
	// KindState signals a loop state transition.
	// Data: run_id, state, step_id.
	KindState = "state"
	// KindPlan signals a plan was produced.
	// Data: run_id, step_id, rationale, actions.
	KindPlan = "plan"
	// KindActionStart signals the start of one action.
	// Data: step_id, index, tool.
	KindActionStart = "action_start"
	// KindActionDone signals completion of one action.
	// Data: step_id, index, tool, result, bytes, elapsed_ms.
	KindActionDone = "action_done"
	// KindVerdict signals an analyzer verdict.
	// Data: run_id, step_id, analysis, success, goal_achieved, value, terminate.
	KindVerdict = "verdict"
	// KindCompressed signals hot history was compressed into a block.
	// Data: problem_id, steps, folded, result.
	KindCompressed = "compressed"
	// KindForgotten signals records were evicted by the forgetting policy.
	// Data: problem_id, step_ids.
	KindForgotten = "forgotten"
	// KindClassified signals a routing decision.
	// Data: category, tools, fallback.
	KindClassified = "classified"
	// KindCheckpoint signals a checkpoint was written.
	// Data: run_id, problem_id, step_count.
	KindCheckpoint = "checkpoint"
	// KindRunComplete signals the end of a run.
	// Data: run_id, problem_id, reason, detail, value, steps.
	KindRunComplete = "run_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, dropping it for any
// subscriber whose buffer is full. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit stamps and publishes an event. Safe to call on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Calling it
// twice is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
