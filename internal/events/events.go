// Package events defines the outbound event surface consumed by UI layers.
//
// Core logic only depends on the Emitter capability; the process-local Bus
// is one implementation that fans events out to subscriber channels
// (websocket handlers, the TUI dashboard). Whatever host environment exists
// can provide its own Emitter instead.
package events

import (
	"sync"
	"time"

	"github.com/warden-ai/warden/internal/eventq"
)

// Event names on the outbound surface.
const (
	AgentStatus        = "agent:status"
	AgentOutput        = "agent:output"
	AgentStats         = "agent:stats"
	AgentActivity      = "agent:activity"
	AgentTool          = "agent:tool"
	AgentInputRequired = "agent:input_required"

	OrchestratorStateChanged = "orchestrator:state_changed"
	OrchestratorToolStart    = "orchestrator:tool_start"
	OrchestratorToolComplete = "orchestrator:tool_complete"

	PipelinePhase = "pipeline:phase"

	SecurityAlert         = "security:alert"
	SecurityPendingReview = "security:pending_review"
)

// Event is one named payload on the surface. AgentID may be empty for
// orchestrator/pipeline events.
type Event struct {
	Name      string    `json:"name"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Emitter is the capability interface core logic depends on.
type Emitter interface {
	Emit(name string, agentID string, payload any) error
}

// Bus is a process-local Emitter fanning events out to subscribers.
// Sends are non-blocking; a slow subscriber drops events rather than
// stalling stream processing.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int

	dropped int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Emit implements Emitter. It never fails; full subscriber channels drop.
func (b *Bus) Emit(name string, agentID string, payload any) error {
	ev := Event{Name: name, AgentID: agentID, Timestamp: time.Now().UTC(), Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		if !eventq.Offer(ch, ev) {
			b.dropped++
		}
	}
	return nil
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// func removes the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Dropped reports how many events were discarded due to backpressure.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Discard is an Emitter that drops everything. Useful in tests and for
// callers that do not care about the event surface.
type Discard struct{}

// Emit implements Emitter.
func (Discard) Emit(string, string, any) error { return nil }
