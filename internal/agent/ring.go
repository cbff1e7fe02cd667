package agent

import (
	"sync"
	"time"
)

// OutputEvent is one buffered stream message kept for UI replay.
type OutputEvent struct {
	Time     time.Time `json:"time"`
	Kind     string    `json:"kind"`
	Text     string    `json:"text,omitempty"`
	ToolName string    `json:"tool_name,omitempty"`
	IsError  bool      `json:"is_error,omitempty"`
}

// outputRing is a thread-safe circular buffer of recent output events.
type outputRing struct {
	mu     sync.RWMutex
	events []OutputEvent
	size   int
	pos    int
	full   bool
}

func newOutputRing(size int) *outputRing {
	if size <= 0 {
		size = 256
	}
	return &outputRing{
		events: make([]OutputEvent, size),
		size:   size,
	}
}

func (rb *outputRing) Add(ev OutputEvent) {
	rb.mu.Lock()
	rb.events[rb.pos] = ev
	rb.pos = (rb.pos + 1) % rb.size
	if rb.pos == 0 {
		rb.full = true
	}
	rb.mu.Unlock()
}

// Snapshot returns all buffered events in arrival order.
func (rb *outputRing) Snapshot() []OutputEvent {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]OutputEvent, rb.pos)
		copy(result, rb.events[:rb.pos])
		return result
	}
	result := make([]OutputEvent, rb.size)
	copy(result, rb.events[rb.pos:])
	copy(result[rb.size-rb.pos:], rb.events[:rb.pos])
	return result
}

// Recent returns the most recent n events; n <= 0 means all.
func (rb *outputRing) Recent(n int) []OutputEvent {
	all := rb.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}
