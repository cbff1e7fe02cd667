package security

import "sync"

// Entry is one collected observation: the event plus everything the
// single-pass checks found.
type Entry struct {
	Event   Event
	Matches []PatternMatch
	Anomaly *Anomaly
}

// Collector batches entries between analysis ticks. The batch loop drains
// it on a fixed interval; a non-empty drain is one ready batch.
type Collector struct {
	mu      sync.Mutex
	entries []Entry
	maxHeld int
}

// NewCollector creates a collector. maxHeld bounds memory between drains;
// the oldest entries are dropped past that point.
func NewCollector(maxHeld int) *Collector {
	if maxHeld <= 0 {
		maxHeld = 1000
	}
	return &Collector{maxHeld: maxHeld}
}

// Add appends one entry, dropping the oldest when over capacity.
func (c *Collector) Add(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	if len(c.entries) > c.maxHeld {
		c.entries = c.entries[len(c.entries)-c.maxHeld:]
	}
}

// Drain removes and returns the current batch. Returns nil when empty.
func (c *Collector) Drain() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil
	}
	out := c.entries
	c.entries = nil
	return out
}

// Len reports the pending entry count.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
