// Package agent owns the lifecycle of supervised agent subprocesses: the
// concurrent registry of live agents, the manager that spawns and stops
// them, and the translation of protocol stream lines into state updates and
// outbound events.
package agent

import (
	"sync"
	"time"

	"github.com/warden-ai/warden/internal/proc"
)

// Status of one agent. Transitions are monotonic toward StatusStopped;
// a stopped agent is never resurrected.
type Status string

const (
	StatusRunning         Status = "running"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusSuspended       Status = "suspended"
	StatusStopped         Status = "stopped"
)

// Source records what subsystem requested the agent.
type Source string

const (
	SourceUI       Source = "ui"
	SourceMeta     Source = "meta"
	SourcePipeline Source = "pipeline"
	SourcePool     Source = "pool"
	SourceManual   Source = "manual"
)

// Statistics accumulates monotonically per agent. Counters never decrease
// within a session.
type Statistics struct {
	TotalPrompts     int64     `json:"total_prompts"`
	TotalToolCalls   int64     `json:"total_tool_calls"`
	TotalOutputBytes int64     `json:"total_output_bytes"`
	TotalTokensUsed  int64     `json:"total_tokens_used"`
	TotalCostUSD     float64   `json:"total_cost_usd"`
	LastActivity     time.Time `json:"last_activity"`
}

// Agent is one supervised subprocess instance. The registry map guards
// membership; mutable per-agent state uses the agent's own locks so a slow
// read on one agent never stalls another agent's stream processing.
type Agent struct {
	ID         string
	WorkingDir string
	Source     Source
	CreatedAt  time.Time

	mu                  sync.Mutex
	status              Status
	sessionID           string
	isProcessing        bool
	pendingInput        bool
	stoppedAt           time.Time
	generatedSkillNames []string

	statsMu sync.Mutex
	stats   Statistics

	handle  *proc.Handle
	outputs *outputRing
}

// Snapshot is a read-only copy of an agent's observable state.
type Snapshot struct {
	ID           string    `json:"id"`
	WorkingDir   string    `json:"working_dir"`
	Source       Source    `json:"source"`
	Status       Status    `json:"status"`
	SessionID    string    `json:"session_id,omitempty"`
	IsProcessing bool      `json:"is_processing"`
	PendingInput bool      `json:"pending_input"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	StoppedAt    time.Time `json:"stopped_at,omitempty"`
}

func newAgent(id, workingDir string, source Source, handle *proc.Handle, outputBuffer int) *Agent {
	now := time.Now().UTC()
	a := &Agent{
		ID:         id,
		WorkingDir: workingDir,
		Source:     source,
		CreatedAt:  now,
		status:     StatusRunning,
		handle:     handle,
		outputs:    newOutputRing(outputBuffer),
	}
	a.stats.LastActivity = now
	return a
}

// Snapshot returns a consistent copy of the agent's state.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		ID:           a.ID,
		WorkingDir:   a.WorkingDir,
		Source:       a.Source,
		Status:       a.status,
		SessionID:    a.sessionID,
		IsProcessing: a.isProcessing,
		PendingInput: a.pendingInput,
		CreatedAt:    a.CreatedAt,
		LastActivity: a.lastActivity(),
		StoppedAt:    a.stoppedAt,
	}
}

// Status returns the current status.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// SessionID returns the subprocess-assigned session id, if captured yet.
func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// IsProcessing reports whether the agent is working on a prompt.
func (a *Agent) IsProcessing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isProcessing
}

// Statistics returns a copy of the accumulated counters.
func (a *Agent) Statistics() Statistics {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.stats
}

// setSuspended flips between suspended and running. A stopped agent stays
// stopped.
func (a *Agent) setSuspended(suspended bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusStopped {
		return false
	}
	if suspended {
		a.status = StatusSuspended
	} else {
		a.status = StatusRunning
	}
	return true
}

// markStopped flips the agent to StatusStopped exactly once. Returns false
// if it was already stopped.
func (a *Agent) markStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusStopped {
		return false
	}
	a.status = StatusStopped
	a.isProcessing = false
	a.stoppedAt = time.Now().UTC()
	return true
}

// setSessionID captures the session id idempotently; only the first value
// sticks. Returns true when the id was newly set.
func (a *Agent) setSessionID(id string) bool {
	if id == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionID != "" {
		return false
	}
	a.sessionID = id
	return true
}

func (a *Agent) touch() {
	now := time.Now().UTC()
	a.statsMu.Lock()
	a.stats.LastActivity = now
	a.statsMu.Unlock()
}

func (a *Agent) lastActivity() time.Time {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.stats.LastActivity
}

func (a *Agent) addSkillName(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generatedSkillNames = append(a.generatedSkillNames, name)
}

func (a *Agent) skillNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.generatedSkillNames...)
}
