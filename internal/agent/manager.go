package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warden-ai/warden/internal/debug"
	"github.com/warden-ai/warden/internal/events"
	"github.com/warden-ai/warden/internal/hexid"
	"github.com/warden-ai/warden/internal/proc"
	"github.com/warden-ai/warden/internal/stream"
)

// Errors surfaced synchronously to callers.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentStopped  = errors.New("agent already stopped")
)

// teardownGrace is the sleep between reader cancellation and the process
// kill, letting in-flight pipe reads unwind.
const teardownGrace = 50 * time.Millisecond

// RunStore persists run records and final statistics. Implemented by
// internal/store; kept as an interface so the persistence layer stays an
// external collaborator.
type RunStore interface {
	SaveRun(rec RunRecord) error
	UpdateRun(rec RunRecord) error
}

// RunRecord is the persisted view of one agent run.
type RunRecord struct {
	AgentID    string     `json:"agent_id"`
	SessionID  string     `json:"session_id,omitempty"`
	WorkingDir string     `json:"working_dir"`
	Source     Source     `json:"source"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  time.Time  `json:"stopped_at,omitempty"`
	Stats      Statistics `json:"stats"`
}

// PromptObserver is notified when prompts are sent and agents stop. The
// security monitor implements this to seed and tear down per-session
// behavioral expectations.
type PromptObserver interface {
	OnUserPrompt(agentID, workingDir, prompt string)
	OnAgentStopped(agentID string)
}

// ManagerConfig configures subprocess launching.
type ManagerConfig struct {
	// Command is the agent CLI binary. Defaults to "claude".
	Command string
	// ExtraArgs are appended before the streaming flags.
	ExtraArgs []string
	// HookURL is the base URL of this process's hook endpoint. When set,
	// each agent gets a settings artifact wiring its tool-use hooks to it.
	HookURL string
	// OutputBuffer is the per-agent output ring size.
	OutputBuffer int
	// Env is overlaid on every spawned process.
	Env map[string]string
}

// Manager composes the process handles, the stream parser, and the registry
// into the agent lifecycle: spawn, prompt, stop.
type Manager struct {
	reg     *Registry
	emitter events.Emitter
	store   RunStore
	obs     PromptObserver
	cfg     ManagerConfig
}

// NewManager builds a manager. store and obs may be nil.
func NewManager(reg *Registry, emitter events.Emitter, store RunStore, cfg ManagerConfig) *Manager {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Manager{reg: reg, emitter: emitter, store: store, cfg: cfg}
}

// SetPromptObserver wires the security monitor. Must be called before the
// first CreateAgent; not guarded for concurrent mutation.
func (m *Manager) SetPromptObserver(obs PromptObserver) { m.obs = obs }

// SetHookURL wires the hook endpoint once the server has bound its port.
// Must be called before the first CreateAgent; not guarded for concurrent
// mutation.
func (m *Manager) SetHookURL(url string) { m.cfg.HookURL = url }

// Registry exposes the underlying registry for read paths (hook server).
func (m *Manager) Registry() *Registry { return m.reg }

// CreateOptions configures one spawn.
type CreateOptions struct {
	WorkingDir string
	Source     Source
	Env        map[string]string
	// CommandOverride replaces the configured CLI binary for this agent.
	CommandOverride string
}

// CreateAgent spawns a subprocess, registers it, persists a run record, and
// starts the stdout/stderr reader tasks. It returns as soon as the spawn
// succeeds; streaming continues asynchronously. Spawn failures are surfaced
// synchronously so the caller can retry.
func (m *Manager) CreateAgent(ctx context.Context, opts CreateOptions) (string, error) {
	id := hexid.New()

	configPath := ""
	if m.cfg.HookURL != "" {
		p, err := writeHookSettings(id, m.cfg.HookURL)
		if err != nil {
			return "", fmt.Errorf("agent %s: %w", id, err)
		}
		configPath = p
	}

	command := m.cfg.Command
	if opts.CommandOverride != "" {
		command = opts.CommandOverride
	}

	// --print for non-interactive mode, stream-json for NDJSON events on
	// stdout, --verbose is required by the CLI for stream-json output.
	args := append([]string(nil), m.cfg.ExtraArgs...)
	args = append(args, "--print", "--output-format", "stream-json", "--verbose", "--input-format", "stream-json")
	if configPath != "" {
		args = append(args, "--settings", configPath)
	}

	env := make(map[string]string, len(m.cfg.Env)+len(opts.Env))
	for k, v := range m.cfg.Env {
		env[k] = v
	}
	for k, v := range opts.Env {
		env[k] = v
	}

	handle, err := proc.Spawn(ctx, proc.Spec{
		Command:    command,
		Args:       args,
		WorkDir:    opts.WorkingDir,
		Env:        env,
		ConfigPath: configPath,
	})
	if err != nil {
		if configPath != "" {
			_ = os.Remove(configPath)
		}
		return "", err
	}

	source := opts.Source
	if source == "" {
		source = SourceManual
	}
	a := newAgent(id, opts.WorkingDir, source, handle, m.cfg.OutputBuffer)
	if err := m.reg.Create(a); err != nil {
		handle.Teardown(0)
		return "", err
	}

	if m.store != nil {
		if err := m.store.SaveRun(RunRecord{
			AgentID:    id,
			WorkingDir: opts.WorkingDir,
			Source:     source,
			StartedAt:  a.CreatedAt,
		}); err != nil {
			debug.LogKV("agent.manager", "run record save failed", "agent_id", id, "error", err)
		}
	}

	m.emitter.Emit(events.AgentStatus, id, a.Snapshot())
	debug.LogKV("agent.manager", "agent created", "agent_id", id, "workdir", opts.WorkingDir, "source", source, "pid", handle.PID())

	go m.readStdout(a)
	go m.readStderr(a)

	return id, nil
}

// promptLine is the stdin protocol envelope for one prompt.
type promptLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string                `json:"role"`
		Content []stream.ContentBlock `json:"content"`
	} `json:"message"`
}

// SendPrompt writes one prompt line to the agent's stdin. Fails if the
// agent is unknown or its stdin channel is gone.
func (m *Manager) SendPrompt(agentID, text string) error {
	a, ok := m.reg.Get(agentID)
	if !ok {
		return ErrAgentNotFound
	}

	var line promptLine
	line.Type = "user"
	line.Message.Role = "user"
	line.Message.Content = []stream.ContentBlock{{Type: "text", Text: text}}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("agent %s: encode prompt: %w", agentID, err)
	}

	if err := a.handle.WriteLine(string(data)); err != nil {
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentStopped)
	}

	a.mu.Lock()
	a.pendingInput = false
	a.isProcessing = true
	if a.status != StatusStopped {
		a.status = StatusRunning
	}
	a.mu.Unlock()

	a.statsMu.Lock()
	a.stats.TotalPrompts++
	a.stats.LastActivity = time.Now().UTC()
	a.statsMu.Unlock()

	m.emitter.Emit(events.AgentActivity, agentID, map[string]any{"prompt_len": len(text)})

	if m.obs != nil {
		// Expectation seeding must finish (or fall back) before the first
		// tool call, but it is off the tool-call critical path afterwards.
		go m.obs.OnUserPrompt(agentID, a.WorkingDir, text)
	}
	return nil
}

// StopAgent performs the ordered teardown, persists final statistics, and
// marks the agent stopped. Idempotent with respect to observable state:
// a second call re-confirms stopped status, and once the registry entry is
// garbage-collected it reports ErrAgentNotFound.
func (m *Manager) StopAgent(agentID string) error {
	a, ok := m.reg.Get(agentID)
	if !ok {
		return ErrAgentNotFound
	}

	if a.Status() == StatusStopped {
		return nil
	}

	// Ordered teardown: stdin first so the writer exits cooperatively,
	// then reader cancellation, then the session mapping, then the grace
	// sleep and kill inside Teardown.
	a.handle.CloseStdin()
	a.handle.CancelReaders()
	m.reg.UnbindSessionsFor(agentID)
	a.handle.Teardown(teardownGrace)

	m.finalizeStop(a)
	m.cleanupSkills(a)
	return nil
}

// SuspendAgent pauses the agent's whole process group with SIGSTOP. The
// subprocess keeps its state and can be resumed; used by the security
// responder for high-risk sessions.
func (m *Manager) SuspendAgent(agentID string) error {
	a, ok := m.reg.Get(agentID)
	if !ok {
		return ErrAgentNotFound
	}
	if a.Status() == StatusStopped {
		return ErrAgentStopped
	}
	if err := a.handle.Signal(syscall.SIGSTOP); err != nil {
		return fmt.Errorf("agent %s: suspend: %w", agentID, err)
	}
	a.setSuspended(true)
	m.emitter.Emit(events.AgentStatus, agentID, a.Snapshot())
	debug.LogKV("agent.manager", "agent suspended", "agent_id", agentID)
	return nil
}

// ResumeAgent continues a suspended agent with SIGCONT.
func (m *Manager) ResumeAgent(agentID string) error {
	a, ok := m.reg.Get(agentID)
	if !ok {
		return ErrAgentNotFound
	}
	if a.Status() == StatusStopped {
		return ErrAgentStopped
	}
	if err := a.handle.Signal(syscall.SIGCONT); err != nil {
		return fmt.Errorf("agent %s: resume: %w", agentID, err)
	}
	a.setSuspended(false)
	m.emitter.Emit(events.AgentStatus, agentID, a.Snapshot())
	debug.LogKV("agent.manager", "agent resumed", "agent_id", agentID)
	return nil
}

// finalizeStop marks the agent stopped, persists stats, and emits status.
// Called from both StopAgent and the stdout reader's EOF path.
func (m *Manager) finalizeStop(a *Agent) {
	if !a.markStopped() {
		return
	}

	if m.store != nil {
		snap := a.Snapshot()
		if err := m.store.UpdateRun(RunRecord{
			AgentID:    a.ID,
			SessionID:  snap.SessionID,
			WorkingDir: a.WorkingDir,
			Source:     a.Source,
			StartedAt:  a.CreatedAt,
			StoppedAt:  snap.StoppedAt,
			Stats:      a.Statistics(),
		}); err != nil {
			debug.LogKV("agent.manager", "final stats persist failed", "agent_id", a.ID, "error", err)
		}
	}

	if m.obs != nil {
		m.obs.OnAgentStopped(a.ID)
	}

	m.emitter.Emit(events.AgentStatus, a.ID, a.Snapshot())
	debug.LogKV("agent.manager", "agent stopped", "agent_id", a.ID)
}

// cleanupSkills removes skill files the agent generated under its workdir.
func (m *Manager) cleanupSkills(a *Agent) {
	for _, name := range a.skillNames() {
		path := filepath.Join(a.WorkingDir, ".claude", "skills", name)
		if err := os.RemoveAll(path); err != nil {
			debug.LogKV("agent.manager", "skill cleanup failed", "agent_id", a.ID, "skill", name, "error", err)
		}
	}
}

// ListAgents returns snapshots of all registered agents.
func (m *Manager) ListAgents() []Snapshot { return m.reg.List() }

// GetAgentInfo returns one agent's snapshot.
func (m *Manager) GetAgentInfo(agentID string) (Snapshot, error) {
	a, ok := m.reg.Get(agentID)
	if !ok {
		return Snapshot{}, ErrAgentNotFound
	}
	return a.Snapshot(), nil
}

// GetAgentStatistics returns one agent's counters.
func (m *Manager) GetAgentStatistics(agentID string) (Statistics, error) {
	a, ok := m.reg.Get(agentID)
	if !ok {
		return Statistics{}, ErrAgentNotFound
	}
	return a.Statistics(), nil
}

// GetAgentOutputs returns the most recent lastN buffered output events;
// 0 means all.
func (m *Manager) GetAgentOutputs(agentID string, lastN int) ([]OutputEvent, error) {
	a, ok := m.reg.Get(agentID)
	if !ok {
		return nil, ErrAgentNotFound
	}
	return a.outputs.Recent(lastN), nil
}

// CleanupStopped removes agents stopped for longer than maxAge.
func (m *Manager) CleanupStopped(maxAge time.Duration) []string {
	return m.reg.CleanupStopped(maxAge)
}

// WaitForCompletion polls until the agent leaves the processing state or
// the context is done. Spawned sub-agents are short-lived relative to LLM
// latency, so polling is adequate here.
func (m *Manager) WaitForCompletion(ctx context.Context, agentID string, tick time.Duration) (Snapshot, error) {
	if tick <= 0 {
		tick = 250 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		a, ok := m.reg.Get(agentID)
		if !ok {
			return Snapshot{}, ErrAgentNotFound
		}
		snap := a.Snapshot()
		if snap.Status == StatusStopped || (!snap.IsProcessing && snap.Status == StatusWaitingForInput) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

// readStdout is the per-agent stdout reader task. Lines are processed
// strictly in arrival order; a malformed line never crashes the reader or
// other agents. Stream EOF is the only stop detection for a crashed or
// hung-up subprocess.
func (m *Manager) readStdout(a *Agent) {
	for ev := range stream.Parse(a.handle.ReaderContext(), a.handle.Stdout()) {
		msg := stream.Classify(ev)
		m.apply(a, msg)
	}
	_ = a.handle.Wait()
	m.reg.UnbindSessionsFor(a.ID)
	m.finalizeStop(a)
}

// readStderr surfaces stderr lines as error-typed output events only; it
// never affects agent status.
func (m *Manager) readStderr(a *Agent) {
	scanner := bufio.NewScanner(a.handle.Stderr())
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		a.outputs.Add(OutputEvent{Time: time.Now().UTC(), Kind: "stderr", Text: line, IsError: true})
		m.emitter.Emit(events.AgentOutput, a.ID, map[string]any{"kind": "stderr", "text": line, "is_error": true})
	}
}

// apply folds one classified stream message into agent state and emits
// exactly one outbound event, keeping UI ordering deterministic.
func (m *Manager) apply(a *Agent, msg stream.Message) {
	a.touch()

	a.statsMu.Lock()
	a.stats.TotalOutputBytes += int64(len(msg.Raw))
	a.statsMu.Unlock()

	if msg.SessionID != "" && a.setSessionID(msg.SessionID) {
		m.reg.BindSession(msg.SessionID, a.ID)
		debug.LogKV("agent.manager", "session bound", "agent_id", a.ID, "session_id", msg.SessionID)
	}

	out := OutputEvent{Time: time.Now().UTC(), Kind: string(msg.Kind), Text: msg.Text, ToolName: msg.ToolName, IsError: msg.ToolIsError || msg.IsError}
	a.outputs.Add(out)

	switch msg.Kind {
	case stream.KindAssistantToolUse:
		a.mu.Lock()
		a.isProcessing = true
		// Stopped is terminal: lines still buffered at teardown must not
		// resurrect the agent.
		if a.status != StatusStopped {
			a.status = StatusRunning
		}
		a.mu.Unlock()

		a.statsMu.Lock()
		a.stats.TotalToolCalls++
		a.statsMu.Unlock()

		m.emitter.Emit(events.AgentTool, a.ID, map[string]any{
			"tool_name": msg.ToolName,
			"input":     json.RawMessage(msg.ToolInput),
		})

	case stream.KindAssistantText:
		// A text-only assistant message means the turn is over and the
		// agent is waiting for input.
		a.mu.Lock()
		a.isProcessing = false
		a.pendingInput = true
		if a.status != StatusStopped {
			a.status = StatusWaitingForInput
		}
		a.mu.Unlock()
		m.emitter.Emit(events.AgentInputRequired, a.ID, map[string]any{"text": msg.Text})

	case stream.KindResult:
		a.statsMu.Lock()
		a.stats.TotalTokensUsed += int64(msg.InputTokens + msg.OutputTokens)
		a.stats.TotalCostUSD += msg.CostUSD
		stats := a.stats
		a.statsMu.Unlock()
		m.emitter.Emit(events.AgentStats, a.ID, stats)

	default:
		m.emitter.Emit(events.AgentOutput, a.ID, out)
	}
}
