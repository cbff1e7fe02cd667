package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/warden-ai/warden/internal/agent"
	"github.com/warden-ai/warden/internal/llm"
)

// scriptedClient replays canned responses in order.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []llm.Request
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return nil, fmt.Errorf("script exhausted after %d requests", len(c.requests))
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

// funcClient decides per request; used for cyclic scenarios.
type funcClient struct {
	fn func(req llm.Request) (*llm.Response, error)
}

func (c *funcClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return c.fn(req)
}

func toolUse(name, input string) *llm.Response {
	return &llm.Response{
		Content: []llm.ContentBlock{{
			Type:  llm.BlockToolUse,
			ID:    "tu_" + name,
			Name:  name,
			Input: json.RawMessage(input),
		}},
		StopReason: "tool_use",
	}
}

func textResponse(text string) *llm.Response {
	return &llm.Response{
		Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: text}},
		StopReason: "end_turn",
	}
}

// fakeRunner plays the agent manager: each spawned agent "finishes"
// immediately with the next scripted output.
type fakeRunner struct {
	mu       sync.Mutex
	outputs  []string // final text per spawn, in order
	spawned  int
	prompts  []string
	stopped  []string
	spawnErr error
}

func (r *fakeRunner) CreateAgent(ctx context.Context, opts agent.CreateOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spawnErr != nil {
		return "", r.spawnErr
	}
	if opts.Source != agent.SourcePipeline {
		return "", fmt.Errorf("unexpected source %s", opts.Source)
	}
	r.spawned++
	return fmt.Sprintf("fake%d", r.spawned), nil
}

func (r *fakeRunner) SendPrompt(agentID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, text)
	return nil
}

func (r *fakeRunner) WaitForCompletion(ctx context.Context, agentID string, tick time.Duration) (agent.Snapshot, error) {
	return agent.Snapshot{ID: agentID, Status: agent.StatusStopped}, nil
}

func (r *fakeRunner) GetAgentOutputs(agentID string, lastN int) ([]agent.OutputEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := len(r.prompts) - 1
	if idx < 0 || idx >= len(r.outputs) {
		return nil, nil
	}
	return []agent.OutputEvent{
		{Kind: "assistant_tool_use", ToolName: "Bash"},
		{Kind: "assistant_text", Text: r.outputs[idx]},
	}, nil
}

func (r *fakeRunner) StopAgent(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, agentID)
	return nil
}

func TestRunToCompletionHappyPath(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		toolUse(toolAnalyzeTask, `{"analysis":"small refactor"}`),
		toolUse(toolStartPlanning, `{}`),
		toolUse(toolStartExecution, `{}`),
		toolUse(toolStartVerification, `{}`),
		toolUse(toolComplete, `{"summary":"done"}`),
		textResponse("Renamed the function and updated the callers."),
	}}
	runner := &fakeRunner{outputs: []string{
		"1. rename foo to bar\n2. update callers",
		"renamed foo, updated 3 call sites",
		"all call sites compile\nVERDICT: PASS",
	}}

	o := New(client, runner, nil, Config{WorkingDir: "/tmp/proj"})
	outcome, err := o.RunToCompletion(context.Background(), "rename foo to bar")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Action != ActionComplete || outcome.Reason != "done" {
		t.Fatalf("outcome %+v", outcome)
	}
	if outcome.Summary != "Renamed the function and updated the callers." {
		t.Fatalf("summary %q", outcome.Summary)
	}
	if o.State() != StateCompleted {
		t.Fatalf("state %s", o.State())
	}
	if len(o.SpawnedAgents()) != 3 {
		t.Fatalf("spawned %v", o.SpawnedAgents())
	}
	if len(runner.stopped) != 3 {
		t.Fatalf("stopped %v", runner.stopped)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.plan == "" || o.implementation == "" || !strings.Contains(o.verification, "VERDICT: PASS") {
		t.Fatal("phase outputs not stored")
	}
	// Verification prompt must carry the implementation, not just its name.
	if !strings.Contains(runner.prompts[2], "updated 3 call sites") {
		t.Fatalf("verification prompt missing implementation: %q", runner.prompts[2])
	}
}

func TestNudgeOnNoToolCalls(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		textResponse("I think this task is straightforward."),
		toolUse(toolGiveUp, `{"reason":"cannot proceed"}`),
	}}
	o := New(client, &fakeRunner{}, nil, Config{})
	o.mu.Lock()
	o.messages = []llm.Message{{Role: "user", Content: []llm.ContentBlock{{Type: llm.BlockText, Text: "task"}}}}
	o.mu.Unlock()

	outcome, err := o.RunUntilAction(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Action != ActionGiveUp || outcome.Reason != "cannot proceed" {
		t.Fatalf("outcome %+v", outcome)
	}

	nudged := false
	for _, msg := range o.snapshotMessages() {
		if msg.Role == "user" && len(msg.Content) == 1 && msg.Content[0].Text == nudgeMessage {
			nudged = true
		}
	}
	if !nudged {
		t.Fatal("no nudge message injected")
	}
}

func TestToolErrorFedBackNotTerminal(t *testing.T) {
	// start_execution in analyzing state: not offered, so it errors; the
	// loop must continue and accept the follow-up decision.
	client := &scriptedClient{responses: []*llm.Response{
		toolUse(toolStartExecution, `{}`),
		toolUse(toolGiveUp, `{"reason":"stuck"}`),
	}}
	o := New(client, &fakeRunner{}, nil, Config{})
	o.setState(StateAnalyzingTask)
	o.mu.Lock()
	o.messages = []llm.Message{{Role: "user", Content: []llm.ContentBlock{{Type: llm.BlockText, Text: "task"}}}}
	o.mu.Unlock()

	outcome, err := o.RunUntilAction(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Action != ActionGiveUp {
		t.Fatalf("outcome %+v", outcome)
	}

	errFed := false
	for _, msg := range o.snapshotMessages() {
		for _, b := range msg.Content {
			if b.Type == llm.BlockToolResult && b.IsError {
				errFed = true
			}
		}
	}
	if !errFed {
		t.Fatal("tool error not fed back as tool_result")
	}
}

func TestExecutionPreconditionRequiresPlan(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		toolUse(toolStartExecution, `{}`),
		toolUse(toolGiveUp, `{"reason":"no plan"}`),
	}}
	o := New(client, &fakeRunner{}, nil, Config{})
	o.setState(StateReadyForExecution)
	o.mu.Lock()
	o.messages = []llm.Message{{Role: "user", Content: []llm.ContentBlock{{Type: llm.BlockText, Text: "task"}}}}
	o.mu.Unlock()

	if _, err := o.RunUntilAction(context.Background()); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, msg := range o.snapshotMessages() {
		for _, b := range msg.Content {
			if b.IsError && strings.Contains(b.Content, "no plan exists") {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("precondition error not surfaced")
	}
	if o.State() != StateGaveUp {
		t.Fatalf("state %s", o.State())
	}
}

func TestSharedIterationBudgetGivesUp(t *testing.T) {
	runner := &fakeRunner{outputs: []string{
		"reran the failing step",
		"still broken\nVERDICT: FAIL",
		"reran again",
		"still broken\nVERDICT: FAIL",
	}}
	client := &funcClient{fn: func(req llm.Request) (*llm.Response, error) {
		offered := map[string]bool{}
		for _, tool := range req.Tools {
			offered[tool.Name] = true
		}
		switch {
		case offered[toolIterate]:
			return toolUse(toolIterate, `{"reason":"try again"}`), nil
		case offered[toolStartExecution]:
			return toolUse(toolStartExecution, `{}`), nil
		case offered[toolStartVerification]:
			return toolUse(toolStartVerification, `{}`), nil
		default:
			return nil, fmt.Errorf("no usable tool offered: %v", req.Tools)
		}
	}}

	o := New(client, runner, nil, Config{MaxIterations: 2})
	o.setState(StateVerificationFailed)
	o.mu.Lock()
	o.plan = "the plan"
	o.implementation = "the implementation"
	o.mu.Unlock()

	outcome, err := o.RunToCompletion(context.Background(), "fix the flaky test")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Action != ActionGiveUp {
		t.Fatalf("outcome %+v", outcome)
	}
	if !strings.Contains(outcome.Reason, "Maximum iterations (2) reached") {
		t.Fatalf("reason %q", outcome.Reason)
	}
	if o.State() != StateGaveUp {
		t.Fatalf("state %s", o.State())
	}
}

func TestReplanConsumesBudgetAndClearsPlan(t *testing.T) {
	o := New(&scriptedClient{}, &fakeRunner{}, nil, Config{MaxPlanningReplans: 1})
	o.setState(StatePlanReady)
	o.mu.Lock()
	o.plan = "old plan"
	o.implementation = "old impl"
	o.mu.Unlock()

	out, err := o.execTool(context.Background(), llm.ContentBlock{
		Type: llm.BlockToolUse, Name: toolReplan, Input: json.RawMessage(`{"reason":"wrong approach"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.reason != "wrong approach" {
		t.Fatalf("reason %q", out.reason)
	}
	if o.State() != StatePlanRevisionRequired {
		t.Fatalf("state %s", o.State())
	}
	o.mu.Lock()
	if o.plan != "" || o.implementation != "" {
		t.Fatal("replan did not clear phase outputs")
	}
	o.mu.Unlock()
	if o.replanBudgetLeft() != 0 {
		t.Fatalf("budget left %d", o.replanBudgetLeft())
	}

	// Budget spent: replan is no longer offered, and a forced call errors.
	o.setState(StatePlanReady)
	if contains(availableTools(o.State(), o.replanBudgetLeft()), toolReplan) {
		t.Fatal("replan still offered")
	}
	if _, err := o.execTool(context.Background(), llm.ContentBlock{
		Type: llm.BlockToolUse, Name: toolReplan, Input: json.RawMessage(`{"reason":"x"}`),
	}); err == nil {
		t.Fatal("expected replan rejection")
	}
}

func TestSpawnFailureIsToolError(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		toolUse(toolStartPlanning, `{}`),
		toolUse(toolGiveUp, `{"reason":"cannot spawn"}`),
	}}
	o := New(client, &fakeRunner{spawnErr: fmt.Errorf("claude binary not found")}, nil, Config{})
	o.setState(StateAnalyzingTask)
	o.mu.Lock()
	o.messages = []llm.Message{{Role: "user", Content: []llm.ContentBlock{{Type: llm.BlockText, Text: "task"}}}}
	o.mu.Unlock()

	outcome, err := o.RunUntilAction(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Action != ActionGiveUp {
		t.Fatalf("outcome %+v", outcome)
	}
}

func TestNoDecisionExhaustsTurnCeiling(t *testing.T) {
	client := &funcClient{fn: func(req llm.Request) (*llm.Response, error) {
		return textResponse("hmm"), nil
	}}
	o := New(client, &fakeRunner{}, nil, Config{MaxTurnsPerAction: 3})
	o.mu.Lock()
	o.messages = []llm.Message{{Role: "user", Content: []llm.ContentBlock{{Type: llm.BlockText, Text: "task"}}}}
	o.mu.Unlock()

	if _, err := o.RunUntilAction(context.Background()); err == nil {
		t.Fatal("expected turn-ceiling error")
	}
}
