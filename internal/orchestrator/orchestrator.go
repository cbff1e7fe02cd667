// Package orchestrator runs the meta-agent tool-calling loop: an LLM drives
// a task pipeline (analyze, plan, execute, verify) by invoking tools, some
// of which spawn supervised subprocess agents through the agent manager.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warden-ai/warden/internal/agent"
	"github.com/warden-ai/warden/internal/debug"
	"github.com/warden-ai/warden/internal/events"
	"github.com/warden-ai/warden/internal/llm"
)

// AgentRunner is the slice of the agent manager the spawn tools need.
// Implemented by *agent.Manager.
type AgentRunner interface {
	CreateAgent(ctx context.Context, opts agent.CreateOptions) (string, error)
	SendPrompt(agentID, text string) error
	WaitForCompletion(ctx context.Context, agentID string, tick time.Duration) (agent.Snapshot, error)
	GetAgentOutputs(agentID string, lastN int) ([]agent.OutputEvent, error)
	StopAgent(agentID string) error
}

// Config tunes one orchestrator run.
type Config struct {
	// Model passed through to the LLM client. Empty uses the client default.
	Model string
	// WorkingDir for spawned agents.
	WorkingDir string
	// MaxIterations is the shared iterate/replan budget. Default 5.
	MaxIterations int
	// MaxPlanningReplans bounds the replan tool per planning phase. Default 2.
	MaxPlanningReplans int
	// MaxTurnsPerAction bounds one run_until_action call, including nudge
	// turns. Default 20.
	MaxTurnsPerAction int
	// WaitTick is the poll interval for spawned-agent completion.
	WaitTick time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 5
	}
	if c.MaxPlanningReplans <= 0 {
		c.MaxPlanningReplans = 2
	}
	if c.MaxTurnsPerAction <= 0 {
		c.MaxTurnsPerAction = 20
	}
	if c.WaitTick <= 0 {
		c.WaitTick = 250 * time.Millisecond
	}
	return c
}

// Action is the decision that terminated one run_until_action call.
type Action string

const (
	ActionComplete Action = "complete"
	ActionIterate  Action = "iterate"
	ActionReplan   Action = "replan"
	ActionGiveUp   Action = "give_up"
)

// Outcome is the result of one run_until_action call or a whole run.
type Outcome struct {
	Action  Action
	Reason  string
	Summary string
}

// Skill is one generated skill stored in orchestrator state and injected
// into spawned-agent prompts with its full content.
type Skill struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

const systemPrompt = `You are the orchestrator of a software task pipeline. You never write code yourself;
you drive the pipeline by calling tools. Analyze the task, plan it, execute the plan through
a spawned agent, verify the result, then decide: complete, iterate, replan, or give_up.
Always make progress by calling exactly the tools the current phase offers.`

const nudgeMessage = "Use one of the available tools to make progress."

// Orchestrator holds one task's conversation and pipeline state. All fields
// behind mu; slow work (LLM calls, agent waits) happens outside the lock.
type Orchestrator struct {
	client  llm.Client
	runner  AgentRunner
	emitter events.Emitter
	cfg     Config

	mu       sync.Mutex
	state    PipelineState
	messages []llm.Message

	task           string
	analysis       string
	instructions   []string
	skills         []Skill
	plan           string
	implementation string
	verification   string
	spawnedAgents  []string

	currentIteration int
	replanCount      int
}

// New builds an orchestrator for one task.
func New(client llm.Client, runner AgentRunner, emitter events.Emitter, cfg Config) *Orchestrator {
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Orchestrator{
		client:  client,
		runner:  runner,
		emitter: emitter,
		cfg:     cfg.withDefaults(),
		state:   StateReceivedTask,
	}
}

// State returns the current pipeline state.
func (o *Orchestrator) State() PipelineState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SpawnedAgents returns the ids of agents spawned so far, in order.
func (o *Orchestrator) SpawnedAgents() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.spawnedAgents...)
}

// setState is the only state mutator. The tool set offered to the model is
// always derived from the state set here.
func (o *Orchestrator) setState(s PipelineState) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev != s {
		o.emitter.Emit(events.OrchestratorStateChanged, "", map[string]string{
			"from": string(prev), "to": string(s),
		})
		debug.LogKV("orchestrator", "state changed", "from", prev, "to", s)
	}
}

// replanBudgetLeft is how many replans remain in the current planning phase.
func (o *Orchestrator) replanBudgetLeft() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	left := o.cfg.MaxPlanningReplans - o.replanCount
	if left < 0 {
		return 0
	}
	return left
}

func (o *Orchestrator) appendMessage(msg llm.Message) {
	o.mu.Lock()
	o.messages = append(o.messages, msg)
	o.mu.Unlock()
}

func (o *Orchestrator) snapshotMessages() []llm.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]llm.Message(nil), o.messages...)
}

// RunToCompletion drives the whole pipeline: run_until_action in a loop,
// interpreting Iterate and Replan as "spend one unit of the shared budget
// and continue". The budget is shared; iterating and replanning draw from
// the same ceiling.
func (o *Orchestrator) RunToCompletion(ctx context.Context, task string) (Outcome, error) {
	o.mu.Lock()
	o.task = task
	o.messages = []llm.Message{{
		Role:    "user",
		Content: []llm.ContentBlock{{Type: llm.BlockText, Text: task}},
	}}
	o.mu.Unlock()

	for {
		outcome, err := o.RunUntilAction(ctx)
		if err != nil {
			o.setState(StateFailed)
			return Outcome{}, err
		}

		switch outcome.Action {
		case ActionComplete, ActionGiveUp:
			return outcome, nil
		case ActionIterate, ActionReplan:
			o.mu.Lock()
			o.currentIteration++
			iter := o.currentIteration
			o.mu.Unlock()
			if iter >= o.cfg.MaxIterations {
				reason := fmt.Sprintf("Maximum iterations (%d) reached", o.cfg.MaxIterations)
				o.setState(StateGaveUp)
				return Outcome{Action: ActionGiveUp, Reason: reason}, nil
			}
			debug.LogKV("orchestrator", "continuing", "action", outcome.Action, "iteration", iter)
		default:
			return Outcome{}, fmt.Errorf("orchestrator: unknown action %q", outcome.Action)
		}
	}
}

// RunUntilAction runs the conversation until one of the four decision tools
// executes successfully. Tool failures are fed back to the model as error
// tool results and never terminate the loop; a turn without tool calls gets
// one nudge message. The per-call turn ceiling bounds both.
func (o *Orchestrator) RunUntilAction(ctx context.Context) (Outcome, error) {
	for turn := 0; turn < o.cfg.MaxTurnsPerAction; turn++ {
		resp, err := o.client.Complete(ctx, llm.Request{
			Model:     o.cfg.Model,
			System:    systemPrompt,
			Messages:  o.snapshotMessages(),
			Tools:     o.toolDefs(availableTools(o.State(), o.replanBudgetLeft())),
			MaxTokens: 4096,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("orchestrator: completion: %w", err)
		}

		o.appendMessage(llm.Message{Role: "assistant", Content: resp.Content})

		uses := resp.ToolUses()
		if len(uses) == 0 {
			o.appendMessage(llm.Message{
				Role:    "user",
				Content: []llm.ContentBlock{{Type: llm.BlockText, Text: nudgeMessage}},
			})
			continue
		}

		var results []llm.ContentBlock
		var terminal *Outcome
		for _, use := range uses {
			o.emitter.Emit(events.OrchestratorToolStart, "", map[string]string{"tool": use.Name})
			output, execErr := o.execTool(ctx, use)
			o.emitter.Emit(events.OrchestratorToolComplete, "", map[string]any{
				"tool": use.Name, "error": execErr != nil,
			})

			if execErr != nil {
				results = append(results, llm.ContentBlock{
					Type:      llm.BlockToolResult,
					ToolUseID: use.ID,
					Content:   execErr.Error(),
					IsError:   true,
				})
				continue
			}
			results = append(results, llm.ContentBlock{
				Type:      llm.BlockToolResult,
				ToolUseID: use.ID,
				Content:   output.content,
			})
			if terminal == nil && isDecisionTool(use.Name) {
				terminal = &Outcome{Action: Action(use.Name), Reason: output.reason}
			}
		}

		o.appendMessage(llm.Message{Role: "user", Content: results})

		if terminal != nil {
			if terminal.Action == ActionComplete {
				terminal.Summary = o.summaryTurn(ctx)
			}
			return *terminal, nil
		}
	}
	return Outcome{}, fmt.Errorf("orchestrator: no decision after %d turns", o.cfg.MaxTurnsPerAction)
}

// summaryTurn issues one extra tool-free turn to obtain the final
// natural-language summary. A failure here degrades to an empty summary;
// the completion decision already happened.
func (o *Orchestrator) summaryTurn(ctx context.Context) string {
	o.appendMessage(llm.Message{
		Role:    "user",
		Content: []llm.ContentBlock{{Type: llm.BlockText, Text: "Summarize the outcome of the task for the user."}},
	})
	resp, err := o.client.Complete(ctx, llm.Request{
		Model:     o.cfg.Model,
		System:    systemPrompt,
		Messages:  o.snapshotMessages(),
		MaxTokens: 1024,
	})
	if err != nil {
		debug.LogKV("orchestrator", "summary turn failed", "error", err)
		return ""
	}
	o.appendMessage(llm.Message{Role: "assistant", Content: resp.Content})
	return resp.Text()
}
