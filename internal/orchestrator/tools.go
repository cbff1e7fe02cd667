package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warden-ai/warden/internal/agent"
	"github.com/warden-ai/warden/internal/debug"
	"github.com/warden-ai/warden/internal/llm"
)

// toolResult is one successful tool execution: content goes back to the
// model, reason is carried into the Outcome for decision tools.
type toolResult struct {
	content string
	reason  string
}

var toolDefinitions = map[string]llm.Tool{
	toolAnalyzeTask: {
		Name:        toolAnalyzeTask,
		Description: "Record your analysis of the task: what it asks for, constraints, risks.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"analysis":{"type":"string"}},"required":["analysis"]}`),
	},
	toolSelectInstructions: {
		Name:        toolSelectInstructions,
		Description: "Select the named instruction sets relevant to this task.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"instructions":{"type":"array","items":{"type":"string"}}},"required":["instructions"]}`),
	},
	toolGenerateSkills: {
		Name:        toolGenerateSkills,
		Description: "Generate reusable skills for the spawned agents. Full content, not just names.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"skills":{"type":"array","items":{"type":"object","properties":{"name":{"type":"string"},"content":{"type":"string"}},"required":["name","content"]}}},"required":["skills"]}`),
	},
	toolStartPlanning: {
		Name:        toolStartPlanning,
		Description: "Spawn a planning agent and wait for its plan.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
	toolStartExecution: {
		Name:        toolStartExecution,
		Description: "Spawn an execution agent to implement the current plan. Requires a plan.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
	toolStartVerification: {
		Name:        toolStartVerification,
		Description: "Spawn a verification agent to check the implementation. Requires an implementation.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
	toolComplete: {
		Name:        toolComplete,
		Description: "Declare the task complete.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string"}},"required":["summary"]}`),
	},
	toolIterate: {
		Name:        toolIterate,
		Description: "Run another execution round against the existing plan.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string"}},"required":["reason"]}`),
	},
	toolReplan: {
		Name:        toolReplan,
		Description: "Discard the current plan and return to planning.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string"}},"required":["reason"]}`),
	},
	toolGiveUp: {
		Name:        toolGiveUp,
		Description: "Abandon the task with a reason.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string"}},"required":["reason"]}`),
	},
}

// toolDefs resolves tool names to their wire definitions.
func (o *Orchestrator) toolDefs(names []string) []llm.Tool {
	out := make([]llm.Tool, 0, len(names))
	for _, n := range names {
		if def, ok := toolDefinitions[n]; ok {
			out = append(out, def)
		}
	}
	return out
}

// execTool runs one tool_use block. Errors are returned to the caller to be
// fed back as tool_result error blocks; they never change pipeline state.
func (o *Orchestrator) execTool(ctx context.Context, use llm.ContentBlock) (toolResult, error) {
	if !o.toolAllowed(use.Name) {
		return toolResult{}, fmt.Errorf("tool %s is not available in state %s", use.Name, o.State())
	}

	switch use.Name {
	case toolAnalyzeTask:
		var in struct {
			Analysis string `json:"analysis"`
		}
		if err := json.Unmarshal(use.Input, &in); err != nil || in.Analysis == "" {
			return toolResult{}, fmt.Errorf("analyze_task: missing analysis")
		}
		o.mu.Lock()
		o.analysis = in.Analysis
		o.mu.Unlock()
		o.setState(StateAnalyzingTask)
		return toolResult{content: "analysis recorded"}, nil

	case toolSelectInstructions:
		var in struct {
			Instructions []string `json:"instructions"`
		}
		if err := json.Unmarshal(use.Input, &in); err != nil {
			return toolResult{}, fmt.Errorf("select_instructions: %w", err)
		}
		o.mu.Lock()
		o.instructions = in.Instructions
		o.mu.Unlock()
		o.setState(StateSelectingInstructions)
		return toolResult{content: fmt.Sprintf("%d instruction sets selected", len(in.Instructions))}, nil

	case toolGenerateSkills:
		var in struct {
			Skills []Skill `json:"skills"`
		}
		if err := json.Unmarshal(use.Input, &in); err != nil {
			return toolResult{}, fmt.Errorf("generate_skills: %w", err)
		}
		o.mu.Lock()
		o.skills = append(o.skills, in.Skills...)
		o.mu.Unlock()
		o.setState(StateGeneratingSkills)
		return toolResult{content: fmt.Sprintf("%d skills generated", len(in.Skills))}, nil

	case toolStartPlanning:
		return o.runPlanning(ctx)

	case toolStartExecution:
		return o.runExecution(ctx)

	case toolStartVerification:
		return o.runVerification(ctx)

	case toolComplete:
		var in struct {
			Summary string `json:"summary"`
		}
		json.Unmarshal(use.Input, &in)
		o.setState(StateCompleted)
		return toolResult{content: "task marked complete", reason: in.Summary}, nil

	case toolIterate:
		var in struct {
			Reason string `json:"reason"`
		}
		json.Unmarshal(use.Input, &in)
		o.setState(StateReadyForExecution)
		return toolResult{content: "iterating", reason: in.Reason}, nil

	case toolReplan:
		var in struct {
			Reason string `json:"reason"`
		}
		json.Unmarshal(use.Input, &in)
		o.mu.Lock()
		if o.replanCount >= o.cfg.MaxPlanningReplans {
			o.mu.Unlock()
			return toolResult{}, fmt.Errorf("replan limit (%d) reached", o.cfg.MaxPlanningReplans)
		}
		o.replanCount++
		o.plan = ""
		o.implementation = ""
		o.verification = ""
		o.mu.Unlock()
		o.setState(StatePlanRevisionRequired)
		return toolResult{content: "plan discarded", reason: in.Reason}, nil

	case toolGiveUp:
		var in struct {
			Reason string `json:"reason"`
		}
		json.Unmarshal(use.Input, &in)
		o.setState(StateGaveUp)
		return toolResult{content: "task abandoned", reason: in.Reason}, nil

	default:
		return toolResult{}, fmt.Errorf("unknown tool %s", use.Name)
	}
}

func (o *Orchestrator) toolAllowed(name string) bool {
	for _, t := range availableTools(o.State(), o.replanBudgetLeft()) {
		if t == name {
			return true
		}
	}
	return false
}

func (o *Orchestrator) runPlanning(ctx context.Context) (toolResult, error) {
	o.setState(StatePlanning)
	plan, err := o.runPhaseAgent(ctx, "planning", o.planningPrompt())
	if err != nil {
		o.setState(StatePlanRevisionRequired)
		return toolResult{}, fmt.Errorf("planning agent: %w", err)
	}
	o.mu.Lock()
	o.plan = plan
	o.mu.Unlock()
	o.setState(StatePlanReady)
	return toolResult{content: "plan ready:\n" + plan}, nil
}

func (o *Orchestrator) runExecution(ctx context.Context) (toolResult, error) {
	o.mu.Lock()
	plan := o.plan
	o.mu.Unlock()
	if plan == "" {
		return toolResult{}, fmt.Errorf("no plan exists; run start_planning first")
	}

	o.setState(StateExecuting)
	impl, err := o.runPhaseAgent(ctx, "execution", o.executionPrompt())
	if err != nil {
		o.setState(StateReadyForExecution)
		return toolResult{}, fmt.Errorf("execution agent: %w", err)
	}
	o.mu.Lock()
	o.implementation = impl
	o.mu.Unlock()
	o.setState(StateVerifying)
	return toolResult{content: "implementation report:\n" + impl}, nil
}

func (o *Orchestrator) runVerification(ctx context.Context) (toolResult, error) {
	o.mu.Lock()
	impl := o.implementation
	o.mu.Unlock()
	if impl == "" {
		return toolResult{}, fmt.Errorf("no implementation exists; run start_execution first")
	}

	report, err := o.runPhaseAgent(ctx, "verification", o.verificationPrompt())
	if err != nil {
		return toolResult{}, fmt.Errorf("verification agent: %w", err)
	}
	o.mu.Lock()
	o.verification = report
	o.mu.Unlock()

	if verificationPassed(report) {
		o.setState(StateVerificationPassed)
	} else {
		o.setState(StateVerificationFailed)
	}
	return toolResult{content: "verification report:\n" + report}, nil
}

// verificationPassed reads the verdict line the verification prompt asks
// for. An ambiguous report counts as a failure.
func verificationPassed(report string) bool {
	return strings.Contains(strings.ToUpper(report), "VERDICT: PASS")
}

// runPhaseAgent spawns one subprocess agent for a pipeline phase, sends the
// prompt, polls until the agent settles, and returns its final text output.
func (o *Orchestrator) runPhaseAgent(ctx context.Context, phase, prompt string) (string, error) {
	id, err := o.runner.CreateAgent(ctx, agent.CreateOptions{
		WorkingDir: o.cfg.WorkingDir,
		Source:     agent.SourcePipeline,
	})
	if err != nil {
		return "", fmt.Errorf("spawn %s agent: %w", phase, err)
	}

	o.mu.Lock()
	o.spawnedAgents = append(o.spawnedAgents, id)
	o.mu.Unlock()
	debug.LogKV("orchestrator", "phase agent spawned", "phase", phase, "agent_id", id)

	defer func() {
		if stopErr := o.runner.StopAgent(id); stopErr != nil {
			debug.LogKV("orchestrator", "phase agent stop failed", "agent_id", id, "error", stopErr)
		}
	}()

	if err := o.runner.SendPrompt(id, prompt); err != nil {
		return "", fmt.Errorf("prompt %s agent: %w", phase, err)
	}
	if _, err := o.runner.WaitForCompletion(ctx, id, o.cfg.WaitTick); err != nil {
		return "", fmt.Errorf("wait for %s agent: %w", phase, err)
	}

	outputs, err := o.runner.GetAgentOutputs(id, 0)
	if err != nil {
		return "", fmt.Errorf("outputs of %s agent: %w", phase, err)
	}
	text := lastAssistantText(outputs)
	if text == "" {
		return "", fmt.Errorf("%s agent produced no textual output", phase)
	}
	return text, nil
}

func lastAssistantText(outputs []agent.OutputEvent) string {
	for i := len(outputs) - 1; i >= 0; i-- {
		if outputs[i].Kind == "assistant_text" && outputs[i].Text != "" {
			return outputs[i].Text
		}
	}
	return ""
}

func (o *Orchestrator) planningPrompt() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var b strings.Builder
	b.WriteString("Produce a concrete step-by-step plan for the following task. Plan only; do not implement.\n\n")
	b.WriteString("Task:\n" + o.task + "\n")
	if o.analysis != "" {
		b.WriteString("\nAnalysis:\n" + o.analysis + "\n")
	}
	if len(o.instructions) > 0 {
		b.WriteString("\nRelevant instruction sets: " + strings.Join(o.instructions, ", ") + "\n")
	}
	writeSkills(&b, o.skills)
	return b.String()
}

func (o *Orchestrator) executionPrompt() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var b strings.Builder
	b.WriteString("Implement the following plan. Report what you changed when done.\n\n")
	b.WriteString("Task:\n" + o.task + "\n")
	b.WriteString("\nPlan:\n" + o.plan + "\n")
	writeSkills(&b, o.skills)
	return b.String()
}

func (o *Orchestrator) verificationPrompt() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var b strings.Builder
	b.WriteString("Verify that the implementation below satisfies the task. ")
	b.WriteString("End your report with a single line: VERDICT: PASS or VERDICT: FAIL.\n\n")
	b.WriteString("Task:\n" + o.task + "\n")
	b.WriteString("\nImplementation report:\n" + o.implementation + "\n")
	return b.String()
}

// writeSkills injects full skill content, not just names, into a phase
// prompt.
func writeSkills(b *strings.Builder, skills []Skill) {
	for _, s := range skills {
		b.WriteString("\nSkill " + s.Name + ":\n" + s.Content + "\n")
	}
}
