package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/warden-ai/warden/internal/agent"
	"github.com/warden-ai/warden/internal/debug"
)

// Runner is the slice of the agent manager phase execution needs.
type Runner interface {
	CreateAgent(ctx context.Context, opts agent.CreateOptions) (string, error)
	SendPrompt(agentID, text string) error
	WaitForCompletion(ctx context.Context, agentID string, tick time.Duration) (agent.Snapshot, error)
	GetAgentOutputs(agentID string, lastN int) ([]agent.OutputEvent, error)
	StopAgent(agentID string) error
}

// AgentExecutor runs each phase (and each verification attempt) as a
// supervised agent subprocess.
type AgentExecutor struct {
	Runner     Runner
	WorkingDir string
	WaitTick   time.Duration
}

var _ PhaseExecutor = (*AgentExecutor)(nil)
var _ Verifier = (*AgentExecutor)(nil)

// Execute implements PhaseExecutor.
func (e *AgentExecutor) Execute(ctx context.Context, p Pipeline, phase Phase) error {
	prompt := fmt.Sprintf("You are executing phase %q of a larger task.\n\nOverall request:\n%s\n\nPhase instructions:\n%s\n\nComplete this phase and stop.",
		phase.Name, p.UserRequest, phase.Prompt)
	_, err := e.runAgent(ctx, prompt)
	return err
}

// Verify implements Verifier. Each attempt is an independent agent run asked
// for a structured verdict.
func (e *AgentExecutor) Verify(ctx context.Context, attempt int, phase Phase) (VerificationAttempt, error) {
	prompt := fmt.Sprintf(`You are independently verifying the result of phase %q.

Phase instructions were:
%s

Inspect the working directory and judge whether the phase goal was met.
End your answer with exactly two lines:
VERDICT: PASS or VERDICT: FAIL
CONFIDENCE: <0.0-1.0>`, phase.Name, phase.Prompt)

	report, err := e.runAgent(ctx, prompt)
	if err != nil {
		return VerificationAttempt{}, err
	}
	passed, confidence := parseVerdict(report)
	debug.LogKV("pipeline.executor", "verification attempt",
		"phase", phase.Name, "attempt", attempt, "passed", passed, "confidence", confidence)
	return VerificationAttempt{Passed: passed, Confidence: confidence, Summary: report}, nil
}

func (e *AgentExecutor) runAgent(ctx context.Context, prompt string) (string, error) {
	id, err := e.Runner.CreateAgent(ctx, agent.CreateOptions{
		WorkingDir: e.WorkingDir,
		Source:     agent.SourcePipeline,
	})
	if err != nil {
		return "", fmt.Errorf("spawning phase agent: %w", err)
	}
	defer e.Runner.StopAgent(id)

	if err := e.Runner.SendPrompt(id, prompt); err != nil {
		return "", fmt.Errorf("prompting phase agent %s: %w", id, err)
	}
	if _, err := e.Runner.WaitForCompletion(ctx, id, e.WaitTick); err != nil {
		return "", fmt.Errorf("waiting for phase agent %s: %w", id, err)
	}

	outputs, err := e.Runner.GetAgentOutputs(id, 0)
	if err != nil {
		return "", fmt.Errorf("collecting phase agent %s outputs: %w", id, err)
	}
	for i := len(outputs) - 1; i >= 0; i-- {
		if outputs[i].Kind == "assistant_text" && strings.TrimSpace(outputs[i].Text) != "" {
			return outputs[i].Text, nil
		}
	}
	return "", nil
}

var confidenceLine = regexp.MustCompile(`(?i)CONFIDENCE:\s*([0-9]*\.?[0-9]+)`)

// parseVerdict reads the structured trailer. A missing verdict counts as a
// failure; a missing confidence degrades to 0.5 so one sloppy attempt cannot
// dominate a fused vote.
func parseVerdict(report string) (bool, float64) {
	passed := strings.Contains(strings.ToUpper(report), "VERDICT: PASS")
	confidence := 0.5
	if m := confidenceLine.FindStringSubmatch(report); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v >= 0 && v <= 1 {
			confidence = v
		}
	}
	return passed, confidence
}
