package orchestrator

// PipelineState is the orchestrator's position in the task pipeline. State
// transitions happen only through setState, which also refreshes the tool
// set offered to the model.
type PipelineState string

const (
	StateReceivedTask          PipelineState = "received_task"
	StateAnalyzingTask         PipelineState = "analyzing_task"
	StateSelectingInstructions PipelineState = "selecting_instructions"
	StateGeneratingSkills      PipelineState = "generating_skills"
	StatePlanning              PipelineState = "planning"
	StatePlanReady             PipelineState = "plan_ready"
	StatePlanRevisionRequired  PipelineState = "plan_revision_required"
	StateReadyForExecution     PipelineState = "ready_for_execution"
	StateExecuting             PipelineState = "executing"
	StateVerifying             PipelineState = "verifying"
	StateVerificationPassed    PipelineState = "verification_passed"
	StateVerificationFailed    PipelineState = "verification_failed"
	StateCompleted             PipelineState = "completed"
	StateFailed                PipelineState = "failed"
	StateGaveUp                PipelineState = "gave_up"
)

// Tool names. The four decision tools terminate run_until_action when they
// execute successfully.
const (
	toolAnalyzeTask        = "analyze_task"
	toolSelectInstructions = "select_instructions"
	toolGenerateSkills     = "generate_skills"
	toolStartPlanning      = "start_planning"
	toolStartExecution     = "start_execution"
	toolStartVerification  = "start_verification"
	toolComplete           = "complete"
	toolIterate            = "iterate"
	toolReplan             = "replan"
	toolGiveUp             = "give_up"
)

// stateTools maps each state to its legal tool set. The mapping is static;
// the one dynamic rule (replan budget exhaustion) is applied as a
// post-filter in availableTools.
var stateTools = map[PipelineState][]string{
	StateReceivedTask:          {toolAnalyzeTask, toolGiveUp},
	StateAnalyzingTask:         {toolSelectInstructions, toolStartPlanning, toolGiveUp},
	StateSelectingInstructions: {toolGenerateSkills, toolStartPlanning, toolGiveUp},
	StateGeneratingSkills:      {toolStartPlanning, toolGiveUp},
	StatePlanning:              {toolGiveUp},
	StatePlanReady:             {toolStartExecution, toolReplan, toolGiveUp},
	StatePlanRevisionRequired:  {toolStartPlanning, toolGiveUp},
	StateReadyForExecution:     {toolStartExecution, toolGiveUp},
	StateExecuting:             {toolGiveUp},
	StateVerifying:             {toolStartVerification, toolGiveUp},
	StateVerificationPassed:    {toolComplete, toolIterate, toolGiveUp},
	StateVerificationFailed:    {toolIterate, toolReplan, toolGiveUp},
	StateCompleted:             nil,
	StateFailed:                nil,
	StateGaveUp:                nil,
}

// toolsForState returns the static tool list for a state.
func toolsForState(state PipelineState) []string {
	return stateTools[state]
}

// availableTools applies the dynamic post-filter: replan disappears once
// the per-planning-phase replan budget is spent.
func availableTools(state PipelineState, replanBudgetLeft int) []string {
	base := toolsForState(state)
	if replanBudgetLeft > 0 {
		return base
	}
	out := make([]string, 0, len(base))
	for _, t := range base {
		if t == toolReplan {
			continue
		}
		out = append(out, t)
	}
	return out
}

// isTerminal reports whether the state admits no further tool use.
func (s PipelineState) isTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateGaveUp
}

// isDecisionTool reports whether a tool terminates run_until_action on
// success.
func isDecisionTool(name string) bool {
	switch name {
	case toolComplete, toolIterate, toolReplan, toolGiveUp:
		return true
	}
	return false
}
