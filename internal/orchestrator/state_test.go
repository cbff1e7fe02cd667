package orchestrator

import "testing"

func contains(tools []string, name string) bool {
	for _, t := range tools {
		if t == name {
			return true
		}
	}
	return false
}

func TestStateToolsArePure(t *testing.T) {
	if !contains(toolsForState(StateReceivedTask), toolAnalyzeTask) {
		t.Fatal("received_task must offer analyze_task")
	}
	if !contains(toolsForState(StatePlanReady), toolReplan) {
		t.Fatal("plan_ready must offer replan")
	}
	if !contains(toolsForState(StateVerificationPassed), toolComplete) {
		t.Fatal("verification_passed must offer complete")
	}
	for _, s := range []PipelineState{StateCompleted, StateFailed, StateGaveUp} {
		if len(toolsForState(s)) != 0 {
			t.Fatalf("terminal state %s offers tools", s)
		}
		if !s.isTerminal() {
			t.Fatalf("%s not terminal", s)
		}
	}
}

func TestReplanRemovedWhenBudgetSpent(t *testing.T) {
	with := availableTools(StatePlanReady, 1)
	if !contains(with, toolReplan) {
		t.Fatal("replan missing with budget left")
	}
	without := availableTools(StatePlanReady, 0)
	if contains(without, toolReplan) {
		t.Fatal("replan offered with no budget")
	}
	if !contains(without, toolStartExecution) || !contains(without, toolGiveUp) {
		t.Fatalf("post-filter removed unrelated tools: %v", without)
	}
}

func TestDecisionTools(t *testing.T) {
	for _, name := range []string{toolComplete, toolIterate, toolReplan, toolGiveUp} {
		if !isDecisionTool(name) {
			t.Errorf("%s not a decision tool", name)
		}
	}
	for _, name := range []string{toolAnalyzeTask, toolStartPlanning, toolStartExecution} {
		if isDecisionTool(name) {
			t.Errorf("%s misclassified as decision tool", name)
		}
	}
}
