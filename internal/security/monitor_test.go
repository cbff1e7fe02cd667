package security

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeSeeder struct {
	exp   Expectations
	err   error
	calls int
}

func (f *fakeSeeder) Seed(ctx context.Context, workingDir, prompt string) (Expectations, error) {
	f.calls++
	if f.err != nil {
		return Expectations{}, f.err
	}
	return f.exp, nil
}

type fakeAnalyzer struct {
	mu     sync.Mutex
	result *AnalysisResult
	err    error
	calls  int
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, entries []Entry) (*AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := *f.result
	return &out, nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestMonitor(t *testing.T, seeder Seeder, analyzer Analyzer, responder *ResponseHandler) *Monitor {
	t.Helper()
	m := NewMonitor(nil, seeder, analyzer, responder, nil, MonitorConfig{
		BatchInterval: time.Hour, // ticks driven manually via RunBatchOnce
	})
	m.Enable()
	t.Cleanup(m.Disable)
	return m
}

func preHook(tool, command, path string) HookRequest {
	input := map[string]string{}
	if command != "" {
		input["command"] = command
	}
	if path != "" {
		input["file_path"] = path
	}
	raw, _ := json.Marshal(input)
	return HookRequest{HookEventName: HookPreToolUse, ToolName: tool, ToolInput: raw, SessionID: "s1"}
}

func TestEnableDisableIdempotent(t *testing.T) {
	m := NewMonitor(nil, nil, nil, nil, nil, MonitorConfig{BatchInterval: time.Hour})
	m.Enable()
	m.Enable()
	if !m.Enabled() {
		t.Fatal("not enabled")
	}
	m.Disable()
	m.Disable()
	if m.Enabled() {
		t.Fatal("still enabled")
	}
}

func TestOnUserPromptSeedsSession(t *testing.T) {
	seeder := &fakeSeeder{exp: Expectations{ExpectedTools: []string{"Read", "Edit"}, NetworkLikely: true, Confidence: 0.9}}
	m := newTestMonitor(t, seeder, nil, nil)

	m.OnUserPrompt("a1", "/work", "refactor the parser")
	s, ok := m.Session("a1")
	if !ok || !s.SeededByLLM || len(s.AllowedTools()) != 2 {
		t.Fatalf("bad session: ok=%v state=%+v", ok, s)
	}

	// Follow-up prompt merges tools into the existing session.
	seeder.exp = Expectations{ExpectedTools: []string{"Bash"}}
	m.OnUserPrompt("a1", "/work", "now run the tests")
	if len(s.AllowedTools()) != 3 {
		t.Fatalf("tools not merged: %v", s.AllowedTools())
	}
	if seeder.calls != 2 {
		t.Fatalf("seeder calls = %d", seeder.calls)
	}
}

func TestOnUserPromptFallsBackToDefaults(t *testing.T) {
	m := newTestMonitor(t, &fakeSeeder{err: fmt.Errorf("model unavailable")}, nil, nil)
	m.OnUserPrompt("a1", "/work", "fix the bug")
	s, ok := m.Session("a1")
	if !ok || s.SeededByLLM {
		t.Fatalf("expected default-seeded session, got ok=%v llm=%v", ok, s.SeededByLLM)
	}
	if len(s.AllowedTools()) != len(DefaultExpectations().ExpectedTools) {
		t.Fatalf("expected default tools, got %v", s.AllowedTools())
	}
}

func TestHookBeforeSeedingUsesDefaults(t *testing.T) {
	m := newTestMonitor(t, nil, nil, nil)
	m.HandleHook("a1", preHook("Read", "", "/work/main.go"))
	s, ok := m.Session("a1")
	if !ok || s.SeededByLLM {
		t.Fatal("expected implicit default session")
	}
	if m.collector.Len() != 1 {
		t.Fatalf("event not collected: len=%d", m.collector.Len())
	}
}

func TestPendingCallCorrelation(t *testing.T) {
	m := newTestMonitor(t, nil, nil, nil)
	m.OnUserPrompt("a1", "/work", "task")

	m.HandleHook("a1", preHook("Bash", "ls", ""))
	m.HandleHook("a1", preHook("Bash", "pwd", ""))
	if m.PendingCount() != 2 {
		t.Fatalf("pending = %d", m.PendingCount())
	}

	m.HandleHook("a1", HookRequest{HookEventName: HookPostToolUse, ToolName: "Bash", SessionID: "s1"})
	if m.PendingCount() != 1 {
		t.Fatalf("post did not consume: pending = %d", m.PendingCount())
	}

	m.OnAgentStopped("a1")
	if m.PendingCount() != 0 {
		t.Fatal("stop did not clear pending")
	}
	if _, ok := m.Session("a1"); ok {
		t.Fatal("stop did not remove session")
	}
}

func TestDisabledMonitorIgnoresHooks(t *testing.T) {
	m := NewMonitor(nil, nil, nil, nil, nil, MonitorConfig{BatchInterval: time.Hour})
	m.HandleHook("a1", preHook("Bash", "ls", ""))
	if m.collector.Len() != 0 || m.PendingCount() != 0 {
		t.Fatal("disabled monitor processed a hook")
	}
}

func TestRunBatchOnceEmptyReturnsNil(t *testing.T) {
	m := newTestMonitor(t, nil, nil, nil)
	if got := m.RunBatchOnce(context.Background()); got != nil {
		t.Fatalf("empty batch produced %+v", got)
	}
}

func TestBatchPatternOnlySynthesis(t *testing.T) {
	m := newTestMonitor(t, nil, nil, nil)
	m.OnUserPrompt("a1", "/work", "task")

	m.HandleHook("a1", preHook("Bash", "chmod 777 /work/out", ""))
	result := m.RunBatchOnce(context.Background())
	if result == nil {
		t.Fatal("no result")
	}
	if result.LLMBacked || result.Risk != RiskMedium || result.BatchSize != 1 {
		t.Fatalf("bad synthesis: %+v", result)
	}
}

func TestBatchBenignIsRiskNone(t *testing.T) {
	m := newTestMonitor(t, nil, nil, nil)
	m.OnUserPrompt("a1", "/work", "task")
	m.HandleHook("a1", preHook("Read", "", "/work/main.go"))

	result := m.RunBatchOnce(context.Background())
	if result == nil || result.Risk != RiskNone {
		t.Fatalf("benign batch: %+v", result)
	}
}

func TestBatchEscalatesOnPatternHit(t *testing.T) {
	an := &fakeAnalyzer{result: &AnalysisResult{
		Risk:       RiskHigh,
		Confidence: 0.85,
		Threats:    []ThreatAssessment{{AgentID: "a1", Description: "credential read", Risk: RiskHigh, Confidence: 0.85}},
	}}
	m := newTestMonitor(t, nil, an, nil)
	m.OnUserPrompt("a1", "/work", "task")

	m.HandleHook("a1", preHook("Bash", "cat ~/.ssh/id_rsa", ""))
	result := m.RunBatchOnce(context.Background())
	if an.callCount() != 1 {
		t.Fatalf("analyzer calls = %d", an.callCount())
	}
	if result == nil || !result.LLMBacked || result.Risk != RiskHigh || result.BatchSize != 1 {
		t.Fatalf("bad escalated result: %+v", result)
	}
}

func TestBatchEscalatesOnSize(t *testing.T) {
	an := &fakeAnalyzer{result: &AnalysisResult{Risk: RiskNone, Confidence: 0.9}}
	m := newTestMonitor(t, nil, an, nil)
	m.OnUserPrompt("a1", "/work", "task")

	for i := 0; i < 10; i++ {
		m.HandleHook("a1", preHook("Read", "", fmt.Sprintf("/work/f%d.go", i)))
	}
	result := m.RunBatchOnce(context.Background())
	if an.callCount() != 1 {
		t.Fatalf("analyzer calls = %d", an.callCount())
	}
	if result == nil || !result.LLMBacked || result.BatchSize != 10 {
		t.Fatalf("bad result: %+v", result)
	}
}

func TestBatchSmallBenignSkipsAnalyzer(t *testing.T) {
	an := &fakeAnalyzer{result: &AnalysisResult{Risk: RiskNone}}
	m := newTestMonitor(t, nil, an, nil)
	m.OnUserPrompt("a1", "/work", "task")

	m.HandleHook("a1", preHook("Read", "", "/work/main.go"))
	result := m.RunBatchOnce(context.Background())
	if an.callCount() != 0 {
		t.Fatalf("analyzer called for a small benign batch")
	}
	if result == nil || result.LLMBacked {
		t.Fatalf("bad result: %+v", result)
	}
}

func TestBatchAnalyzerFailureFallsBack(t *testing.T) {
	an := &fakeAnalyzer{err: fmt.Errorf("api timeout")}
	m := newTestMonitor(t, nil, an, nil)
	m.OnUserPrompt("a1", "/work", "task")

	m.HandleHook("a1", preHook("Bash", "cat ~/.ssh/id_rsa", ""))
	result := m.RunBatchOnce(context.Background())
	if result == nil || result.LLMBacked {
		t.Fatalf("fallback not pattern-only: %+v", result)
	}
	if result.Risk != RiskHigh {
		t.Fatalf("pattern severity lost in fallback: %+v", result)
	}
}

func TestBatchDispatchesToResponder(t *testing.T) {
	ctl := &fakeController{}
	store := &fakeAlertStore{}
	responder := NewResponseHandler(ResponseConfig{AutoSuspend: true}, ctl, store, nil)

	m := newTestMonitor(t, nil, nil, responder)
	m.OnUserPrompt("a1", "/work", "task")
	m.OnUserPrompt("a2", "/work", "task")

	m.HandleHook("a1", preHook("Bash", "cat ~/.ssh/id_rsa", ""))
	m.HandleHook("a2", preHook("Read", "", "/work/main.go"))
	m.RunBatchOnce(context.Background())

	if len(ctl.suspended) != 1 || ctl.suspended[0] != "a1" {
		t.Fatalf("suspend targets: %v", ctl.suspended)
	}
	if len(store.alerts) != 1 || store.alerts[0].AgentID != "a1" {
		t.Fatalf("alerts: %+v", store.alerts)
	}
}

func TestImmediateCriticalResponse(t *testing.T) {
	store := &fakeAlertStore{}
	responder := NewResponseHandler(DefaultResponseConfig(), nil, store, nil)

	m := newTestMonitor(t, nil, nil, responder)
	m.OnUserPrompt("a1", "/work", "task")

	// Forbidden path dispatches without waiting for a batch tick.
	m.HandleHook("a1", preHook("Read", "", "/etc/shadow"))
	if len(store.reviews) != 1 || store.reviews[0].Risk != RiskCritical {
		t.Fatalf("no immediate critical review: %+v", store.reviews)
	}
}

func TestBatchLoopTicks(t *testing.T) {
	m := NewMonitor(nil, nil, nil, nil, nil, MonitorConfig{BatchInterval: 10 * time.Millisecond})
	m.Enable()
	defer m.Disable()
	m.OnUserPrompt("a1", "/work", "task")
	m.HandleHook("a1", preHook("Read", "", "/work/main.go"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.collector.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("batch loop never drained the collector")
}
