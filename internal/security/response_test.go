package security

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/warden-ai/warden/internal/events"
)

type fakeController struct {
	mu          sync.Mutex
	failFirst   int
	terminated  []string
	suspended   []string
	terminateOK bool
}

func (f *fakeController) Terminate(agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return fmt.Errorf("transient stop failure")
	}
	f.terminated = append(f.terminated, agentID)
	f.terminateOK = true
	return nil
}

func (f *fakeController) Suspend(agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended = append(f.suspended, agentID)
	return nil
}

type fakeAlertStore struct {
	mu      sync.Mutex
	alerts  []Alert
	reviews []Alert
}

func (f *fakeAlertStore) SaveAlert(a Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeAlertStore) SavePendingReview(a Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews = append(f.reviews, a)
	return nil
}

func TestDecidePolicyTable(t *testing.T) {
	cases := []struct {
		name string
		cfg  ResponseConfig
		risk RiskLevel
		want string
	}{
		{"critical defaults to review", DefaultResponseConfig(), RiskCritical, ActionReview},
		{"critical auto-terminate", ResponseConfig{AutoTerminate: true}, RiskCritical, ActionTerminate},
		{"critical auto-terminate gated by review", ResponseConfig{AutoTerminate: true, RequireHumanReview: true}, RiskCritical, ActionReview},
		{"high defaults to review", DefaultResponseConfig(), RiskHigh, ActionReview},
		{"high auto-suspend", ResponseConfig{AutoSuspend: true}, RiskHigh, ActionSuspend},
		{"high auto-suspend gated by review", ResponseConfig{AutoSuspend: true, RequireHumanReview: true}, RiskHigh, ActionReview},
		{"medium alerts by default", DefaultResponseConfig(), RiskMedium, ActionAlert},
		{"medium silent when disabled", ResponseConfig{}, RiskMedium, ""},
		{"low is silent", DefaultResponseConfig(), RiskLow, ""},
		{"none is silent", DefaultResponseConfig(), RiskNone, ""},
	}
	for _, tc := range cases {
		h := NewResponseHandler(tc.cfg, nil, nil, nil)
		if got := h.Decide(tc.risk); got != tc.want {
			t.Errorf("%s: Decide(%s) = %q, want %q", tc.name, tc.risk, got, tc.want)
		}
	}
}

func TestHandleReviewPersistsAndEmits(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	store := &fakeAlertStore{}
	h := NewResponseHandler(DefaultResponseConfig(), nil, store, bus)
	h.Handle("agent1", AnalysisResult{Risk: RiskCritical}, "curl piped to shell")

	if len(store.alerts) != 1 || len(store.reviews) != 1 {
		t.Fatalf("alerts=%d reviews=%d", len(store.alerts), len(store.reviews))
	}
	if store.reviews[0].Action != ActionReview || store.reviews[0].AgentID != "agent1" {
		t.Fatalf("bad review %+v", store.reviews[0])
	}

	names := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			names[ev.Name] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	if !names[events.SecurityAlert] || !names[events.SecurityPendingReview] {
		t.Fatalf("missing events: %v", names)
	}
}

func TestHandleTerminateRetriesTransientFailures(t *testing.T) {
	ctl := &fakeController{failFirst: 2}
	h := NewResponseHandler(ResponseConfig{
		AutoTerminate: true,
		MaxRetries:    3,
		InitialDelay:  time.Millisecond,
		Multiplier:    2,
		MaxDelay:      5 * time.Millisecond,
	}, ctl, nil, nil)

	h.Handle("agent1", AnalysisResult{Risk: RiskCritical}, "reverse shell")

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if !ctl.terminateOK || len(ctl.terminated) != 1 || ctl.terminated[0] != "agent1" {
		t.Fatalf("terminate not applied after retries: %+v", ctl)
	}
}

func TestHandleExhaustedRetriesDoesNotPanic(t *testing.T) {
	ctl := &fakeController{failFirst: 10}
	h := NewResponseHandler(ResponseConfig{
		AutoTerminate: true,
		MaxRetries:    2,
		InitialDelay:  time.Millisecond,
		Multiplier:    2,
		MaxDelay:      2 * time.Millisecond,
	}, ctl, nil, nil)
	h.Handle("agent1", AnalysisResult{Risk: RiskCritical}, "x")
	if len(ctl.terminated) != 0 {
		t.Fatal("terminate unexpectedly succeeded")
	}
}

func TestHandleSuspendOnHigh(t *testing.T) {
	ctl := &fakeController{}
	h := NewResponseHandler(ResponseConfig{AutoSuspend: true}, ctl, nil, nil)
	h.Handle("agent2", AnalysisResult{Risk: RiskHigh}, "ssh key read")
	if len(ctl.suspended) != 1 || ctl.suspended[0] != "agent2" {
		t.Fatalf("suspend not applied: %+v", ctl)
	}
}

func TestHandleMediumAlertOnly(t *testing.T) {
	ctl := &fakeController{}
	store := &fakeAlertStore{}
	h := NewResponseHandler(DefaultResponseConfig(), ctl, store, nil)
	h.Handle("agent3", AnalysisResult{Risk: RiskMedium}, "chmod 777")

	if len(store.alerts) != 1 || store.alerts[0].Action != ActionAlert {
		t.Fatalf("bad alerts %+v", store.alerts)
	}
	if len(store.reviews) != 0 || len(ctl.terminated) != 0 || len(ctl.suspended) != 0 {
		t.Fatal("medium risk must not escalate")
	}
}
