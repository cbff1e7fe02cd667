package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"

	"github.com/warden-ai/warden/internal/agent"
	"github.com/warden-ai/warden/internal/events"
	"github.com/warden-ai/warden/internal/pipeline"
	"github.com/warden-ai/warden/internal/security"
	"github.com/warden-ai/warden/internal/store"
)

func newTestModel(t *testing.T) Model {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Init(); err != nil {
		t.Fatal(err)
	}

	if err := st.SaveRun(agent.RunRecord{
		AgentID:    "abcd1234",
		WorkingDir: "/tmp/project",
		Source:     agent.SourceUI,
		StartedAt:  time.Now().Add(-time.Minute),
		Stats:      agent.Statistics{TotalPrompts: 3, TotalToolCalls: 12, TotalCostUSD: 0.42},
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveAlert(security.Alert{
		AgentID:   "abcd1234",
		Risk:      security.RiskHigh,
		Summary:   "credential file read",
		Action:    "review",
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.SavePipeline(pipeline.Pipeline{
		ID:          "p-1",
		UserRequest: "refactor the auth flow",
		Status:      pipeline.PipelineRunning,
		Phases:      []*pipeline.Phase{{Name: "implement"}},
	}); err != nil {
		t.Fatal(err)
	}

	m := New(st, "")
	sized, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return sized.(Model)
}

func keyMsg(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "shift+tab":
		return tea.KeyMsg{Type: tea.KeyShiftTab}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

func TestAgentsViewShowsRuns(t *testing.T) {
	m := newTestModel(t)

	view := ansi.Strip(m.View())
	if !strings.Contains(view, "abcd1234") {
		t.Fatalf("missing agent id:\n%s", view)
	}
	if !strings.Contains(view, "/tmp/project") {
		t.Fatalf("missing workdir:\n%s", view)
	}
}

func TestTabNavigation(t *testing.T) {
	m := newTestModel(t)

	next, _ := m.Update(keyMsg("tab"))
	m = next.(Model)
	if m.activeView != ViewPipelines {
		t.Fatalf("after tab view = %d", m.activeView)
	}
	view := ansi.Strip(m.View())
	if !strings.Contains(view, "refactor the auth flow") {
		t.Fatalf("missing pipeline:\n%s", view)
	}

	next, _ = m.Update(keyMsg("3"))
	m = next.(Model)
	view = ansi.Strip(m.View())
	if !strings.Contains(view, "credential file read") {
		t.Fatalf("missing alert:\n%s", view)
	}

	next, _ = m.Update(keyMsg("shift+tab"))
	m = next.(Model)
	if m.activeView != ViewPipelines {
		t.Fatalf("after shift+tab view = %d", m.activeView)
	}
}

func TestSelectionBounds(t *testing.T) {
	m := newTestModel(t)

	// One run: down must not move past the last row, up not before the first.
	next, _ := m.Update(keyMsg("j"))
	m = next.(Model)
	if m.selected != 0 {
		t.Fatalf("selected = %d", m.selected)
	}
	next, _ = m.Update(keyMsg("k"))
	m = next.(Model)
	if m.selected != 0 {
		t.Fatalf("selected = %d", m.selected)
	}
}

func TestTickReloads(t *testing.T) {
	m := newTestModel(t)

	if err := m.store.SaveRun(agent.RunRecord{
		AgentID:    "ffff0000",
		WorkingDir: "/tmp/other",
		Source:     agent.SourcePipeline,
		StartedAt:  time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	next, cmd := m.Update(tickMsg(time.Now()))
	m = next.(Model)
	if cmd == nil {
		t.Fatal("tick must reschedule")
	}
	if len(m.runs) != 2 {
		t.Fatalf("runs = %d", len(m.runs))
	}
}

func TestQuit(t *testing.T) {
	m := newTestModel(t)
	_, cmd := m.Update(keyMsg("q"))
	if cmd == nil {
		t.Fatal("expected quit command")
	}
}

func TestNarrowWidthTruncates(t *testing.T) {
	m := newTestModel(t)
	sized, _ := m.Update(tea.WindowSizeMsg{Width: 50, Height: 20})
	m = sized.(Model)

	for _, line := range strings.Split(ansi.Strip(m.View()), "\n") {
		if ansi.StringWidth(line) > 60 {
			t.Fatalf("line too wide: %q", line)
		}
	}
}

func TestFeedViewStreamsEvents(t *testing.T) {
	m := newTestModel(t)
	m.feedURL = "ws://127.0.0.1:7433/ws/events"

	next, cmd := m.Update(feedEventMsg(events.Event{
		Name:      events.SecurityAlert,
		AgentID:   "abcd1234",
		Timestamp: time.Now(),
	}))
	m = next.(Model)
	if cmd == nil {
		t.Fatal("feed must keep waiting for the next event")
	}
	if len(m.feed) != 1 || m.feedStatus != "live" {
		t.Fatalf("feed = %d, status = %q", len(m.feed), m.feedStatus)
	}

	next, _ = m.Update(keyMsg("5"))
	m = next.(Model)
	view := ansi.Strip(m.View())
	if !strings.Contains(view, "security:alert") {
		t.Fatalf("missing feed event:\n%s", view)
	}
}

func TestFeedCapacityBounded(t *testing.T) {
	m := newTestModel(t)
	for i := 0; i < feedCapacity+50; i++ {
		m.pushFeedEvent(events.Event{Name: events.AgentOutput})
	}
	if len(m.feed) != feedCapacity {
		t.Fatalf("feed = %d, want %d", len(m.feed), feedCapacity)
	}
}

func TestFeedOfflineSchedulesReconnect(t *testing.T) {
	m := newTestModel(t)
	next, cmd := m.Update(feedStatusMsg("offline"))
	m = next.(Model)
	if m.feedStatus != "offline" {
		t.Fatalf("status = %q", m.feedStatus)
	}
	if cmd == nil {
		t.Fatal("expected reconnect to be scheduled")
	}
}
