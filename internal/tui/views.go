package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/warden-ai/warden/internal/security"
)

// View implements tea.Model.
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var sections []string
	sections = append(sections, HeaderStyle.Render("Warden"))
	sections = append(sections, m.renderTabBar())
	if m.err != nil {
		sections = append(sections, ErrorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	}
	sections = append(sections, m.renderContent())

	main := lipgloss.JoinVertical(lipgloss.Left, sections...)

	statusBar := m.renderStatusBar()
	emptySpace := m.height - lipgloss.Height(main) - lipgloss.Height(statusBar)
	if emptySpace > 0 {
		main += strings.Repeat("\n", emptySpace)
	}
	return main + "\n" + statusBar
}

func (m Model) renderTabBar() string {
	tabs := make([]string, len(viewNames))
	for i, name := range viewNames {
		label := fmt.Sprintf("%d %s", i+1, name)
		if View(i) == m.activeView {
			tabs[i] = ActiveTabStyle.Render(label)
		} else {
			tabs[i] = InactiveTabStyle.Render(label)
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...) + "\n"
}

func (m Model) renderContent() string {
	switch m.activeView {
	case ViewPipelines:
		return m.renderPipelines()
	case ViewAlerts:
		return m.renderAlertList("Security Alerts", m.alerts)
	case ViewReviews:
		return m.renderAlertList("Pending Reviews", m.reviews)
	case ViewFeed:
		return m.renderFeed()
	default:
		return m.renderAgents()
	}
}

func (m Model) contentWidth() int {
	w := m.width - 4
	if w < 40 {
		w = 40
	}
	return w
}

func (m Model) renderAgents() string {
	width := m.contentWidth()
	title := CardTitleStyle.Render("Agent Runs")
	if len(m.runs) == 0 {
		return CardStyle.Width(width).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, EmptyStateStyle.Render("No agent runs yet")))
	}

	lines := []string{title}
	header := fmt.Sprintf("%-14s %-10s %-9s %8s %8s %10s  %s",
		"AGENT", "SOURCE", "STATE", "PROMPTS", "TOOLS", "COST", "WORKDIR")
	header = ansi.Truncate(header, width-2, "…")
	lines = append(lines, lipgloss.NewStyle().Foreground(ColorSubtext0).Render(header))

	for i, run := range m.runs {
		state := "running"
		if !run.StoppedAt.IsZero() {
			state = "stopped"
		}
		line := fmt.Sprintf("%-14s %-10s %-9s %8d %8d %9.4f$  %s",
			run.AgentID, run.Source, state,
			run.Stats.TotalPrompts, run.Stats.TotalToolCalls, run.Stats.TotalCostUSD,
			run.WorkingDir)
		line = ansi.Truncate(line, width-2, "…")
		if i == m.selected {
			lines = append(lines, SelectedRowStyle.Render(line))
		} else {
			lines = append(lines, riskStyle(state).Render(line))
		}
	}
	return CardStyle.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) renderPipelines() string {
	width := m.contentWidth()
	title := CardTitleStyle.Render("Pipelines")
	if len(m.pipelines) == 0 {
		return CardStyle.Width(width).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, EmptyStateStyle.Render("No pipelines yet")))
	}

	lines := []string{title}
	for i, p := range m.pipelines {
		done := 0
		awaiting := false
		for _, phase := range p.Phases {
			if phase.CheckpointResult != nil && !phase.CheckpointResult.Skipped {
				done++
			}
			if phase.AwaitingReview {
				awaiting = true
			}
		}
		line := fmt.Sprintf("%-36s %-20s %d/%d phases  %s",
			p.ID, string(p.Status), done, len(p.Phases), p.UserRequest)
		if awaiting {
			line += "  [awaiting review]"
		}
		line = ansi.Truncate(line, width-2, "…")
		if i == m.selected {
			lines = append(lines, SelectedRowStyle.Render(line))
		} else {
			lines = append(lines, riskStyle(string(p.Status)).Render(line))
		}
	}
	return CardStyle.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) renderAlertList(name string, alerts []security.Alert) string {
	width := m.contentWidth()
	title := CardTitleStyle.Render(name)
	if len(alerts) == 0 {
		return CardStyle.Width(width).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, EmptyStateStyle.Render("Nothing here")))
	}

	lines := []string{title}
	for i, a := range alerts {
		line := fmt.Sprintf("%s  %-8s %-9s agent=%-14s %s",
			a.CreatedAt.Format("15:04:05"), string(a.Risk), a.Action, a.AgentID, a.Summary)
		line = ansi.Truncate(line, width-2, "…")
		if i == m.selected {
			lines = append(lines, SelectedRowStyle.Render(line))
		} else {
			lines = append(lines, riskStyle(string(a.Risk)).Render(line))
		}
	}
	return CardStyle.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) renderFeed() string {
	width := m.contentWidth()
	title := "Event Feed"
	if m.feedStatus != "" {
		title += " (" + m.feedStatus + ")"
	}
	header := CardTitleStyle.Render(title)

	if m.feedURL == "" {
		return CardStyle.Width(width).Render(
			lipgloss.JoinVertical(lipgloss.Left, header,
				EmptyStateStyle.Render("No server connection; start 'warden serve' and reopen")))
	}
	if len(m.feed) == 0 {
		return CardStyle.Width(width).Render(
			lipgloss.JoinVertical(lipgloss.Left, header, EmptyStateStyle.Render("No events yet")))
	}

	lines := []string{header}
	for i, ev := range m.feed {
		line := fmt.Sprintf("%s  %-28s %s",
			ev.Timestamp.Format("15:04:05"), ev.Name, ev.AgentID)
		line = ansi.Truncate(line, width-2, "…")
		if i == m.selected {
			lines = append(lines, SelectedRowStyle.Render(line))
		} else {
			lines = append(lines, riskStyle(ev.Name).Render(line))
		}
	}
	return CardStyle.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) renderStatusBar() string {
	parts := []string{
		"tab: switch",
		"j/k: move",
		"r: refresh",
		"q: quit",
		fmt.Sprintf("updated %s", time.Now().Format("15:04:05")),
	}
	bar := StatusBarStyle.Render(strings.Join(parts, "  •  "))
	return ansi.Truncate(bar, m.width, "")
}
