// Package tui renders the warden dashboard: supervised agent runs,
// pipelines, and security alerts from the project store.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/warden-ai/warden/internal/agent"
	"github.com/warden-ai/warden/internal/events"
	"github.com/warden-ai/warden/internal/pipeline"
	"github.com/warden-ai/warden/internal/security"
	"github.com/warden-ai/warden/internal/store"
)

// View represents the currently active view.
type View int

const (
	ViewAgents View = iota
	ViewPipelines
	ViewAlerts
	ViewReviews
	ViewFeed
)

var viewNames = []string{"Agents", "Pipelines", "Alerts", "Reviews", "Feed"}

func viewCount() View { return View(len(viewNames)) }

const refreshInterval = 2 * time.Second

type tickMsg time.Time

// Model is the top-level bubbletea model for the warden dashboard.
type Model struct {
	store  *store.Store
	keys   ViewKeyMap
	width  int
	height int

	activeView View
	selected   int

	// Data loaded from the store
	runs      []agent.RunRecord
	pipelines []pipeline.Pipeline
	alerts    []security.Alert
	reviews   []security.Alert

	// Live feed over the server's event websocket. Empty feedURL keeps
	// the feed view in store-only mode.
	feedURL    string
	feedCh     chan events.Event
	feed       []events.Event
	feedStatus string

	err error
}

// New creates a dashboard model and loads data from the given store.
// feedURL, when non-empty, is the ws://.../ws/events endpoint of a running
// serve process; the feed view streams from it.
func New(s *store.Store, feedURL string) Model {
	m := Model{
		store:   s,
		keys:    DefaultKeyMap(),
		feedURL: feedURL,
		feedCh:  make(chan events.Event, 64),
	}
	m.loadData()
	return m
}

// loadData reads all data from the store into the model.
func (m *Model) loadData() {
	m.err = nil

	runs, err := m.store.ListRuns()
	if err != nil {
		m.err = err
	} else {
		m.runs = runs
	}

	pipelines, err := m.store.ListPipelines()
	if err != nil {
		m.err = err
	} else {
		m.pipelines = pipelines
	}

	alerts, err := m.store.ListAlerts()
	if err != nil {
		m.err = err
	} else {
		m.alerts = alerts
	}

	reviews, err := m.store.ListPendingReviews()
	if err != nil {
		m.err = err
	} else {
		m.reviews = reviews
	}

	if m.selected >= m.rowCount() {
		m.selected = 0
	}
}

// rowCount is the number of selectable rows in the active view.
func (m Model) rowCount() int {
	switch m.activeView {
	case ViewAgents:
		return len(m.runs)
	case ViewPipelines:
		return len(m.pipelines)
	case ViewAlerts:
		return len(m.alerts)
	case ViewReviews:
		return len(m.reviews)
	case ViewFeed:
		return len(m.feed)
	}
	return 0
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{tea.SetWindowTitle("Warden"), tick()}
	if m.feedURL != "" {
		cmds = append(cmds, m.connectFeed(), waitForFeedEvent(m.feedCh))
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.loadData()
		return m, tick()

	case feedEventMsg:
		m.feedStatus = "live"
		m.pushFeedEvent(events.Event(msg))
		return m, waitForFeedEvent(m.feedCh)

	case feedStatusMsg:
		m.feedStatus = string(msg)
		return m, scheduleFeedReconnect()

	case feedReconnectMsg:
		return m, m.connectFeed()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Tab):
			m.activeView = (m.activeView + 1) % viewCount()
			m.selected = 0
		case key.Matches(msg, m.keys.ShiftTab):
			m.activeView = (m.activeView + viewCount() - 1) % viewCount()
			m.selected = 0
		case key.Matches(msg, m.keys.View1):
			m.activeView = ViewAgents
			m.selected = 0
		case key.Matches(msg, m.keys.View2):
			m.activeView = ViewPipelines
			m.selected = 0
		case key.Matches(msg, m.keys.View3):
			m.activeView = ViewAlerts
			m.selected = 0
		case key.Matches(msg, m.keys.View4):
			m.activeView = ViewReviews
			m.selected = 0
		case key.Matches(msg, m.keys.View5):
			m.activeView = ViewFeed
			m.selected = 0
		case key.Matches(msg, m.keys.Up):
			if m.selected > 0 {
				m.selected--
			}
		case key.Matches(msg, m.keys.Down):
			if m.selected < m.rowCount()-1 {
				m.selected++
			}
		case key.Matches(msg, m.keys.Refresh):
			m.loadData()
		}
		return m, nil
	}

	return m, nil
}

// Run starts the dashboard on the terminal. feedURL may be empty when no
// serve process is reachable.
func Run(s *store.Store, feedURL string) error {
	p := tea.NewProgram(New(s, feedURL), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
