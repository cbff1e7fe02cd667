package tui

import (
	"context"
	"encoding/json"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/websocket"

	"github.com/warden-ai/warden/internal/events"
)

// feedCapacity bounds the live feed kept in memory.
const feedCapacity = 200

const feedReconnectDelay = 5 * time.Second

type feedEventMsg events.Event

// feedStatusMsg reports the websocket connection state ("offline",
// "disconnected"). An empty feed URL never produces one.
type feedStatusMsg string

type feedReconnectMsg struct{}

// connectFeed dials the server's event websocket and pumps decoded events
// into the model's feed channel until the connection drops.
func (m Model) connectFeed() tea.Cmd {
	url := m.feedURL
	ch := m.feedCh
	return func() tea.Msg {
		ctx := context.Background()
		ws, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return feedStatusMsg("offline")
		}
		defer ws.CloseNow()

		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return feedStatusMsg("disconnected")
			}
			var ev events.Event
			if json.Unmarshal(data, &ev) != nil {
				continue
			}
			ch <- ev
		}
	}
}

// waitForFeedEvent delivers the next pumped event to Update.
func waitForFeedEvent(ch chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return feedEventMsg(<-ch)
	}
}

func scheduleFeedReconnect() tea.Cmd {
	return tea.Tick(feedReconnectDelay, func(time.Time) tea.Msg {
		return feedReconnectMsg{}
	})
}

// pushFeedEvent appends one event, dropping the oldest past capacity.
func (m *Model) pushFeedEvent(ev events.Event) {
	m.feed = append(m.feed, ev)
	if len(m.feed) > feedCapacity {
		m.feed = m.feed[len(m.feed)-feedCapacity:]
	}
}
