package webserver

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
)

// handleEventsWebSocket streams the outbound event surface to one client.
// A slow client drops events at the bus rather than stalling producers.
func (srv *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	if srv.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	ch, cancel := srv.deps.Bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "bus closed")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
