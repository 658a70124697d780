package httpapi

import (
	"net/http"

	"nhooyr.io/websocket"
)

// handleLogs upgrades to a websocket, replays the buffered lines, then
// streams new ones until the client goes away.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, "not_found", "log streaming is not enabled")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// CloseRead cancels the context when the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	for _, line := range s.logs.Recent() {
		if err := conn.Write(ctx, websocket.MessageText, []byte(line)); err != nil {
			return
		}
	}

	feed, cancel := s.logs.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case line := <-feed:
			if err := conn.Write(ctx, websocket.MessageText, []byte(line)); err != nil {
				return
			}
		}
	}
}
