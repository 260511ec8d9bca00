package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"pkm-jobs/internal/domain/model"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// frame is the wire shape of stream messages: one snapshot first, then one
// event per state change, ending with a normal close after the terminal
// event.
type frame struct {
	Kind  string               `json:"kind"` // "snapshot" | "event"
	Job   *model.Job           `json:"job,omitempty"`
	Event *model.ProgressEvent `json:"event,omitempty"`
}

// streamHandler upgrades to a websocket and relays broadcaster events.
// Slow clients lose intermediate events (drop-oldest), never the terminal
// one.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	sub, err := s.bc.Subscribe(r.Context(), jobID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("job_id", jobID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame{Kind: "snapshot", Job: sub.Snapshot}); err != nil {
		return
	}

	// Reader only detects the client going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case ev, ok := <-sub.Events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job reached terminal state")
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(frame{Kind: "event", Event: &ev}); err != nil {
				return
			}
		}
	}
}
