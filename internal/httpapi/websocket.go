package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are delegated to the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS streams run events over a websocket.
// GET /api/v1/stream/ws?run_id=<id>[&types=a,b][&last_event_id=N]
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id required")
		return
	}
	filter := parseTypeFilter(r.URL.Query().Get("types"))
	lastID, resume := parseLastEventID(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.stream.Subscribe(runID, 256)
	defer s.stream.Unsubscribe(runID, ch)

	replayed := uint64(0)
	if resume {
		for _, evt := range s.stream.ReplaySince(runID, lastID) {
			if len(filter) > 0 {
				if _, ok := filter[evt.Type]; !ok {
					continue
				}
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
			replayed = evt.Seq
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// Reader pump: client messages are discarded, but reading keeps pong
	// handling alive and surfaces closes.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if resume && evt.Seq <= replayed {
				continue
			}
			if len(filter) > 0 {
				if _, ok := filter[evt.Type]; !ok {
					continue
				}
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
