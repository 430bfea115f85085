package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/streaming"
)

const sseHeartbeat = 15 * time.Second

// handleSSE streams run events via Server-Sent Events.
// GET /api/v1/stream/sse?run_id=<id>[&types=a,b][&last_event_id=N]
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id required")
		return
	}
	filter := parseTypeFilter(r.URL.Query().Get("types"))
	lastID, resume := parseLastEventID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, errStreamingUnsupported.Error(), http.StatusInternalServerError)
		return
	}

	ch := s.stream.Subscribe(runID, 256)
	defer s.stream.Unsubscribe(runID, ch)

	fmt.Fprintf(w, ": connected to run %s\n\n", runID)
	flusher.Flush()

	// Replay the backlog so reconnecting clients miss nothing still in
	// the buffer window. Fresh connections start from live events only.
	replayed := uint64(0)
	if resume {
		for _, evt := range s.stream.ReplaySince(runID, lastID) {
			writeSSEEvent(w, evt, filter)
			replayed = evt.Seq
		}
		flusher.Flush()
	}

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected", zap.String("run_id", runID))
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			// Skip live events already delivered during replay.
			if resume && evt.Seq <= replayed {
				continue
			}
			if writeSSEEvent(w, evt, filter) {
				flusher.Flush()
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt streaming.Event, filter map[string]struct{}) bool {
	if len(filter) > 0 {
		if _, ok := filter[evt.Type]; !ok {
			return false
		}
	}
	fmt.Fprintf(w, "id: %d\n", evt.Seq)
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
	return true
}

func parseTypeFilter(raw string) map[string]struct{} {
	filter := map[string]struct{}{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter[t] = struct{}{}
		}
	}
	return filter
}

// parseLastEventID reads the resume cursor from the Last-Event-ID header or
// the last_event_id query param. The boolean reports whether a cursor was
// supplied at all; a fresh connection gets live events only.
func parseLastEventID(r *http.Request) (uint64, bool) {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n, true
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}
