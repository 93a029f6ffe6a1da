package daemon

import (
	"net/http"
	"strconv"
	"time"

	"github.com/batalabs/agentd/internal/domain"
)

// replayBatch bounds one backlog query; the loop keeps draining until the
// backlog is exhausted so a long-offline client still catches up fully.
const replayBatch = 1000

// handleEventStream serves the SSE feed: a connected frame, the persisted
// backlog after the resume point, then live events. The subscription opens
// before the replay, so events published mid-replay land in the live queue
// and the id check drops the overlap.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	q := r.URL.Query()
	sessionID := q.Get("session_id")
	since := queryInt64(q, "since")
	if !q.Has("since") {
		if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
			if n, err := strconv.ParseInt(lastID, 10, 64); err == nil {
				since = n
			}
		}
	}

	latest, err := s.bus.LatestID()
	if err != nil {
		s.serverError(w, r, err)
		return
	}

	sub := s.bus.Subscribe(sessionID)
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	writeSSE(w, flusher, domain.EventConnected, domain.Event{
		TS:        domain.TSNow(),
		Type:      domain.EventConnected,
		SessionID: sessionID,
		Payload: map[string]any{
			"server_time": domain.TSNow(),
			"latest_id":   latest,
		},
	})

	last := since
	for {
		backlog, err := s.bus.Replay(sessionID, last, replayBatch)
		if err != nil {
			s.logf("daemon: sse replay: %v", err)
			return
		}
		for _, ev := range backlog {
			writeEvent(w, flusher, ev)
			last = ev.ID
		}
		if len(backlog) < replayBatch {
			break
		}
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Stale:
			// The queue overflowed; the client reconnects and replays.
			return
		case ev, chOpen := <-sub.Events:
			if !chOpen {
				return
			}
			if ev.ID <= last {
				continue // replay already covered it
			}
			writeEvent(w, flusher, ev)
			last = ev.ID
		case <-heartbeat.C:
			writeSSE(w, flusher, domain.EventHeartbeat, domain.Event{
				TS:        domain.TSNow(),
				Type:      domain.EventHeartbeat,
				SessionID: sessionID,
				Payload:   map[string]any{"ts": domain.TSNow()},
			})
		}
	}
}
