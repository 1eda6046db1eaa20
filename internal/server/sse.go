package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"wacast/internal/eventbus"
)

const (
	sseBuffer    = 32
	sseHeartbeat = 15 * time.Second
)

// handleEvents streams campaign progress as server-sent events. The
// bus gives no replay, so the current state is pushed once on attach;
// after that the client sees state snapshots and transient status lines
// as they happen. Slow consumers drop events rather than stall sends.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, unsub := s.eng.Bus().Subscribe(sseBuffer)
	defer unsub()

	if c := s.eng.State(); c != nil {
		writeSSE(w, "state", c)
	}
	fl.Flush()

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			fl.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			switch ev.Kind {
			case eventbus.KindState:
				writeSSE(w, "state", ev.State)
			case eventbus.KindStatus:
				writeSSE(w, "status", map[string]any{"text": ev.Text, "time": ev.Time})
			}
			fl.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
