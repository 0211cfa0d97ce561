package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/truongvando/ezstream-sub005/pkg/events"
)

// sseKeepAlive is how often an idle event feed sends a comment line
var sseKeepAlive = 30 * time.Second

// streamEvents serves the audit feed as server-sent events. Recent history
// is replayed first. ?type= filters by event type.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.svc.Events == nil {
		unavailable(w, "events")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	filter := events.EventType(r.URL.Query().Get("type"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.svc.Events.Subscribe()
	defer s.svc.Events.Unsubscribe(sub)

	for _, e := range s.svc.Events.Recent() {
		if filter == "" || e.Type == filter {
			writeEvent(w, e)
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e, ok := <-sub:
			if !ok {
				return
			}
			if filter != "" && e.Type != filter {
				continue
			}
			writeEvent(w, e)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e *events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
}
