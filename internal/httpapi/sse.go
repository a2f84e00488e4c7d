package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleRunStream pushes the run list as server-sent events until the
// client disconnects.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	tenant := r.Header.Get(TenantHeader)
	send := func() bool {
		payload, err := json.Marshal(filterRuns(s.svc.Runs(), "", tenant))
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: runs\ndata: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send() {
		return
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}
