package api

import (
	"fmt"
	"net/http"

	"lampioni/pkg/lampstream"
)

// handleStream serves the live view over Server-Sent Events. Each bus
// frame becomes one event; new subscribers get the latest snapshot of
// every source first, so a freshly opened tab paints without waiting for
// the next cursor move.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if h.Bus == nil {
		respondError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates := h.Bus.Subscribe(r.Context(), 16)
	for u := range updates {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName(u), u.Payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

// eventName flattens kind and source into a single SSE event label, e.g.
// "data:new-lamps" or "counters".
func eventName(u lampstream.Update) string {
	if u.Source == "" {
		return u.Kind
	}
	return u.Kind + ":" + u.Source
}
