package console

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/taskvision/meet/internal/chat"
)

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// GET /api/events: SSE stream of roster, chat, mesh and media events.
// Each connection holds its own bus subscription; slow pages drop
// events rather than stalling the peer.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sseHeaders(w)

	ch, cancel := s.deps.Bus.Subscribe()
	defer cancel()

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			// Chat events leave the bus as raw messages; the page gets
			// them with the markdown already rendered.
			if m, isMsg := ev.Data.(*chat.Message); isMsg {
				ev.Data = chatEntry{Message: m, HTML: renderMarkdown(m.Content)}
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

// GET /api/logs/stream: SSE tail of the log ring. No snapshot; the
// page loads /api/logs first and tails from there.
func (s *Server) serveLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sseHeaders(w)

	ch, cancel := s.deps.Logs.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", b)
			flusher.Flush()
		}
	}
}
