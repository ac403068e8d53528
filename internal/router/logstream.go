package router

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tenement-host/tenement/internal/store"
)

// setupSSE prepares the response for a server-sent-events stream.
func setupSSE(w http.ResponseWriter) (http.Flusher, error) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("router: streaming not supported by response writer")
	}
	return flusher, nil
}

// handleStreamLogs streams every new log record as it is appended,
// bearer token already verified by authMiddleware before this handler
// runs (spec §6 "bearer token verified on handshake"). A client that
// falls behind the subscriber's internal buffer is dropped cleanly by
// the log plane rather than stalling the broadcast (spec §8 scenario 6).
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, err := setupSSE(w)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	ch, cancel := s.logs.Subscribe()
	defer cancel()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case rec, ok := <-ch:
			if !ok {
				fmt.Fprintf(w, "event: closed\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			sendLogEvent(w, flusher, rec)
		}
	}
}

func sendLogEvent(w http.ResponseWriter, flusher http.Flusher, rec store.LogRecord) {
	payload, _ := json.Marshal(rec)
	fmt.Fprintf(w, "event: log\ndata: %s\n\n", payload)
	flusher.Flush()
}
