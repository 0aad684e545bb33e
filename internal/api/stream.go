package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// SSEWriter implements io.Writer and flushes each write as a Server-Sent Event.
// The stdout and stderr writers of one stream share a mutex so their events never interleave.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	event   string // SSE event type (e.g. "stdout", "stderr")
	mu      *sync.Mutex
}

// NewSSEWriters creates writers for the given event types that share one lock.
// Returns nil if the ResponseWriter does not support flushing.
func NewSSEWriters(w http.ResponseWriter, events ...string) []*SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	mu := &sync.Mutex{}
	out := make([]*SSEWriter, 0, len(events))
	for _, ev := range events {
		out = append(out, &SSEWriter{w: w, flusher: flusher, event: ev, mu: mu})
	}
	return out
}

// Write sends data as an SSE event and flushes immediately.
func (s *SSEWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}
	if err := writeEvent(s.w, s.event, string(p)); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}

// writeEvent gives every line its own "data:" prefix; a raw newline in program
// output would otherwise end the event and let the program inject fake events.
func writeEvent(w http.ResponseWriter, event, data string) error {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// sendSSEDone sends a completion event with the final result as JSON.
func sendSSEDone(w http.ResponseWriter, data string) {
	if flusher, ok := w.(http.Flusher); ok {
		_ = writeEvent(w, "done", data)
		flusher.Flush()
	}
}

// sendSSEError sends an error event.
func sendSSEError(w http.ResponseWriter, errMsg string) {
	if flusher, ok := w.(http.Flusher); ok {
		_ = writeEvent(w, "error", errMsg)
		flusher.Flush()
	}
}
