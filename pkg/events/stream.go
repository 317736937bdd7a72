package events

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/visionq/visionq/pkg/log"
)

// Stream writes events to one client as server-sent-event records
// (`data: <json>\n\n`), flushing after every record so the client sees
// progress immediately.
//
// Writes follow the safeWrite contract: the first failed write marks
// the stream closed and every later Send is dropped silently. A client
// disconnect therefore never aborts in-flight work; results for a gone
// client are simply discarded.
type Stream struct {
	mu     sync.Mutex
	w      io.Writer
	flush  func()
	closed bool
	logger zerolog.Logger
}

// NewStream prepares w for event streaming and sets the SSE headers.
func NewStream(w http.ResponseWriter) *Stream {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s := &Stream{w: w, flush: func() {}, logger: log.WithComponent("events")}
	if f, ok := w.(http.Flusher); ok {
		s.flush = f.Flush
	}
	s.flush()
	return s
}

// NewWriterStream builds a stream over a bare writer. Used by tests and
// by callers that already own flushing.
func NewWriterStream(w io.Writer) *Stream {
	return &Stream{w: w, flush: func() {}, logger: log.WithComponent("events")}
}

// Send writes one event. Returns false once the stream is closed;
// callers may use that to stop producing telemetry early, but are not
// required to.
func (s *Stream) Send(ev *Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal event")
		return !s.Closed()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		// Client went away. Drop this and every later write.
		s.closed = true
		s.logger.Debug().Err(err).Msg("stream closed by client")
		return false
	}
	s.flush()
	return true
}

// Closed reports whether a write has failed.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
