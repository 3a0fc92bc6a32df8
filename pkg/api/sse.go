package api

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// sseHeartbeatInterval keeps intermediary proxies from closing idle
// streams.
const sseHeartbeatInterval = 30 * time.Second

// SSEStreamer relays a session's asciinema lines to one HTTP client as
// server-sent events.
type SSEStreamer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	failed  bool
}

func NewSSEStreamer(w http.ResponseWriter) *SSEStreamer {
	flusher, _ := w.(http.Flusher)
	return &SSEStreamer{w: w, flusher: flusher}
}

// handleStreamSession subscribes to the session's stdout file and writes events until
// the client disconnects or the stream ends.
func (s *Server) handleStreamSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	info, err := s.store.GetInfo(sessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	streamer := NewSSEStreamer(w)
	if err := streamer.comment("ok"); err != nil {
		return
	}

	var from int64
	if host := s.store.GetHost(info.ID); host != nil {
		from = host.LastClearOffset()
	}

	// The watcher pushes lines from its own task; a failed client write
	// flags the streamer so the subscription unwinds.
	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	cancel, err := s.streams.Subscribe(s.store.SessionPaths(info.ID).Stdout(), from,
		func(line []byte, offset int64) error {
			if err := streamer.data(line); err != nil {
				finish()
				return err
			}
			return nil
		})
	if err != nil {
		log.Printf("[ERROR] SSE subscribe failed for %s: %v", sessionID, err)
		writeError(w, http.StatusInternalServerError, "failed to open stream", err.Error())
		return
	}
	defer cancel()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-heartbeat.C:
			if err := streamer.comment("heartbeat"); err != nil {
				return
			}
		}
	}
}

// data writes one SSE data frame.
func (s *SSEStreamer) data(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed {
		return fmt.Errorf("sse client gone")
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", line); err != nil {
		s.failed = true
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// comment writes an SSE comment frame (`:ok`, heartbeats).
func (s *SSEStreamer) comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed {
		return fmt.Errorf("sse client gone")
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		s.failed = true
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
