// Package stream implements the subscriber side of a provider: the SSE and
// WebSocket transports and the per-connection session lifecycle.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dgnsrekt/presence-stream/internal/broadcast"
)

// ErrNoFlusher is returned when the ResponseWriter cannot stream.
var ErrNoFlusher = errors.New("streaming not supported")

// SSE is a text/event-stream response held open for one subscriber.
type SSE struct {
	id           string
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// OpenSSE writes the event-stream headers and the connected comment. The
// stream is marked done when the request context ends.
func OpenSSE(w http.ResponseWriter, r *http.Request, writeTimeout time.Duration) (*SSE, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, ErrNoFlusher
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &SSE{
		id:           broadcast.NewID(),
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}

	if err := s.Comment("SSE Connected"); err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-r.Context().Done():
			s.markDone()
		case <-s.done:
		}
	}()
	return s, nil
}

func (s *SSE) ID() string { return s.id }

// Send writes one named event whose data line is msg.Data as JSON.
func (s *SSE) Send(msg broadcast.Message) error {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Name, err)
	}
	return s.write(fmt.Appendf(nil, "event: %s\ndata: %s\n\n", msg.Name, data))
}

// Comment writes an SSE comment line, ignored by EventSource clients.
func (s *SSE) Comment(text string) error {
	return s.write(fmt.Appendf(nil, ": %s\n\n", text))
}

func (s *SSE) write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return broadcast.ErrStreamClosed
	}
	if s.writeTimeout > 0 {
		// not every ResponseWriter supports deadlines
		_ = s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Close stops all further writes. It waits for an in-flight write, so once it
// returns the ResponseWriter is no longer touched.
func (s *SSE) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.markDone()
	return nil
}

func (s *SSE) Done() <-chan struct{} { return s.done }

func (s *SSE) markDone() {
	s.closeOnce.Do(func() { close(s.done) })
}
