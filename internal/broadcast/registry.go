// Package broadcast keeps the set of live subscriber streams for one provider
// and fans messages out to them.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrStreamClosed is returned by writes on a stream that has been closed.
var ErrStreamClosed = errors.New("stream closed")

// Message is one named event with a JSON-encodable payload.
type Message struct {
	Name string
	Data any
}

// Stream is a long-lived connection to one subscriber.
type Stream interface {
	ID() string
	Send(msg Message) error
	Comment(text string) error
	Close() error
	// Done is closed when the transport reports the subscriber gone or the
	// stream was closed.
	Done() <-chan struct{}
}

// NewID returns a fresh subscriber id.
func NewID() string {
	return uuid.NewString()
}

type member struct {
	stream       Stream
	registeredAt time.Time
}

// Registry is the set of live streams for one provider.
type Registry struct {
	name   string
	logger *zap.Logger

	mu      sync.RWMutex
	members map[string]member
}

func NewRegistry(name string, logger *zap.Logger) *Registry {
	return &Registry{
		name:    name,
		logger:  logger,
		members: make(map[string]member),
	}
}

// Register adds s. Registering the same id twice replaces the old entry.
func (r *Registry) Register(s Stream) {
	r.mu.Lock()
	r.members[s.ID()] = member{stream: s, registeredAt: time.Now()}
	count := len(r.members)
	r.mu.Unlock()

	r.logger.Debug("subscriber registered",
		zap.String("registry", r.name),
		zap.String("id", s.ID()),
		zap.Int("subscribers", count),
	)
}

// Deregister removes s. It reports whether s was still registered.
func (r *Registry) Deregister(s Stream) bool {
	r.mu.Lock()
	cur, ok := r.members[s.ID()]
	if ok && cur.stream == s {
		delete(r.members, s.ID())
	} else {
		ok = false
	}
	count := len(r.members)
	r.mu.Unlock()

	if ok {
		r.logger.Debug("subscriber deregistered",
			zap.String("registry", r.name),
			zap.String("id", s.ID()),
			zap.Int("subscribers", count),
			zap.Duration("connected", time.Since(cur.registeredAt)),
		)
	}
	return ok
}

// Count returns the number of registered streams.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast writes msg to every registered stream and returns the number of
// successful writes. Streams that fail are deregistered and closed after the
// pass.
func (r *Registry) Broadcast(msg Message) int {
	r.mu.RLock()
	streams := make([]Stream, 0, len(r.members))
	for _, m := range r.members {
		streams = append(streams, m.stream)
	}
	r.mu.RUnlock()

	sent := 0
	var failed []Stream
	for _, s := range streams {
		if err := s.Send(msg); err != nil {
			r.logger.Debug("write failed",
				zap.String("registry", r.name),
				zap.String("id", s.ID()),
				zap.Error(err),
			)
			failed = append(failed, s)
			continue
		}
		sent++
	}

	for _, s := range failed {
		r.Deregister(s)
		_ = s.Close()
	}

	if len(failed) > 0 {
		r.logger.Info("pruned dead subscribers",
			zap.String("registry", r.name),
			zap.String("event", msg.Name),
			zap.Int("pruned", len(failed)),
			zap.Int("remaining", r.Count()),
		)
	}
	return sent
}

// CloseAll closes and removes every stream.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	members := r.members
	r.members = make(map[string]member)
	r.mu.Unlock()

	for _, m := range members {
		_ = m.stream.Close()
	}
	if len(members) > 0 {
		r.logger.Info("registry closed",
			zap.String("registry", r.name),
			zap.Int("closed", len(members)),
		)
	}
}
