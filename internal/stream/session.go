// Package stream serves long-lived server-sent event sessions: periodic
// metrics for one process and live tails of its log files.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/pmwatch/internal/metrics"
)

type Kind string

const (
	KindMetrics Kind = "metrics"
	KindLogs    Kind = "logs"
)

var ErrShutdown = errors.New("stream broadcaster shut down")

// Session is one open stream. Close is its single disposal handle: it runs
// every registered release function once, newest first, cancels the
// session context and removes the session from its registry.
type Session struct {
	ID     string
	Kind   Kind
	Target string
	Opened time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	releases []func()
	closed   bool
	once     sync.Once
	detach   func(*Session)
}

// Context is cancelled when the session closes or its parent ends.
func (s *Session) Context() context.Context { return s.ctx }

// Defer registers fn to run on Close. If the session is already closed fn
// runs immediately and false is returned.
func (s *Session) Defer(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return false
	}
	s.releases = append(s.releases, fn)
	s.mu.Unlock()
	return true
}

// Close releases the session. Concurrent and repeated calls are safe;
// every caller returns after the release functions have run.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		rel := s.releases
		s.releases = nil
		s.mu.Unlock()

		s.cancel()
		for i := len(rel) - 1; i >= 0; i-- {
			rel[i]()
		}
		if s.detach != nil {
			s.detach(s)
		}
	})
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Registry tracks open sessions.
type Registry struct {
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	shutdown bool
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log, sessions: make(map[string]*Session)}
}

// Open registers a new session whose context derives from parent.
func (r *Registry) Open(parent context.Context, kind Kind, target string) (*Session, error) {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:     uuid.NewString(),
		Kind:   kind,
		Target: target,
		Opened: time.Now(),
		ctx:    ctx,
		cancel: cancel,
		detach: r.remove,
	}
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		cancel()
		return nil, ErrShutdown
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()

	metrics.AddSessions(string(kind), 1)
	r.log.Debug("stream opened", "id", s.ID, "kind", kind, "target", target)
	return s, nil
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	_, ok := r.sessions[s.ID]
	delete(r.sessions, s.ID)
	r.mu.Unlock()
	if ok {
		metrics.AddSessions(string(s.Kind), -1)
		r.log.Debug("stream closed", "id", s.ID, "kind", s.Kind, "target", s.Target, "duration", time.Since(s.Opened).String())
	}
}

// Active counts open sessions of kind, or of every kind when kind is empty.
func (r *Registry) Active(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == "" {
		return len(r.sessions)
	}
	n := 0
	for _, s := range r.sessions {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// Shutdown closes every open session and rejects new ones.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	open := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		open = append(open, s)
	}
	r.mu.Unlock()
	for _, s := range open {
		s.Close()
	}
}
