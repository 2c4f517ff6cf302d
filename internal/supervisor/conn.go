package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Conn after Close.
var ErrClosed = errors.New("supervisor connection closed")

// Backend is a connected supervisor client.
type Backend interface {
	Supervisor
	Close() error
}

// Dialer establishes a Backend.
type Dialer func(ctx context.Context) (Backend, error)

// Conn owns a lazily established Backend. The first call dials; concurrent
// callers share the same dial. A call failing with ErrUnavailable drops the
// backend so the next call redials. Close is idempotent.
type Conn struct {
	dial Dialer
	log  *slog.Logger

	mu      sync.Mutex
	backend Backend
	closed  bool
}

// NewConn returns a Conn that dials on first use.
func NewConn(dial Dialer, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{dial: dial, log: log}
}

// Static wraps an already connected Supervisor in a Conn that never redials.
func Static(s Supervisor) *Conn {
	b := nopCloser{s}
	return NewConn(func(context.Context) (Backend, error) { return b, nil }, nil)
}

type nopCloser struct{ Supervisor }

func (nopCloser) Close() error { return nil }

func (c *Conn) get(ctx context.Context) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.backend != nil {
		return c.backend, nil
	}
	b, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.log.Debug("supervisor connected")
	c.backend = b
	return b, nil
}

// drop releases b if it is still the current backend.
func (c *Conn) drop(b Backend, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend != b {
		return
	}
	c.backend = nil
	c.log.Warn("supervisor connection dropped", "error", cause)
	_ = b.Close()
}

func (c *Conn) List(ctx context.Context) ([]Snapshot, error) {
	b, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	list, err := b.List(ctx)
	if errors.Is(err, ErrUnavailable) {
		c.drop(b, err)
	}
	return list, err
}

func (c *Conn) Describe(ctx context.Context, nameOrID string) (Snapshot, error) {
	b, err := c.get(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	s, err := b.Describe(ctx, nameOrID)
	if errors.Is(err, ErrUnavailable) {
		c.drop(b, err)
	}
	return s, err
}

// Connected reports whether a backend is currently held.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend != nil
}

// Close releases the backend. Later calls return ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.backend == nil {
		return nil
	}
	err := c.backend.Close()
	c.backend = nil
	return err
}
