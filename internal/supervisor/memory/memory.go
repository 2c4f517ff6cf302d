// Package memory provides an in-process supervisor backed by a fixed set of
// snapshots. It is used by tests and by embedders that already know their
// process table.
package memory

import (
	"context"
	"sync"

	"github.com/loykin/pmwatch/internal/supervisor"
)

type Supervisor struct {
	mu    sync.RWMutex
	procs []supervisor.Snapshot
	err   error
}

func New(procs ...supervisor.Snapshot) *Supervisor {
	return &Supervisor{procs: append([]supervisor.Snapshot(nil), procs...)}
}

// Set replaces the process table.
func (s *Supervisor) Set(procs ...supervisor.Snapshot) {
	s.mu.Lock()
	s.procs = append([]supervisor.Snapshot(nil), procs...)
	s.mu.Unlock()
}

// Fail makes every subsequent call return err until cleared with nil.
func (s *Supervisor) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Supervisor) List(_ context.Context) ([]supervisor.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]supervisor.Snapshot(nil), s.procs...), nil
}

func (s *Supervisor) Describe(ctx context.Context, nameOrID string) (supervisor.Snapshot, error) {
	list, err := s.List(ctx)
	if err != nil {
		return supervisor.Snapshot{}, err
	}
	return supervisor.Find(list, nameOrID)
}

func (s *Supervisor) Close() error { return nil }
