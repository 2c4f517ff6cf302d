package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/pmwatch/internal/ansihtml"
	"github.com/loykin/pmwatch/internal/logtail"
	"github.com/loykin/pmwatch/internal/supervisor"
)

// Error codes carried in {"error": code} bodies and messages.
const (
	CodeAppNotFound           = "app_not_found"
	CodeNoLogPaths            = "no_log_paths"
	CodeInternal              = "internal_error"
	CodeBadRequest            = "bad_request"
	CodeSupervisorUnavailable = "supervisor_unavailable"
)

var ErrNoLogPaths = errors.New("process has no log paths")

// ErrorMessage is sent in place of a payload when building it failed.
type ErrorMessage struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// LogsMessage always carries both streams, so each message is a complete
// replacement of the previous one.
type LogsMessage struct {
	InfoLogs  string `json:"infoLogs"`
	ErrorLogs string `json:"errorLogs"`
}

// Logs reads and renders the log tails of supervised processes.
type Logs struct {
	sup    supervisor.Supervisor
	render *ansihtml.Renderer
	lines  int
}

// NewLogs returns a Logs. lines <= 0 selects logtail.DefaultLines and a nil
// renderer uses the default palette.
func NewLogs(sup supervisor.Supervisor, r *ansihtml.Renderer, lines int) *Logs {
	if r == nil {
		r = ansihtml.New(nil)
	}
	if lines <= 0 {
		lines = logtail.DefaultLines
	}
	return &Logs{sup: sup, render: r, lines: lines}
}

// Lines is the default tail length.
func (l *Logs) Lines() int { return l.lines }

// Describe resolves name and checks that it has at least one log path.
func (l *Logs) Describe(ctx context.Context, name string) (supervisor.Snapshot, error) {
	snap, err := l.sup.Describe(ctx, name)
	if err != nil {
		return supervisor.Snapshot{}, err
	}
	if !snap.HasLogs() {
		return snap, ErrNoLogPaths
	}
	return snap, nil
}

// Read returns the last lines of both log files rendered to markup.
// lines <= 0 selects the default.
func (l *Logs) Read(ctx context.Context, name string, lines int) (LogsMessage, error) {
	snap, err := l.Describe(ctx, name)
	if err != nil {
		return LogsMessage{}, err
	}
	return l.ReadSnapshot(snap, lines)
}

// ReadSnapshot is Read for an already resolved process.
func (l *Logs) ReadSnapshot(snap supervisor.Snapshot, lines int) (LogsMessage, error) {
	if lines <= 0 {
		lines = l.lines
	}
	outPath, errPath := snap.LogPaths()
	out, err := logtail.Tail(outPath, lines)
	if err != nil {
		return LogsMessage{}, fmt.Errorf("read stdout log: %w", err)
	}
	errOut, err := logtail.Tail(errPath, lines)
	if err != nil {
		return LogsMessage{}, fmt.Errorf("read stderr log: %w", err)
	}
	return LogsMessage{
		InfoLogs:  l.render.Render(out),
		ErrorLogs: l.render.Render(errOut),
	}, nil
}
