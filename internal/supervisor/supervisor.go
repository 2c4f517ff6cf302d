package supervisor

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Describe when no process matches.
	ErrNotFound = errors.New("process not found")
	// ErrUnavailable wraps failures to reach the supervisor daemon.
	ErrUnavailable = errors.New("supervisor unavailable")
)

// Status is the lifecycle state reported by the supervisor.
type Status string

const (
	StatusOnline    Status = "online"
	StatusStopped   Status = "stopped"
	StatusStopping  Status = "stopping"
	StatusLaunching Status = "launching"
	StatusErrored   Status = "errored"
	StatusUnknown   Status = "unknown"
)

// ParseStatus maps a raw status string onto the known set; anything
// unrecognised becomes StatusUnknown.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusOnline:
		return StatusOnline
	case StatusStopped:
		return StatusStopped
	case StatusStopping:
		return StatusStopping
	case StatusLaunching:
		return StatusLaunching
	case StatusErrored:
		return StatusErrored
	default:
		return StatusUnknown
	}
}

// Snapshot is the supervisor's view of one managed process at a point in time.
type Snapshot struct {
	ID         int      `json:"pm_id"`
	Name       string   `json:"name"`
	Status     Status   `json:"status"`
	CPU        *float64 `json:"cpu"`
	Memory     *float64 `json:"memory"`
	StartedAt  *int64   `json:"pm_uptime,omitempty"` // unix ms
	OutLogPath string   `json:"pm_out_log_path,omitempty"`
	ErrLogPath string   `json:"pm_err_log_path,omitempty"`
	ExecPath   string   `json:"pm_exec_path,omitempty"`
	Cwd        string   `json:"pm_cwd,omitempty"`
	// Managed is true for genuine application entries, i.e. those that
	// expose a runtime executable path.
	Managed bool `json:"managed"`
}

// Started returns the process start time, or the zero time if unknown.
func (s Snapshot) Started() time.Time {
	if s.StartedAt == nil {
		return time.Time{}
	}
	return time.UnixMilli(*s.StartedAt)
}

// LogPaths returns the configured stdout and stderr paths.
func (s Snapshot) LogPaths() (out, errPath string) { return s.OutLogPath, s.ErrLogPath }

// HasLogs reports whether at least one log path is known.
func (s Snapshot) HasLogs() bool { return s.OutLogPath != "" || s.ErrLogPath != "" }

// Supervisor is the read-only interface to an external process supervisor.
// Implementations must be safe for concurrent use.
type Supervisor interface {
	List(ctx context.Context) ([]Snapshot, error)
	Describe(ctx context.Context, nameOrID string) (Snapshot, error)
}

// Find looks up nameOrID within list, matching either the name or the
// decimal id.
func Find(list []Snapshot, nameOrID string) (Snapshot, error) {
	id, idErr := strconv.Atoi(nameOrID)
	for _, s := range list {
		if s.Name == nameOrID || (idErr == nil && s.ID == id) {
			return s, nil
		}
	}
	return Snapshot{}, ErrNotFound
}

// Managed filters list down to entries with Managed set.
func Managed(list []Snapshot) []Snapshot {
	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		if s.Managed {
			out = append(out, s)
		}
	}
	return out
}

// Float returns a pointer to v; convenience for building snapshots.
func Float(v float64) *float64 { return &v }

// Millis returns a pointer to v; convenience for building snapshots.
func Millis(v int64) *int64 { return &v }
