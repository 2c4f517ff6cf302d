// Package provisr reads the process table of a provisr daemon over its HTTP
// API and enriches it with per-process resource usage from the host.
package provisr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/pmwatch/internal/supervisor"
)

// StatFunc reports cpu percent and resident memory in bytes for pid.
// Either value may be nil when unavailable.
type StatFunc func(ctx context.Context, pid int) (cpu, mem *float64)

// HostStats reads usage from the local host via gopsutil.
func HostStats(ctx context.Context, pid int) (cpu, mem *float64) {
	if pid <= 0 {
		return nil, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, nil
	}
	if c, err := p.CPUPercentWithContext(ctx); err == nil {
		cpu = &c
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		m := float64(mi.RSS)
		mem = &m
	}
	return cpu, mem
}

type Config struct {
	URL     string // API base, e.g. http://localhost:8080/api
	LogDir  string // directory holding <name>.stdout.log / <name>.stderr.log
	Timeout time.Duration
	Stats   StatFunc
	Client  *http.Client
	Logger  *slog.Logger
}

type Client struct {
	base   string
	logDir string
	stats  StatFunc
	http   *http.Client
	log    *slog.Logger
}

// Dialer returns a supervisor.Dialer that checks the daemon is reachable
// before handing out a Client.
func Dialer(cfg Config) supervisor.Dialer {
	return func(ctx context.Context) (supervisor.Backend, error) {
		c := New(cfg)
		if _, err := c.List(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Stats == nil {
		cfg.Stats = HostStats
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		base:   strings.TrimRight(cfg.URL, "/"),
		logDir: cfg.LogDir,
		stats:  cfg.Stats,
		http:   cfg.Client,
		log:    cfg.Logger,
	}
}

type status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	State     string    `json:"state"`
}

// ID derives a stable non-negative identifier from a process name.
func ID(name string) int {
	return int(xxhash.Sum64String(name) & 0x7fffffff)
}

func mapState(st status) supervisor.Status {
	switch strings.ToLower(st.State) {
	case "running":
		return supervisor.StatusOnline
	case "starting":
		return supervisor.StatusLaunching
	case "stopping":
		return supervisor.StatusStopping
	case "stopped":
		return supervisor.StatusStopped
	case "failed", "errored":
		return supervisor.StatusErrored
	}
	if st.Running {
		return supervisor.StatusOnline
	}
	return supervisor.StatusUnknown
}

func (c *Client) List(ctx context.Context) ([]supervisor.Snapshot, error) {
	url := c.base + "/status?wildcard=*"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", supervisor.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", supervisor.ErrUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", supervisor.ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provisr status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var sts []status
	if err := json.Unmarshal(body, &sts); err != nil {
		return nil, fmt.Errorf("decode provisr status: %w", err)
	}
	out := make([]supervisor.Snapshot, 0, len(sts))
	for _, st := range sts {
		if st.Name == "" {
			c.log.Debug("skip provisr entry without name")
			continue
		}
		out = append(out, c.snapshot(ctx, st))
	}
	return out, nil
}

func (c *Client) snapshot(ctx context.Context, st status) supervisor.Snapshot {
	s := supervisor.Snapshot{
		ID:      ID(st.Name),
		Name:    st.Name,
		Status:  mapState(st),
		Managed: true,
	}
	if !st.StartedAt.IsZero() {
		s.StartedAt = supervisor.Millis(st.StartedAt.UnixMilli())
	}
	if st.Running {
		s.CPU, s.Memory = c.stats(ctx, st.PID)
	}
	if c.logDir != "" {
		s.OutLogPath = filepath.Join(c.logDir, st.Name+".stdout.log")
		s.ErrLogPath = filepath.Join(c.logDir, st.Name+".stderr.log")
	}
	return s
}

func (c *Client) Describe(ctx context.Context, nameOrID string) (supervisor.Snapshot, error) {
	list, err := c.List(ctx)
	if err != nil {
		return supervisor.Snapshot{}, err
	}
	return supervisor.Find(list, nameOrID)
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
