// Package pm2 reads the process table of a local pm2 daemon through the
// pm2 command line client.
package pm2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/pmwatch/internal/supervisor"
)

// Runner executes bin with args and returns its standard output.
type Runner func(ctx context.Context, bin string, args ...string) ([]byte, error)

// ExecRunner runs the command with os/exec.
func ExecRunner(ctx context.Context, bin string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s %s: %w: %s", bin, strings.Join(args, " "), err, msg)
		}
		return nil, fmt.Errorf("%s %s: %w", bin, strings.Join(args, " "), err)
	}
	return out, nil
}

type Config struct {
	Bin     string        // pm2 executable, looked up in PATH when empty
	Timeout time.Duration // per invocation, default 10s
	Runner  Runner
	Logger  *slog.Logger
}

// Client is a supervisor.Backend talking to pm2.
type Client struct {
	bin     string
	timeout time.Duration
	run     Runner
	log     *slog.Logger
}

// Dialer returns a supervisor.Dialer that locates the pm2 binary on first use.
func Dialer(cfg Config) supervisor.Dialer {
	return func(ctx context.Context) (supervisor.Backend, error) {
		return New(cfg)
	}
}

// New resolves the binary and returns a ready Client. With a custom
// Runner the binary is passed through unresolved.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	bin := cfg.Bin
	if bin == "" {
		bin = "pm2"
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner
		if !strings.ContainsRune(bin, '/') {
			p, err := exec.LookPath(bin)
			if err != nil {
				return nil, fmt.Errorf("locate pm2: %w", err)
			}
			bin = p
		}
	}
	return &Client{bin: bin, timeout: cfg.Timeout, run: cfg.Runner, log: cfg.Logger}, nil
}

func (c *Client) List(ctx context.Context) ([]supervisor.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.run(ctx, c.bin, "jlist")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", supervisor.ErrUnavailable, err)
	}
	return c.decode(out)
}

func (c *Client) Describe(ctx context.Context, nameOrID string) (supervisor.Snapshot, error) {
	list, err := c.List(ctx)
	if err != nil {
		return supervisor.Snapshot{}, err
	}
	return supervisor.Find(list, nameOrID)
}

func (c *Client) Close() error { return nil }

type entry struct {
	PMID  *int   `json:"pm_id"`
	Name  string `json:"name"`
	Monit *struct {
		CPU    *float64 `json:"cpu"`
		Memory *float64 `json:"memory"`
	} `json:"monit"`
	Env struct {
		Status     string `json:"status"`
		Uptime     *int64 `json:"pm_uptime"`
		OutLogPath string `json:"pm_out_log_path"`
		ErrLogPath string `json:"pm_err_log_path"`
		ExecPath   string `json:"pm_exec_path"`
		Cwd        string `json:"pm_cwd"`
	} `json:"pm2_env"`
}

var errMalformed = errors.New("malformed pm2 output")

// decode parses pm2 jlist output. pm2 may print banners or warnings ahead
// of the JSON array; those are skipped. Individual entries that fail to
// decode or lack an id or name are dropped.
func (c *Client) decode(out []byte) ([]supervisor.Snapshot, error) {
	i := bytes.IndexByte(out, '[')
	if i < 0 {
		return nil, fmt.Errorf("%w: no process list", errMalformed)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(out[i:], &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	list := make([]supervisor.Snapshot, 0, len(raw))
	for _, r := range raw {
		var e entry
		if err := json.Unmarshal(r, &e); err != nil {
			c.log.Debug("skip malformed pm2 entry", "error", err)
			continue
		}
		if e.PMID == nil || *e.PMID < 0 || e.Name == "" {
			c.log.Debug("skip pm2 entry without identity", "name", e.Name)
			continue
		}
		s := supervisor.Snapshot{
			ID:         *e.PMID,
			Name:       e.Name,
			Status:     supervisor.ParseStatus(e.Env.Status),
			StartedAt:  e.Env.Uptime,
			OutLogPath: e.Env.OutLogPath,
			ErrLogPath: e.Env.ErrLogPath,
			ExecPath:   e.Env.ExecPath,
			Cwd:        e.Env.Cwd,
			Managed:    e.Env.ExecPath != "",
		}
		if e.Monit != nil {
			s.CPU = e.Monit.CPU
			s.Memory = e.Monit.Memory
		}
		list = append(list, s)
	}
	return list, nil
}
