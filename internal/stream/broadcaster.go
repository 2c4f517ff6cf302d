package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/pmwatch/internal/history"
	"github.com/loykin/pmwatch/internal/logtail"
	"github.com/loykin/pmwatch/internal/metrics"
	"github.com/loykin/pmwatch/internal/supervisor"
)

const (
	DefaultMetricsInterval = 5 * time.Second
	DefaultHeartbeat       = 15 * time.Second
)

type Config struct {
	MetricsInterval time.Duration
	Heartbeat       time.Duration
	Settle          time.Duration
	MinInterval     time.Duration
	Logger          *slog.Logger
}

// Broadcaster runs metrics and log sessions on the caller's goroutine. All
// messages of one session are written by that goroutine only.
type Broadcaster struct {
	*Registry

	query *history.Query
	logs  *Logs
	cfg   Config
	log   *slog.Logger
}

func NewBroadcaster(query *history.Query, logs *Logs, cfg Config) *Broadcaster {
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = DefaultMetricsInterval
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Settle <= 0 {
		cfg.Settle = logtail.DefaultSettle
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = logtail.DefaultMinInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broadcaster{
		Registry: NewRegistry(cfg.Logger),
		query:    query,
		logs:     logs,
		cfg:      cfg,
		log:      cfg.Logger,
	}
}

func (b *Broadcaster) send(s *Session, w Sender, v any) bool {
	if err := w.Data(v); err != nil {
		b.log.Debug("stream write failed", "id", s.ID, "error", err)
		return false
	}
	metrics.IncMessage(string(s.Kind))
	return true
}

// ServeMetrics sends the process snapshot and its recent series right away
// and then once per interval until ctx ends. An unknown process ends the
// stream after one app_not_found message; other failures are reported and
// the stream continues.
func (b *Broadcaster) ServeMetrics(ctx context.Context, w Sender, name string) error {
	s, err := b.Open(ctx, KindMetrics, name)
	if err != nil {
		return err
	}
	defer s.Close()

	ticker := time.NewTicker(b.cfg.MetricsInterval)
	s.Defer(ticker.Stop)

	for {
		if !b.metricsTick(s, w, name) {
			return nil
		}
		select {
		case <-s.Context().Done():
			return nil
		case <-ticker.C:
		}
	}
}

// metricsTick sends one message and reports whether the session goes on.
func (b *Broadcaster) metricsTick(s *Session, w Sender, name string) bool {
	ctx := s.Context()
	detail, err := b.query.Recent(ctx, name)
	switch {
	case err == nil:
		return b.send(s, w, detail)
	case errors.Is(err, supervisor.ErrNotFound):
		b.send(s, w, ErrorMessage{Error: CodeAppNotFound})
		return false
	case ctx.Err() != nil:
		return false
	default:
		b.log.Warn("metrics stream tick failed", "app", name, "error", err)
		return b.send(s, w, ErrorMessage{Error: CodeInternal, Details: err.Error()})
	}
}

// ServeLogs announces the connection, sends both log tails right away and
// again after each paced file change, with a heartbeat comment in between.
// Unknown processes and processes without log paths end the stream after
// one error message.
func (b *Broadcaster) ServeLogs(ctx context.Context, w Sender, name string) error {
	s, err := b.Open(ctx, KindLogs, name)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := w.Comment("connected"); err != nil {
		return nil
	}

	snap, err := b.logs.Describe(s.Context(), name)
	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		b.send(s, w, ErrorMessage{Error: CodeAppNotFound})
		return nil
	case errors.Is(err, ErrNoLogPaths):
		b.send(s, w, ErrorMessage{Error: CodeNoLogPaths})
		return nil
	case err != nil:
		b.log.Warn("logs stream setup failed", "app", name, "error", err)
		b.send(s, w, ErrorMessage{Error: CodeInternal, Details: err.Error()})
		return nil
	}

	var ready <-chan struct{}
	outPath, errPath := snap.LogPaths()
	watcher, err := logtail.Watch([]string{outPath, errPath}, logtail.Config{
		Settle:      b.cfg.Settle,
		MinInterval: b.cfg.MinInterval,
		Logger:      b.log,
	})
	if err != nil {
		b.log.Warn("log files cannot be watched, sending heartbeats only", "app", name, "error", err)
	} else {
		s.Defer(func() { _ = watcher.Close() })
		ready = watcher.Ready()
	}

	last, ok := b.logsTick(s, w, name, watcher)
	if !ok {
		return nil
	}

	heartbeat := time.NewTicker(b.cfg.Heartbeat)
	s.Defer(heartbeat.Stop)
	for {
		select {
		case <-s.Context().Done():
			return nil
		case <-ready:
			if !b.pace(s.Context(), last) {
				return nil
			}
			if last, ok = b.logsTick(s, w, name, watcher); !ok {
				return nil
			}
		case <-heartbeat.C:
			if err := w.Comment("heartbeat"); err != nil {
				return nil
			}
		}
	}
}

// logsTick sends one message and reports when the write finished and
// whether the session goes on.
func (b *Broadcaster) logsTick(s *Session, w Sender, name string, watcher *logtail.Watcher) (time.Time, bool) {
	ok := b.logsMessage(s, w, name)
	sent := time.Now()
	if watcher != nil {
		watcher.MarkSent(sent)
	}
	return sent, ok
}

func (b *Broadcaster) logsMessage(s *Session, w Sender, name string) bool {
	ctx := s.Context()
	msg, err := b.logs.Read(ctx, name, 0)
	switch {
	case err == nil:
		return b.send(s, w, msg)
	case errors.Is(err, supervisor.ErrNotFound):
		b.send(s, w, ErrorMessage{Error: CodeAppNotFound})
		return false
	case errors.Is(err, ErrNoLogPaths):
		b.send(s, w, ErrorMessage{Error: CodeNoLogPaths})
		return false
	case ctx.Err() != nil:
		return false
	default:
		b.log.Warn("logs stream tick failed", "app", name, "error", err)
		return b.send(s, w, ErrorMessage{Error: CodeInternal, Details: err.Error()})
	}
}

// pace waits until MinInterval has passed since the previous write ended.
// The read that follows picks up every change made while waiting.
func (b *Broadcaster) pace(ctx context.Context, last time.Time) bool {
	wait := time.Until(last.Add(b.cfg.MinInterval))
	if wait <= 0 {
		return true
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
