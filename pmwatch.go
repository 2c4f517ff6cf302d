package pmwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/pmwatch/internal/ansihtml"
	cfg "github.com/loykin/pmwatch/internal/config"
	"github.com/loykin/pmwatch/internal/history"
	"github.com/loykin/pmwatch/internal/history/factory"
	"github.com/loykin/pmwatch/internal/metrics"
	"github.com/loykin/pmwatch/internal/poller"
	"github.com/loykin/pmwatch/internal/retention"
	iapi "github.com/loykin/pmwatch/internal/server"
	"github.com/loykin/pmwatch/internal/stream"
	"github.com/loykin/pmwatch/internal/supervisor"
	"github.com/loykin/pmwatch/internal/supervisor/memory"
	"github.com/loykin/pmwatch/internal/supervisor/pm2"
	"github.com/loykin/pmwatch/internal/supervisor/provisr"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Snapshot = supervisor.Snapshot

type Supervisor = supervisor.Supervisor

type Sample = history.Sample

type HistoryStore = history.Store

type HistorySink = history.Sink

// LoadConfig reads a TOML config over the defaults; see config.Load.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// DefaultConfig returns the defaults with environment overrides applied.
func DefaultConfig() (*Config, error) { return cfg.Default() }

// NewMemorySupervisor returns a fixed, in-process process table.
func NewMemorySupervisor(procs ...Snapshot) *memory.Supervisor { return memory.New(procs...) }

// Monitor wires the poller, history store, retention sweeper and stream
// broadcaster behind one HTTP handler.
type Monitor struct {
	cfg   Config
	log   *slog.Logger
	conn  *supervisor.Conn
	store history.Store
	sinks []history.Sink

	query   *history.Query
	logs    *stream.Logs
	streams *stream.Broadcaster
	poller  *poller.Poller
	sweeper *retention.Sweeper
	router  *iapi.Router

	mu       sync.Mutex
	stopPoll func()
	closed   bool
}

type Option func(*options)

type options struct {
	log   *slog.Logger
	sup   Supervisor
	store history.Store
	sinks []history.Sink
}

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithSupervisor replaces the configured supervisor adapter.
func WithSupervisor(s Supervisor) Option { return func(o *options) { o.sup = s } }

// WithStore replaces the store opened from history.dsn. The Monitor takes
// ownership and closes it.
func WithStore(s HistoryStore) Option { return func(o *options) { o.store = s } }

// WithSinks adds export sinks next to those in history.export.
func WithSinks(s ...HistorySink) Option { return func(o *options) { o.sinks = append(o.sinks, s...) } }

// New builds a Monitor from c. Nothing runs until Start.
func New(c Config, opts ...Option) (*Monitor, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	pal, err := c.Palette()
	if err != nil {
		return nil, err
	}

	m := &Monitor{cfg: c, log: o.log, sinks: o.sinks}
	if o.sup != nil {
		m.conn = supervisor.Static(o.sup)
	} else {
		m.conn = supervisor.NewConn(dialer(c.Supervisor, o.log), o.log.With("component", "supervisor"))
	}

	m.store = o.store
	if m.store == nil {
		if m.store, err = factory.NewStoreFromDSN(c.History.DSN); err != nil {
			_ = m.conn.Close()
			return nil, fmt.Errorf("open history store: %w", err)
		}
	}
	for _, dsn := range c.History.Export {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			_ = m.store.Close()
			_ = m.conn.Close()
			return nil, fmt.Errorf("export sink %q: %w", dsn, err)
		}
		m.sinks = append(m.sinks, sink)
	}

	m.query = history.NewQuery(m.store, m.conn, c.History.Window)
	m.logs = stream.NewLogs(m.conn, ansihtml.New(pal), c.Logs.TailLines)
	m.streams = stream.NewBroadcaster(m.query, m.logs, stream.Config{
		MetricsInterval: c.Stream.MetricsInterval,
		Heartbeat:       c.Logs.Heartbeat,
		Settle:          c.Logs.Settle,
		MinInterval:     c.Logs.MinInterval,
		Logger:          o.log.With("component", "stream"),
	})
	m.poller = poller.New(m.conn, m.store,
		poller.WithSinks(m.sinks...),
		poller.WithLogger(o.log.With("component", "poller")))
	m.sweeper = retention.New(m.store, retention.Config{
		Horizon:  c.History.Retention,
		Schedule: c.History.SweepSchedule,
		Logger:   o.log.With("component", "retention"),
	})
	m.router = iapi.NewRouter(iapi.Options{
		Query:    m.query,
		Logs:     m.logs,
		Streams:  m.streams,
		Sweeper:  m.sweeper,
		BasePath: c.Server.BasePath,
		Logger:   o.log.With("component", "http"),
	})
	return m, nil
}

func dialer(c cfg.SupervisorConfig, log *slog.Logger) supervisor.Dialer {
	if strings.EqualFold(c.Type, "provisr") {
		return provisr.Dialer(provisr.Config{
			URL:     c.URL,
			LogDir:  c.LogDir,
			Timeout: c.Timeout,
			Logger:  log,
		})
	}
	return pm2.Dialer(pm2.Config{Bin: c.PM2Bin, Timeout: c.Timeout, Logger: log})
}

// Start begins polling and schedules retention. Start on a started or
// closed Monitor is an error.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("monitor closed")
	}
	if m.stopPoll != nil {
		return errors.New("monitor already started")
	}
	if err := m.sweeper.Start(); err != nil {
		return err
	}
	m.stopPoll = m.poller.Start(ctx, m.cfg.History.PollInterval)
	m.log.Info("monitor started",
		"poll_interval", m.cfg.History.PollInterval.String(),
		"retention", m.cfg.History.Retention.String(),
		"sinks", len(m.sinks))
	return nil
}

// Handler serves the HTTP API under the configured base path.
func (m *Monitor) Handler() http.Handler { return m.router.Handler() }

// Query exposes the read path for embedders.
func (m *Monitor) Query() *history.Query { return m.query }

// PollOnce takes a single sample of every managed process.
func (m *Monitor) PollOnce(ctx context.Context) (int, error) { return m.poller.PollOnce(ctx) }

// Sweep runs retention now.
func (m *Monitor) Sweep(ctx context.Context) (int64, error) { return m.sweeper.Sweep(ctx) }

// EndStreams closes every open stream session and rejects new ones, so an
// HTTP server shutdown is not held up by long-lived responses.
func (m *Monitor) EndStreams() { m.streams.Shutdown() }

// Sessions reports open stream sessions.
func (m *Monitor) Sessions() int { return m.streams.Active("") }

// Close ends all streams, stops polling and retention, and releases the
// store and supervisor. It is safe to call more than once.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stop := m.stopPoll
	m.mu.Unlock()

	m.streams.Shutdown()
	if stop != nil {
		stop()
		m.sweeper.Stop()
	}
	return errors.Join(m.store.Close(), m.conn.Close())
}

// RegisterMetrics registers pmwatch collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// RegisterMetricsDefault registers with the default prometheus registerer.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves the default prometheus gatherer.
func MetricsHandler() http.Handler { return metrics.Handler() }
