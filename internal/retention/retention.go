package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/pmwatch/internal/history"
	"github.com/loykin/pmwatch/internal/metrics"
)

const (
	DefaultHorizon  = 12 * time.Hour
	DefaultSchedule = "0 * * * *"
)

// Pruner is the subset of history.Store a Sweeper needs.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

var _ Pruner = history.Store(nil)

type Config struct {
	Horizon  time.Duration // samples older than now-Horizon are removed
	Schedule string        // standard 5-field cron spec, evaluated in UTC
	Timeout  time.Duration // per sweep, default 1m
	Logger   *slog.Logger
	Now      func() time.Time
}

// Sweeper removes samples older than the retention horizon, on a cron
// schedule or on demand.
type Sweeper struct {
	store    Pruner
	horizon  time.Duration
	schedule string
	timeout  time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func New(store Pruner, cfg Config) *Sweeper {
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		store:    store,
		horizon:  cfg.Horizon,
		schedule: cfg.Schedule,
		timeout:  cfg.Timeout,
		log:      cfg.Logger,
		now:      cfg.Now,
	}
}

// Horizon reports the configured retention horizon.
func (s *Sweeper) Horizon() time.Duration { return s.horizon }

// Sweep deletes every sample with ts < now-horizon. A sample exactly at the
// cutoff is retained.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.horizon)
	n, err := s.store.Prune(ctx, cutoff)
	metrics.ObserveSweep(err == nil, n)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	s.log.Info("retention sweep complete", "removed", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	return n, nil
}

// Start schedules Sweep. Starting an already running sweeper logs a warning
// and does nothing.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.log.Warn("retention sweeper already running")
		return nil
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.schedule, s.scheduled); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("retention sweeper started", "schedule", s.schedule, "horizon", s.horizon.String())
	return nil
}

func (s *Sweeper) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.log.Error("scheduled retention sweep failed", "error", err)
	}
}

// Stop prevents future sweeps and waits for a running one to finish.
// Stopping a sweeper that is not running logs a warning and does nothing.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		s.log.Warn("retention sweeper not running")
		return
	}
	<-c.Stop().Done()
	s.log.Info("retention sweeper stopped")
}

// Running reports whether the schedule is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}
