package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/pmwatch/internal/history"
	"github.com/loykin/pmwatch/internal/metrics"
	"github.com/loykin/pmwatch/internal/supervisor"
)

const DefaultInterval = 5 * time.Second

// Poller samples every managed process once per tick and commits the tick
// to the history store as a single batch.
type Poller struct {
	sup   supervisor.Supervisor
	store history.Store
	sinks []history.Sink
	log   *slog.Logger
	now   func() time.Time
}

type Option func(*Poller)

// WithSinks forwards each committed batch to the given sinks.
func WithSinks(sinks ...history.Sink) Option {
	return func(p *Poller) { p.sinks = append(p.sinks, sinks...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.log = l
		}
	}
}

// WithClock overrides the wall clock used to stamp samples.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

func New(sup supervisor.Supervisor, store history.Store, opts ...Option) *Poller {
	p := &Poller{sup: sup, store: store, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// PollOnce takes one sample per managed process and writes them atomically.
// It returns the number of samples committed.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := p.pollOnce(ctx)
	metrics.ObservePoll(err == nil, time.Since(start).Seconds(), n)
	return n, err
}

func (p *Poller) pollOnce(ctx context.Context) (int, error) {
	list, err := p.sup.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}
	ts := history.Millis(p.now())
	batch := make([]history.Sample, 0, len(list))
	for _, s := range list {
		if !s.Managed {
			continue
		}
		if s.Name == "" || s.ID < 0 {
			p.log.Debug("skip malformed process entry", "id", s.ID, "name", s.Name)
			continue
		}
		batch = append(batch, history.Sample{
			TS:     ts,
			PMID:   s.ID,
			Name:   s.Name,
			Status: string(s.Status),
			CPU:    s.CPU,
			Memory: s.Memory,
			Uptime: s.StartedAt,
		})
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := p.store.Append(ctx, batch); err != nil {
		return 0, fmt.Errorf("append samples: %w", err)
	}
	for _, sink := range p.sinks {
		if err := sink.Send(ctx, batch); err != nil {
			metrics.IncSinkFailure()
			p.log.Warn("history sink failed", "error", err, "samples", len(batch))
		}
	}
	return len(batch), nil
}

// Start polls immediately and then every interval until ctx is cancelled or
// the returned stop function is called. Ticks run on a single goroutine and
// never overlap; a tick in flight when stopping is allowed to finish. stop
// blocks until the loop has exited and may be called more than once.
func (p *Poller) Start(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		p.tick(ctx, interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// A stop racing the ticker must not start another tick.
				if ctx.Err() != nil {
					return
				}
				p.tick(ctx, interval)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
		<-done
	}
}

// tick runs one poll detached from loop cancellation and bounded by the
// interval, so stopping never aborts a half-written tick.
func (p *Poller) tick(ctx context.Context, interval time.Duration) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interval)
	defer cancel()
	n, err := p.PollOnce(tctx)
	if err != nil {
		p.log.Error("poll failed", "error", err)
		return
	}
	p.log.Debug("poll complete", "samples", n)
}
