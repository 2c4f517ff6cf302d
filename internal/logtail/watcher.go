package logtail

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Config struct {
	Settle      time.Duration // quiet time after a change, default 250ms
	MinInterval time.Duration // minimum spacing between flushes, default 1s
	Logger      *slog.Logger
}

// Watcher watches a set of log files through their parent directories, so
// files that are created or rotated after the watch starts are still seen.
// Changes are paced by a Debouncer; each flush is announced on Ready.
type Watcher struct {
	fsw     *fsnotify.Watcher
	targets map[string]struct{}
	ready   chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	log     *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	deb    *Debouncer
	timer  *time.Timer
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// Watch starts watching paths. Empty entries are ignored. It fails when no
// parent directory can be watched.
func Watch(paths []string, cfg Config) (*Watcher, error) {
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	targets := make(map[string]struct{}, len(paths))
	dirs := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	if len(targets) == 0 {
		return nil, errors.New("no log paths to watch")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	added := 0
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			cfg.Logger.Warn("cannot watch log directory", "dir", dir, "error", err)
			continue
		}
		added++
	}
	if added == 0 {
		_ = fsw.Close()
		return nil, errors.New("no log directory could be watched")
	}

	w := &Watcher{
		fsw:     fsw,
		targets: targets,
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		log:     cfg.Logger,
		now:     time.Now,
		deb:     NewDebouncer(cfg.Settle, cfg.MinInterval),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Ready delivers one value per flush. Flushes that find the previous value
// still unread are merged into it.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// MarkSent records that the caller delivered a payload at the given time.
func (w *Watcher) MarkSent(at time.Time) {
	w.mu.Lock()
	w.deb.Sent(at)
	w.mu.Unlock()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if _, ok := w.targets[filepath.Clean(ev.Name)]; !ok {
				continue
			}
			w.changed()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("log watcher error", "error", err)
		}
	}
}

func (w *Watcher) changed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	now := w.now()
	deadline, scheduled := w.deb.Trigger(now)
	if !scheduled {
		return
	}
	wait := deadline.Sub(now)
	if w.timer == nil {
		w.timer = time.AfterFunc(wait, w.fire)
		return
	}
	w.timer.Reset(wait)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	if w.closed || !w.deb.Fire(w.now()) {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// Close stops the timer and the file watch. It is safe to call more than
// once; later calls return the first result.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		close(w.done)
		w.closeErr = w.fsw.Close()
		w.wg.Wait()
	})
	return w.closeErr
}
