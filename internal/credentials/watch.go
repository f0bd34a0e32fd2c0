package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads a Pool when its backing file is edited by another process,
// for example by gatewayctl. Events caused by the pool's own saves are
// filtered out by Pool.Reload. The parent directory is watched rather than the
// file itself because atomic saves replace the file's inode.
type Watcher struct {
	pool     *Pool
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	log      *slog.Logger

	mu    sync.Mutex
	timer *time.Timer

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Watch starts watching path and reloads pool after each burst of changes.
// The watcher stops when ctx is cancelled or Close is called.
func Watch(ctx context.Context, pool *Pool, path string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("credentials: watch: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("credentials: watch: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("credentials: watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		pool:     pool,
		path:     abs,
		debounce: defaultWatchDebounce,
		watcher:  fw,
		log:      log,
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run(ctx)

	return w, nil
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
	w.wg.Wait()
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule(ctx)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("credentials_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		reloaded, err := w.pool.Reload(ctx)
		if err != nil {
			w.log.Warn("credentials_reload_failed",
				slog.String("path", w.path),
				slog.String("error", err.Error()),
			)
			return
		}
		if reloaded {
			w.log.Info("credentials reloaded", slog.String("path", w.path))
		}
	})
}
