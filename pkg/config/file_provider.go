package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// FileProvider watches a configuration file and publishes a new immutable
// Snapshot to subscribers whenever the file changes and still validates.
// Invalid edits are logged and dropped; the last good snapshot stays active.
type FileProvider struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc

	mu          sync.RWMutex
	snapshot    Snapshot
	subscribers []chan Snapshot
}

// NewFileProvider loads the file, starts watching its directory, and returns
// the provider. The initial load must succeed; a process must not start
// serving on a configuration it could not validate.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	doc, err := Load(absPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files atomically.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &FileProvider{
		path:    absPath,
		logger:  logger,
		watcher: watcher,
		cancel:  cancel,
		snapshot: Snapshot{
			Generation: 1,
			ReceivedAt: time.Now(),
			Document:   doc,
		},
	}

	go p.watchLoop(ctx)
	return p, nil
}

// Current returns the active configuration snapshot.
func (p *FileProvider) Current() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Subscribe returns a channel delivering each new valid snapshot. The
// current snapshot is sent immediately.
func (p *FileProvider) Subscribe() <-chan Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Snapshot, 1)
	ch <- p.snapshot
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Close stops the watcher.
func (p *FileProvider) Close() error {
	p.cancel()
	return p.watcher.Close()
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors fire bursts of events per save; coalesce them.
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
				debounceC = debounce.C
			} else {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config watcher error", "error", err)
		case <-debounceC:
			debounce = nil
			debounceC = nil
			p.reload()
		}
	}
}

func (p *FileProvider) reload() {
	doc, err := Load(p.path)
	if err != nil {
		p.logger.Error("config reload rejected, keeping last good snapshot",
			"path", p.path, "error", err)
		return
	}

	p.mu.Lock()
	snapshot := Snapshot{
		Generation: p.snapshot.Generation + 1,
		ReceivedAt: time.Now(),
		Document:   doc,
	}
	p.snapshot = snapshot
	subscribers := append([]chan Snapshot(nil), p.subscribers...)
	p.mu.Unlock()

	p.logger.Info("configuration reloaded", "generation", snapshot.Generation)

	for _, ch := range subscribers {
		select {
		case ch <- snapshot:
		default:
			// Drop for slow subscribers; they can read Current() instead.
		}
	}
}
