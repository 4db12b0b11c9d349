package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tether/internal/logging"
)

// TuningWatcher watches the tuning file for changes and delivers validated
// Tuning snapshots to a callback. This is the whole of the engine's
// "learning" surface: an offline process rewrites the file between
// sessions, and the watcher swaps the values in — never mid-decision, never
// touching the safety gate.
type TuningWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	path        string
	onReload    func(*Tuning)
	debounceDur time.Duration
	lastEvent   time.Time
	running     bool
	doneCh      chan struct{}
}

// NewTuningWatcher creates a watcher for the given tuning file path.
// onReload is called with each validated snapshot, including one for the
// initial file contents when Start runs.
func NewTuningWatcher(path string, onReload func(*Tuning)) (*TuningWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &TuningWatcher{
		watcher:     w,
		path:        path,
		onReload:    onReload,
		debounceDur: 500 * time.Millisecond, // editors fire several events per save
		doneCh:      make(chan struct{}),
	}, nil
}

// Start loads the current tuning file, then begins watching its directory.
// Non-blocking; the watch loop exits when ctx is canceled.
func (tw *TuningWatcher) Start(ctx context.Context) error {
	tw.mu.Lock()
	if tw.running {
		tw.mu.Unlock()
		return nil
	}
	tw.running = true
	tw.mu.Unlock()

	tw.reload()

	// Watch the directory, not the file: editors replace files on save.
	dir := filepath.Dir(tw.path)
	if err := tw.watcher.Add(dir); err != nil {
		logging.Get(logging.CategoryConfig).Warn("TuningWatcher: watch failed for %s: %v", dir, err)
	} else {
		logging.Config("TuningWatcher: watching %s", dir)
	}

	go tw.run(ctx)
	return nil
}

// Stop closes the watcher and waits for the loop to exit.
func (tw *TuningWatcher) Stop() {
	tw.mu.Lock()
	if !tw.running {
		tw.mu.Unlock()
		return
	}
	tw.running = false
	tw.mu.Unlock()

	tw.watcher.Close()
	<-tw.doneCh
}

func (tw *TuningWatcher) run(ctx context.Context) {
	defer close(tw.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(tw.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			tw.mu.Lock()
			if time.Since(tw.lastEvent) < tw.debounceDur {
				tw.mu.Unlock()
				continue
			}
			tw.lastEvent = time.Now()
			tw.mu.Unlock()

			tw.reload()
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryConfig).Warn("TuningWatcher: error: %v", err)
		}
	}
}

// reload parses and validates the tuning file, delivering the snapshot on
// success and keeping the previous values live on any failure.
func (tw *TuningWatcher) reload() {
	t, err := LoadTuning(tw.path)
	if err != nil {
		logging.Get(logging.CategoryConfig).Error("TuningWatcher: rejected tuning file: %v", err)
		return
	}
	logging.Config("TuningWatcher: tuning reloaded (%d strategy overrides, %d ceilings)",
		len(t.StrategyOverrides), len(t.UserCeilings))
	tw.onReload(t)
}
