// Copyright 2025 the Switchboard authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

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

// Watcher monitors the registry file and emits a validated Snapshot on
// every effective change.
//
// The file's parent directory is watched rather than the file itself:
// most editors and atomic writers (including Save in this package)
// replace the file by rename, which would otherwise drop the watch.
// Events are debounced so one editor save produces one snapshot. Parse
// or validation failures are logged and the previous desired state is
// kept, matching the all-or-nothing registry policy.
type Watcher struct {
	// path is the absolute registry file path.
	path string

	// fsWatcher is the underlying filesystem watcher.
	fsWatcher *fsnotify.Watcher

	// snapshots delivers validated, deduplicated snapshots.
	snapshots chan *Snapshot

	// reloadCh is signaled by the debounce timer; the event loop owns
	// all reads of the file and all sends on snapshots.
	reloadCh chan struct{}

	// logger is used for structured logging.
	logger *slog.Logger

	// debounceDelay is the quiet period before re-reading the file.
	debounceDelay time.Duration

	// lastEmitted is the last snapshot sent, used to drop no-op changes.
	lastEmitted *Snapshot

	// pending is the active debounce timer, if any.
	pending *time.Timer

	// mu protects pending.
	mu sync.Mutex

	// ctx is the watcher's lifecycle context.
	ctx context.Context

	// cancel stops the watcher.
	cancel context.CancelFunc

	// wg tracks the event-processing goroutine.
	wg sync.WaitGroup

	// closeOnce makes Close idempotent.
	closeOnce sync.Once
}

// WatcherConfig configures the registry file watcher.
type WatcherConfig struct {
	// Path is the registry file to watch (required).
	Path string

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// DebounceDelay is the quiet period before re-reading the file
	// (defaults to 200ms).
	DebounceDelay time.Duration

	// Initial is the last snapshot the caller already applied; changes
	// equal to it are not re-emitted (optional).
	Initial *Snapshot
}

// NewWatcher creates a watcher for the registry file.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("registry path is required")
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve registry path %s: %w", cfg.Path, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch registry directory: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounceDelay := cfg.DebounceDelay
	if debounceDelay == 0 {
		debounceDelay = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		path:          absPath,
		fsWatcher:     fsWatcher,
		snapshots:     make(chan *Snapshot, 1),
		reloadCh:      make(chan struct{}, 1),
		logger:        logger,
		debounceDelay: debounceDelay,
		lastEmitted:   cfg.Initial,
		ctx:           ctx,
		cancel:        cancel,
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// Snapshots returns the channel of validated registry snapshots.
// The channel is closed when the watcher is closed.
func (w *Watcher) Snapshots() <-chan *Snapshot {
	return w.snapshots
}

// processEvents filters filesystem events down to changes of the
// registry file, schedules debounced reloads, and performs them.
// It is the sole sender on the snapshots channel.
func (w *Watcher) processEvents() {
	defer w.wg.Done()
	defer close(w.snapshots)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("registry watcher error", "error", err)

		case <-w.reloadCh:
			w.reload()

		case <-w.ctx.Done():
			return
		}
	}
}

// scheduleReload resets the debounce timer for a pending reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounceDelay, func() {
		select {
		case w.reloadCh <- struct{}{}:
		default:
		}
	})
}

// reload re-reads the registry file and emits the snapshot if it parses,
// validates, and differs from the last emitted state.
func (w *Watcher) reload() {
	snap, err := Load(w.path)
	if err != nil {
		w.logger.Error("registry change rejected, keeping previous state",
			"path", w.path,
			"error", err,
		)
		return
	}

	if snap.Equal(w.lastEmitted) {
		w.logger.Debug("registry change is a no-op", "path", w.path)
		return
	}
	w.lastEmitted = snap

	w.logger.Info("registry changed",
		"path", w.path,
		"servers", len(snap.Servers),
	)

	// Coalesce: if the consumer has not drained the previous snapshot,
	// replace it with the latest one.
	for {
		select {
		case w.snapshots <- snap:
			return
		default:
		}
		select {
		case <-w.snapshots:
		default:
		}
	}
}

// Close shuts down the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.cancel()

		w.mu.Lock()
		if w.pending != nil {
			w.pending.Stop()
		}
		w.mu.Unlock()

		err = w.fsWatcher.Close()
		w.wg.Wait()
	})
	return err
}
