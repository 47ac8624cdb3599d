// Package watcher observes the vault tree and classifies filesystem
// events as self-inflicted or external. Internal events are discarded;
// external ones are forwarded to the conflict resolver.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flintnotes/flintsync/internal/checksum"
	"github.com/flintnotes/flintsync/internal/models"
	"github.com/flintnotes/flintsync/internal/storage"
)

const (
	// expectTTL bounds how long an expected self-write touch stays
	// registered. Covers watchers that coalesce or drop events.
	expectTTL = 3 * time.Second

	// renameWindow is how long a delete is held back waiting for a
	// matching create before it is reported as a real deletion.
	renameWindow = 2 * time.Second
)

// Callback receives classified external events in arrival order.
type Callback func(models.WatcherEvent)

// HashFunc returns the last-known content hash for a vault-relative
// path, used to correlate delete+create pairs into renames.
type HashFunc func(path string) (string, bool)

type pendingDelete struct {
	hash  string
	at    time.Time
	timer *time.Timer
}

// Watcher wraps fsnotify with self-write suppression and rename
// correlation. Paths are vault-relative throughout.
type Watcher struct {
	store  storage.Provider
	hashOf HashFunc
	cb     Callback
	logger *slog.Logger

	mu       sync.Mutex
	expected map[string]time.Time
	deletes  map[string]*pendingDelete
}

// New creates a watcher. cb is invoked for every external event.
func New(store storage.Provider, hashOf HashFunc, cb Callback, logger *slog.Logger) *Watcher {
	return &Watcher{
		store:    store,
		hashOf:   hashOf,
		cb:       cb,
		logger:   logger,
		expected: make(map[string]time.Time),
		deletes:  make(map[string]*pendingDelete),
	}
}

// Expect registers an imminent self-inflicted touch for path. The
// write queue calls this just before each disk write, so the
// resulting event is classified as internal, never external.
func (w *Watcher) Expect(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expected[path] = time.Now().Add(expectTTL)
}

// consumeExpected reports whether path was marked as a self-write and
// clears the mark. Expired marks are treated as absent.
func (w *Watcher) consumeExpected(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline, ok := w.expected[path]
	if !ok {
		return false
	}
	delete(w.expected, path)
	return time.Now().Before(deadline)
}

// Run starts the fsnotify loop on vaultRoot and processes events until
// ctx is cancelled. New directories created at runtime are added to
// the watch list automatically.
func (w *Watcher) Run(ctx context.Context, vaultRoot string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := addDirsRecursive(fsw, vaultRoot); err != nil {
		return err
	}

	w.logger.Info("watcher: started", slog.String("root", vaultRoot))

	for {
		select {
		case <-ctx.Done():
			w.cancelPendingDeletes()
			w.logger.Info("watcher: stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleRaw(fsw, vaultRoot, ev)

		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

func (w *Watcher) handleRaw(fsw *fsnotify.Watcher, vaultRoot string, ev fsnotify.Event) {
	absPath := ev.Name

	// New directories: add to watcher and report any .md files
	// already inside as external creates.
	if ev.Op&fsnotify.Create != 0 {
		if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
			if addErr := addDirsRecursive(fsw, absPath); addErr != nil {
				w.logger.Warn("watcher: add new dir failed",
					slog.String("path", absPath),
					slog.String("error", addErr.Error()))
			} else {
				w.logger.Debug("watcher: watching new dir", slog.String("path", absPath))
			}
			w.scanNewDir(vaultRoot, absPath)
			return
		}
	}

	if !isManagedFile(absPath) {
		return
	}
	rel, relErr := filepath.Rel(vaultRoot, absPath)
	if relErr != nil {
		return
	}

	switch {
	case ev.Op&fsnotify.Create != 0:
		w.handleCreate(rel)
	case ev.Op&fsnotify.Write != 0:
		w.handleModify(rel)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// fsnotify fires Rename on the OLD path only; the new path
		// arrives as a separate Create. Both are held back for
		// rename correlation.
		w.holdDelete(rel)
	}
}

func (w *Watcher) handleCreate(rel string) {
	if w.consumeExpected(rel) {
		w.logger.Debug("watcher: self-write suppressed", slog.String("path", rel))
		return
	}

	// Correlate with a recent delete: same content hash inside the
	// rename window collapses delete+create into one rename.
	data, readErr := w.store.Read(rel)
	if readErr == nil {
		cs := checksum.Sum(data)
		if oldPath, ok := w.takeMatchingDelete(cs); ok {
			w.logger.Debug("watcher: correlated rename",
				slog.String("from", oldPath), slog.String("to", rel))
			w.emit(models.WatcherEvent{Path: rel, OldPath: oldPath, Kind: models.EventRenamed})
			return
		}
	}

	w.emit(models.WatcherEvent{Path: rel, Kind: models.EventCreated})
}

func (w *Watcher) handleModify(rel string) {
	if w.consumeExpected(rel) {
		w.logger.Debug("watcher: self-write suppressed", slog.String("path", rel))
		return
	}
	w.emit(models.WatcherEvent{Path: rel, Kind: models.EventModified})
}

// holdDelete delays reporting a deletion by renameWindow so a matching
// create can turn it into a rename instead of delete/recreate churn.
func (w *Watcher) holdDelete(rel string) {
	if w.consumeExpected(rel) {
		w.logger.Debug("watcher: self-delete suppressed", slog.String("path", rel))
		return
	}

	var hash string
	if w.hashOf != nil {
		hash, _ = w.hashOf(rel)
	}

	w.mu.Lock()
	if existing, ok := w.deletes[rel]; ok {
		existing.timer.Stop()
	}
	pd := &pendingDelete{hash: hash, at: time.Now()}
	pd.timer = time.AfterFunc(renameWindow, func() {
		w.mu.Lock()
		if w.deletes[rel] != pd {
			w.mu.Unlock()
			return
		}
		delete(w.deletes, rel)
		w.mu.Unlock()
		w.emit(models.WatcherEvent{Path: rel, Kind: models.EventDeleted})
	})
	w.deletes[rel] = pd
	w.mu.Unlock()
}

// takeMatchingDelete finds and removes a held delete whose content
// hash matches cs within the rename window.
func (w *Watcher) takeMatchingDelete(cs string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, pd := range w.deletes {
		if pd.hash == "" || pd.hash != cs {
			continue
		}
		if time.Since(pd.at) > renameWindow {
			continue
		}
		pd.timer.Stop()
		delete(w.deletes, path)
		return path, true
	}
	return "", false
}

func (w *Watcher) cancelPendingDeletes() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, pd := range w.deletes {
		pd.timer.Stop()
		delete(w.deletes, path)
	}
}

// scanNewDir reports .md files found in a newly created directory as
// external creates.
func (w *Watcher) scanNewDir(vaultRoot, dirPath string) {
	_ = filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isManagedFile(path) {
			return nil
		}
		rel, relErr := filepath.Rel(vaultRoot, path)
		if relErr != nil {
			return nil
		}
		w.handleCreate(rel)
		return nil
	})
}

func (w *Watcher) emit(ev models.WatcherEvent) {
	ev.Timestamp = time.Now()
	if w.cb != nil {
		w.cb(ev)
	}
}

// isManagedFile filters to .md files, skipping atomic-write temp files
// and the vault marker.
func isManagedFile(path string) bool {
	base := filepath.Base(path)
	if base == storage.MarkerFile || strings.HasPrefix(base, storage.TmpPrefix) {
		return false
	}
	return strings.HasSuffix(base, ".md")
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
