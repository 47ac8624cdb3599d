package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flintnotes/flintsync/internal/checksum"
	"github.com/flintnotes/flintsync/internal/models"
	"github.com/flintnotes/flintsync/internal/storage"
	"github.com/flintnotes/flintsync/internal/testutil"
)

type eventLog struct {
	mu     sync.Mutex
	events []models.WatcherEvent
}

func (l *eventLog) add(ev models.WatcherEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) find(kind models.EventKind, path string) (models.WatcherEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind && ev.Path == path {
			return ev, true
		}
	}
	return models.WatcherEvent{}, false
}

func (l *eventLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func watcherEnv(t *testing.T, hashOf HashFunc) (string, *storage.FS, *Watcher, *eventLog) {
	t.Helper()
	dir, fs := testutil.TestVault(t)
	log := &eventLog{}
	w := New(fs, hashOf, log.add, testutil.QuietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx, dir) }()
	time.Sleep(100 * time.Millisecond)

	return dir, fs, w, log
}

func TestExternalCreateReported(t *testing.T) {
	dir, _, _, log := watcherEnv(t, nil)

	_ = os.WriteFile(filepath.Join(dir, "new.md"), []byte("# New"), 0o644)

	testutil.Eventually(t, 5*time.Second, func() bool {
		_, ok := log.find(models.EventCreated, "new.md")
		return ok
	}, "external create not reported")
}

func TestExternalModifyReported(t *testing.T) {
	dir, _, _, log := watcherEnv(t, nil)

	path := filepath.Join(dir, "mod.md")
	_ = os.WriteFile(path, []byte("v1"), 0o644)
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, ok := log.find(models.EventCreated, "mod.md")
		return ok
	}, "create missing")

	_ = os.WriteFile(path, []byte("v2 longer content"), 0o644)
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, ok := log.find(models.EventModified, "mod.md")
		return ok
	}, "external modify not reported")
}

func TestSelfWriteSuppressed(t *testing.T) {
	_, fs, w, log := watcherEnv(t, nil)

	w.Expect("own.md")
	if err := fs.Write("own.md", []byte("engine write")); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if n := log.count(); n != 0 {
		t.Errorf("self-write produced %d external events: %+v", n, log.events)
	}
}

func TestNonMarkdownIgnored(t *testing.T) {
	dir, _, _, log := watcherEnv(t, nil)

	_ = os.WriteFile(filepath.Join(dir, "image.png"), []byte{0x89}, 0o644)
	_ = os.WriteFile(filepath.Join(dir, storage.MarkerFile), []byte("marker"), 0o644)

	time.Sleep(300 * time.Millisecond)
	if n := log.count(); n != 0 {
		t.Errorf("unmanaged files produced %d events: %+v", n, log.events)
	}
}

func TestRenameCorrelated(t *testing.T) {
	content := []byte("---\nid: n-1\n---\nstable content\n")
	hash := checksum.Sum(content)
	hashOf := func(path string) (string, bool) {
		if path == "old.md" {
			return hash, true
		}
		return "", false
	}
	dir, _, _, log := watcherEnv(t, hashOf)

	_ = os.WriteFile(filepath.Join(dir, "old.md"), content, 0o644)
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, ok := log.find(models.EventCreated, "old.md")
		return ok
	}, "initial create missing")

	_ = os.Rename(filepath.Join(dir, "old.md"), filepath.Join(dir, "renamed.md"))

	testutil.Eventually(t, 5*time.Second, func() bool {
		ev, ok := log.find(models.EventRenamed, "renamed.md")
		return ok && ev.OldPath == "old.md"
	}, "delete+create pair not collapsed into rename")

	// The held delete must never fire once correlated.
	time.Sleep(2500 * time.Millisecond)
	if _, ok := log.find(models.EventDeleted, "old.md"); ok {
		t.Error("correlated rename still reported a delete")
	}
}

func TestDeleteReportedAfterWindow(t *testing.T) {
	dir, _, _, log := watcherEnv(t, nil)

	path := filepath.Join(dir, "gone.md")
	_ = os.WriteFile(path, []byte("bye"), 0o644)
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, ok := log.find(models.EventCreated, "gone.md")
		return ok
	}, "create missing")

	_ = os.Remove(path)

	// No delete inside the correlation window.
	time.Sleep(500 * time.Millisecond)
	if _, ok := log.find(models.EventDeleted, "gone.md"); ok {
		t.Fatal("delete reported before the rename window elapsed")
	}

	testutil.Eventually(t, 5*time.Second, func() bool {
		_, ok := log.find(models.EventDeleted, "gone.md")
		return ok
	}, "delete never reported")
}

func TestNewDirectoryWatched(t *testing.T) {
	dir, _, _, log := watcherEnv(t, nil)

	subDir := filepath.Join(dir, "sub")
	_ = os.MkdirAll(subDir, 0o755)
	time.Sleep(200 * time.Millisecond)

	_ = os.WriteFile(filepath.Join(subDir, "deep.md"), []byte("# Deep"), 0o644)

	testutil.Eventually(t, 5*time.Second, func() bool {
		_, ok := log.find(models.EventCreated, filepath.Join("sub", "deep.md"))
		return ok
	}, "file in new subdir not reported")
}

func TestExpectExpires(t *testing.T) {
	w := New(nil, nil, nil, testutil.QuietLogger())
	w.Expect("a.md")
	if !w.consumeExpected("a.md") {
		t.Error("fresh expectation not consumed")
	}
	if w.consumeExpected("a.md") {
		t.Error("expectation consumed twice")
	}
}
