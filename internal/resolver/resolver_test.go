package resolver

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/flintnotes/flintsync/internal/apperr"
	"github.com/flintnotes/flintsync/internal/checksum"
	"github.com/flintnotes/flintsync/internal/docstore"
	"github.com/flintnotes/flintsync/internal/events"
	"github.com/flintnotes/flintsync/internal/frontmatter"
	"github.com/flintnotes/flintsync/internal/models"
)

type fakeArchive struct {
	mu       sync.Mutex
	archived map[string]bool
}

func (f *fakeArchive) MarkArchived(noteID string, archived bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.archived == nil {
		f.archived = make(map[string]bool)
	}
	f.archived[noteID] = archived
	return nil
}

type fixture struct {
	store    *docstore.Store
	res      *Resolver
	files    map[string][]byte
	archive  *fakeArchive
	persists []models.Note
	pending  map[string]bool
	mu       sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	broker := events.NewBroker()
	t.Cleanup(broker.Close)

	fx := &fixture{
		store:   docstore.NewStore("test"),
		files:   make(map[string][]byte),
		archive: &fakeArchive{},
		pending: make(map[string]bool),
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	fx.res = New(Config{
		Store:   fx.store,
		History: fx.archive,
		Notices: events.NewNotices(broker),
		Broker:  broker,
		ReadFile: func(path string) ([]byte, error) {
			fx.mu.Lock()
			defer fx.mu.Unlock()
			data, ok := fx.files[path]
			if !ok {
				return nil, errors.New("no such file")
			}
			return data, nil
		},
		Persist: func(n models.Note) {
			fx.mu.Lock()
			defer fx.mu.Unlock()
			fx.persists = append(fx.persists, n)
		},
		PendingWrite: func(noteID string) bool {
			fx.mu.Lock()
			defer fx.mu.Unlock()
			return fx.pending[noteID]
		},
		Logger: logger,
	})
	return fx
}

// seed puts a note in the store, writes its encoding to the fake disk,
// and tracks the path, mirroring hydration.
func (fx *fixture) seed(t *testing.T, n models.Note, path string) {
	t.Helper()
	fx.store.Put(n, models.OriginExternalFile)
	data, err := frontmatter.Encode(n)
	if err != nil {
		t.Fatal(err)
	}
	fx.mu.Lock()
	fx.files[path] = data
	fx.mu.Unlock()
	fx.res.TrackPath(n.ID, path, checksum.Sum(data))
}

func (fx *fixture) setFile(path string, data []byte) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.files[path] = data
}

func TestExternalEdit_CleanAutoReloads(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, models.Note{ID: "n-1", Title: "Note", Body: "old"}, "Note.md")

	var reloaded []models.Note
	_, err := fx.res.OpenSession("n-1", "editor-1", Callbacks{
		OnReload: func(n models.Note) { reloaded = append(reloaded, n) },
	})
	if err != nil {
		t.Fatal(err)
	}

	fx.setFile("Note.md", []byte("---\nid: n-1\ntitle: Note\n---\nnew body from vim\n"))
	fx.res.HandleEvent(models.WatcherEvent{Path: "Note.md", Kind: models.EventModified})

	got, _ := fx.store.Get("n-1")
	if got.Body != "new body from vim\n" {
		t.Errorf("body = %q, want reloaded content", got.Body)
	}
	if s := fx.res.State("n-1"); s != StateClean {
		t.Errorf("state = %q, want clean", s)
	}
	if len(reloaded) != 1 {
		t.Errorf("reload callbacks = %d, want 1", len(reloaded))
	}
}

func TestExternalEdit_DirtySessionGoesPending(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, models.Note{ID: "n-1", Title: "Note", Body: "local draft"}, "Note.md")

	var conflicts []models.ConflictInfo
	_, _ = fx.res.OpenSession("n-1", "editor-1", Callbacks{
		OnConflict: func(c models.ConflictInfo) { conflicts = append(conflicts, c) },
	})
	fx.res.SetDirty("n-1", "editor-1", true)

	fx.setFile("Note.md", []byte("---\nid: n-1\ntitle: Note\n---\nexternal version\n"))
	fx.res.HandleEvent(models.WatcherEvent{Path: "Note.md", Kind: models.EventModified})

	if s := fx.res.State("n-1"); s != StatePendingExternalEdit {
		t.Fatalf("state = %q, want pending_external_edit", s)
	}
	// The incoming version is held, never applied to the store.
	got, _ := fx.store.Get("n-1")
	if got.Body != "local draft" {
		t.Errorf("store body = %q, local version lost", got.Body)
	}
	if len(conflicts) != 1 || conflicts[0].Kind != models.ConflictExternalEdit {
		t.Fatalf("conflicts = %+v", conflicts)
	}
	if conflicts[0].IncomingNote == nil || conflicts[0].IncomingNote.Body != "external version\n" {
		t.Errorf("incoming note not held: %+v", conflicts[0].IncomingNote)
	}
}

func TestExternalEdit_PendingQueuedWriteEscalates(t *testing.T) {
	// A modify racing an unflushed queued write is a potential lost
	// update even when every session is clean.
	fx := newFixture(t)
	fx.seed(t, models.Note{ID: "n-1", Title: "Note", Body: "queued"}, "Note.md")
	fx.mu.Lock()
	fx.pending["n-1"] = true
	fx.mu.Unlock()

	fx.setFile("Note.md", []byte("---\nid: n-1\ntitle: Note\n---\nexternal\n"))
	fx.res.HandleEvent(models.WatcherEvent{Path: "Note.md", Kind: models.EventModified})

	if s := fx.res.State("n-1"); s != StatePendingExternalEdit {
		t.Errorf("state = %q, want pending_external_edit", s)
	}
}

func TestExternalEdit_KnownHashIgnored(t *testing.T) {
	fx := newFixture(t)
	n := models.Note{ID: "n-1", Title: "Note", Body: "same"}
	fx.seed(t, n, "Note.md")

	before, _ := fx.store.Get("n-1")
	// Event for content we just wrote ourselves.
	fx.res.HandleEvent(models.WatcherEvent{Path: "Note.md", Kind: models.EventModified})
	after, _ := fx.store.Get("n-1")

	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("known content should not touch the store")
	}
}

func TestExternalEdit_MalformedFileIgnored(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, models.Note{ID: "n-1", Title: "Note", Body: "intact"}, "Note.md")

	fx.setFile("Note.md", []byte("no front matter anymore"))
	fx.res.HandleEvent(models.WatcherEvent{Path: "Note.md", Kind: models.EventModified})

	got, _ := fx.store.Get("n-1")
	if got.Body != "intact" {
		t.Errorf("malformed file modified the store: %q", got.Body)
	}
	if s := fx.res.State("n-1"); s != StateClean {
		t.Errorf("state = %q, want clean", s)
	}
}

func TestResolve_AcceptIncoming(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, models.Note{ID: "n-1", Title: "Note", Body: "local"}, "Note.md")
	_, _ = fx.res.OpenSession("n-1", "e1", Callbacks{})
	fx.res.SetDirty("n-1", "e1", true)

	fx.setFile("Note.md", []byte("---\nid: n-1\ntitle: Note\n---\nincoming\n"))
	fx.res.HandleEvent(models.WatcherEvent{Path: "Note.md", Kind: models.EventModified})

	if err := fx.res.Resolve("n-1", ResolutionAcceptIncoming); err != nil {
		t.Fatal(err)
	}
	got, _ := fx.store.Get("n-1")
	if got.Body != "incoming\n" {
		t.Errorf("body = %q, want incoming", got.Body)
	}
	if s := fx.res.State("n-1"); s != StateResolved {
		t.Errorf("state = %q, want resolved", s)
	}
	if len(fx.res.Conflicts()) != 0 {
		t.Error("conflict still pending after resolve")
	}
}

func TestResolve_KeepLocalRewritesDisk(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, models.Note{ID: "n-1", Title: "Note", Body: "local"}, "Note.md")
	_, _ = fx.res.OpenSession("n-1", "e1", Callbacks{})
	fx.res.SetDirty("n-1", "e1", true)

	fx.setFile("Note.md", []byte("---\nid: n-1\ntitle: Note\n---\nincoming\n"))
	fx.res.HandleEvent(models.WatcherEvent{Path: "Note.md", Kind: models.EventModified})

	if err := fx.res.Resolve("n-1", ResolutionKeepLocal); err != nil {
		t.Fatal(err)
	}
	got, _ := fx.store.Get("n-1")
	if got.Body != "local" {
		t.Errorf("body = %q, want local", got.Body)
	}
	fx.mu.Lock()
	persisted := len(fx.persists)
	fx.mu.Unlock()
	if persisted != 1 {
		t.Errorf("persists = %d, want 1 (local version wins back the file)", persisted)
	}
}

func TestResolve_NoPendingConflict(t *testing.T) {
	fx := newFixture(t)
	if err := fx.res.Resolve("n-1", ResolutionKeepLocal); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionSaved_ResolvesKeepLocal(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, models.Note{ID: "n-1", Title: "Note", Body: "local"}, "Note.md")
	_, _ = fx.res.OpenSession("n-1", "e1", Callbacks{})
	fx.res.SetDirty("n-1", "e1", true)

	fx.setFile("Note.md", []byte("---\nid: n-1\ntitle: Note\n---\nincoming\n"))
	fx.res.HandleEvent(models.WatcherEvent{Path: "Note.md", Kind: models.EventModified})

	fx.res.SessionSaved("n-1", "e1")

	if s := fx.res.State("n-1"); s != StateResolved {
		t.Errorf("state = %q, want resolved", s)
	}
	got, _ := fx.store.Get("n-1")
	if got.Body != "local" {
		t.Errorf("body = %q, save must keep the local version", got.Body)
	}
}

func TestSessionDiscarded_ResolvesAcceptIncoming(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, models.Note{ID: "n-1", Title: "Note", Body: "local"}, "Note.md")
	_, _ = fx.res.OpenSession("n-1", "e1", Callbacks{})
	fx.res.SetDirty("n-1", "e1", true)

	fx.setFile("Note.md", []byte("---\nid: n-1\ntitle: Note\n---\nincoming\n"))
	fx.res.HandleEvent(models.WatcherEvent{Path: "Note.md", Kind: models.EventModified})

	fx.res.SessionDiscarded("n-1", "e1")

	got, _ := fx.store.Get("n-1")
	if got.Body != "incoming\n" {
		t.Errorf("body = %q, discard must accept the incoming version", got.Body)
	}
}

func TestExternalDelete_Archives(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, models.Note{ID: "n-1", Title: "Note", Body: "keep me"}, "Note.md")

	fx.res.HandleEvent(models.WatcherEvent{Path: "Note.md", Kind: models.EventDeleted})

	got, ok := fx.store.Get("n-1")
	if !ok {
		t.Fatal("note destroyed; external delete must archive, not delete")
	}
	if !got.Archived {
		t.Error("note not archived")
	}
	if got.Body != "keep me" {
		t.Errorf("body = %q, content lost", got.Body)
	}
	fx.archive.mu.Lock()
	defer fx.archive.mu.Unlock()
	if !fx.archive.archived["n-1"] {
		t.Error("history not updated")
	}
}

func TestExternalRename_RemapsPath(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, models.Note{ID: "n-1", Title: "Note", Body: "x"}, "Old.md")

	fx.res.HandleEvent(models.WatcherEvent{Path: "New.md", OldPath: "Old.md", Kind: models.EventRenamed})

	p, ok := fx.res.PathFor("n-1")
	if !ok || p != "New.md" {
		t.Errorf("path = %q, ok=%v, want New.md", p, ok)
	}
	// Hash mapping follows the new path.
	if _, ok := fx.res.HashForPath("New.md"); !ok {
		t.Error("hash lost across rename")
	}
	if _, ok := fx.res.HashForPath("Old.md"); ok {
		t.Error("old path still mapped")
	}
}

func TestAgentMutation_CleanApplies(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, models.Note{ID: "n-1", Title: "Note", Body: "before"}, "Note.md")

	err := fx.res.ApplyAgentMutation("n-1", map[string]any{docstore.FieldBody: "after"})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := fx.store.Get("n-1")
	if got.Body != "after" {
		t.Errorf("body = %q", got.Body)
	}
}

func TestAgentMutation_DirtyBlocks(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, models.Note{ID: "n-1", Title: "Note", Body: "unsaved work"}, "Note.md")
	_, _ = fx.res.OpenSession("n-1", "e1", Callbacks{})
	fx.res.SetDirty("n-1", "e1", true)

	err := fx.res.ApplyAgentMutation("n-1", map[string]any{docstore.FieldBody: "agent version"})
	if !errors.Is(err, apperr.ErrConflictUnresolved) {
		t.Fatalf("expected ErrConflictUnresolved, got %v", err)
	}
	if s := fx.res.State("n-1"); s != StatePendingAgentEdit {
		t.Errorf("state = %q, want pending_agent_conflict", s)
	}
	got, _ := fx.store.Get("n-1")
	if got.Body != "unsaved work" {
		t.Errorf("agent change applied despite conflict: %q", got.Body)
	}

	// The held preview shows what the agent wanted.
	conflicts := fx.res.Conflicts()
	if len(conflicts) != 1 || conflicts[0].IncomingNote == nil || conflicts[0].IncomingNote.Body != "agent version" {
		t.Errorf("conflicts = %+v", conflicts)
	}
}

func TestAgentMutation_UnknownNote(t *testing.T) {
	fx := newFixture(t)
	err := fx.res.ApplyAgentMutation("missing", map[string]any{docstore.FieldBody: "x"})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFlagRemoteAgentEdit(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, models.Note{ID: "n-1", Title: "Note", Body: "x"}, "Note.md")

	// Clean note: no-op.
	fx.res.FlagRemoteAgentEdit("n-1")
	if s := fx.res.State("n-1"); s != StateClean {
		t.Errorf("state = %q, want clean", s)
	}

	_, _ = fx.res.OpenSession("n-1", "e1", Callbacks{})
	fx.res.SetDirty("n-1", "e1", true)
	fx.res.FlagRemoteAgentEdit("n-1")
	if s := fx.res.State("n-1"); s != StatePendingAgentEdit {
		t.Errorf("state = %q, want pending_agent_conflict", s)
	}
}

func TestOpenSession_UnknownNote(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.res.OpenSession("missing", "e1", Callbacks{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
