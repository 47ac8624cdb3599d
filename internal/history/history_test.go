package history

import (
	"errors"
	"os"
	"testing"

	"github.com/flintnotes/flintsync/internal/apperr"
	"github.com/flintnotes/flintsync/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	f, err := os.CreateTemp("", "flintsync-history-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordWriteAndGetNote(t *testing.T) {
	db := testDB(t)
	n := models.Note{ID: "n-1", Title: "First", Kind: models.KindMarkdown}
	if err := db.RecordWrite(n, "First.md", []byte("content v1")); err != nil {
		t.Fatalf("RecordWrite: %v", err)
	}

	row, err := db.GetNote("n-1")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if row.Path != "First.md" || row.Title != "First" {
		t.Errorf("row = %+v", row)
	}
	if row.Archived {
		t.Error("new note should not be archived")
	}
}

func TestRecordWrite_SkipsUnchangedRevision(t *testing.T) {
	db := testDB(t)
	n := models.Note{ID: "n-1", Title: "A"}

	content := []byte("same content")
	for i := 0; i < 3; i++ {
		if err := db.RecordWrite(n, "A.md", content); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.RecordWrite(n, "A.md", []byte("new content")); err != nil {
		t.Fatal(err)
	}

	revs, err := db.Revisions("n-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(revs) != 2 {
		t.Errorf("revisions = %d, want 2 (identical writes deduplicated)", len(revs))
	}
}

func TestRevisions_NewestFirst(t *testing.T) {
	db := testDB(t)
	n := models.Note{ID: "n-1"}
	_ = db.RecordWrite(n, "x.md", []byte("v1"))
	_ = db.RecordWrite(n, "x.md", []byte("v2"))
	_ = db.RecordWrite(n, "x.md", []byte("v3"))

	revs, err := db.Revisions("n-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(revs) != 2 {
		t.Fatalf("len = %d, want 2", len(revs))
	}
	if revs[0].Rev <= revs[1].Rev {
		t.Errorf("not newest first: %v", revs)
	}
}

func TestLatestContent(t *testing.T) {
	db := testDB(t)
	n := models.Note{ID: "n-1"}
	_ = db.RecordWrite(n, "x.md", []byte("v1"))
	_ = db.RecordWrite(n, "x.md", []byte("v2"))

	got, err := db.LatestContent("n-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v2" {
		t.Errorf("content = %q, want v2", got)
	}

	if _, err := db.LatestContent("missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkArchived(t *testing.T) {
	db := testDB(t)
	_ = db.RecordWrite(models.Note{ID: "n-1"}, "x.md", []byte("v1"))

	if err := db.MarkArchived("n-1", true); err != nil {
		t.Fatal(err)
	}
	row, _ := db.GetNote("n-1")
	if !row.Archived {
		t.Error("archived flag not persisted")
	}

	if err := db.MarkArchived("missing", true); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetNote_NotFound(t *testing.T) {
	db := testDB(t)
	if _, err := db.GetNote("missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
