package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flintnotes/flintsync/internal/apperr"
	"github.com/flintnotes/flintsync/internal/checksum"
	"github.com/flintnotes/flintsync/internal/models"
)

// NoteRow is one row of the notes table.
type NoteRow struct {
	ID        string
	Path      string
	Title     string
	Kind      models.NoteKind
	Archived  bool
	Checksum  string
	UpdatedAt time.Time
}

// Revision is one stored content snapshot.
type Revision struct {
	Rev       int64
	NoteID    string
	Checksum  string
	Content   []byte
	WrittenAt time.Time
}

// RecordWrite upserts note metadata and appends a revision. Called
// after every successful disk write, and on vault hydration.
func (db *DB) RecordWrite(n models.Note, path string, content []byte) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("history: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	cs := checksum.Sum(content)

	_, err = tx.Exec(`
		INSERT INTO notes (id, path, title, kind, archived, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path       = excluded.path,
			title      = excluded.title,
			kind       = excluded.kind,
			archived   = excluded.archived,
			checksum   = excluded.checksum,
			updated_at = excluded.updated_at
	`, n.ID, path, n.Title, string(n.Kind), boolInt(n.Archived), cs, time.Now())
	if err != nil {
		return fmt.Errorf("history: upsert note: %w", err)
	}

	// Skip the revision when the content is unchanged.
	var last string
	_ = tx.QueryRow(`SELECT checksum FROM revisions WHERE note_id = ? ORDER BY rev DESC LIMIT 1`, n.ID).Scan(&last)
	if last != cs {
		if _, err := tx.Exec(`INSERT INTO revisions (note_id, checksum, content, written_at) VALUES (?, ?, ?, ?)`,
			n.ID, cs, content, time.Now()); err != nil {
			return fmt.Errorf("history: insert revision: %w", err)
		}
	}

	return tx.Commit()
}

// MarkArchived records a note's archived flag.
func (db *DB) MarkArchived(noteID string, archived bool) error {
	res, err := db.conn.Exec(`UPDATE notes SET archived = ?, updated_at = ? WHERE id = ?`,
		boolInt(archived), time.Now(), noteID)
	if err != nil {
		return fmt.Errorf("history: mark archived: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("history: note %s: %w", noteID, apperr.ErrNotFound)
	}
	return nil
}

// GetNote returns the stored metadata for a note.
func (db *DB) GetNote(noteID string) (*NoteRow, error) {
	var r NoteRow
	var kind string
	var archived int
	err := db.conn.QueryRow(`SELECT id, path, title, kind, archived, checksum, updated_at FROM notes WHERE id = ?`, noteID).
		Scan(&r.ID, &r.Path, &r.Title, &kind, &archived, &r.Checksum, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history: note %s: %w", noteID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("history: get note: %w", err)
	}
	r.Kind = models.NoteKind(kind)
	r.Archived = archived != 0
	return &r, nil
}

// Revisions returns up to limit revisions for a note, newest first,
// without content. Use LatestContent for recovery.
func (db *DB) Revisions(noteID string, limit int) ([]Revision, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(`SELECT rev, note_id, checksum, written_at FROM revisions WHERE note_id = ? ORDER BY rev DESC LIMIT ?`,
		noteID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: revisions: %w", err)
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var r Revision
		if err := rows.Scan(&r.Rev, &r.NoteID, &r.Checksum, &r.WrittenAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestContent returns the newest stored content for a note.
func (db *DB) LatestContent(noteID string) ([]byte, error) {
	var content []byte
	err := db.conn.QueryRow(`SELECT content FROM revisions WHERE note_id = ? ORDER BY rev DESC LIMIT 1`, noteID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history: note %s: %w", noteID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("history: latest content: %w", err)
	}
	return content, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
