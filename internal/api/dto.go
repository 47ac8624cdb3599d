package api

import (
	"time"

	"github.com/flintnotes/flintsync/internal/models"
)

// StatusResponse summarizes one open vault's sync state.
type StatusResponse struct {
	VaultPath     string `json:"vault_path"`
	Notes         int    `json:"notes"`
	PendingWrites int    `json:"pending_writes"`
	Conflicts     int    `json:"conflicts"`
	SSEClients    int    `json:"sse_clients"`
}

// CreateNoteRequest is the request body for creating a note.
type CreateNoteRequest struct {
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	Properties map[string]any `json:"properties,omitempty"`
}

// UpdateNoteRequest is the request body for a user edit. Nil fields
// are left untouched.
type UpdateNoteRequest struct {
	Title      *string        `json:"title,omitempty"`
	Body       *string        `json:"body,omitempty"`
	Archived   *bool          `json:"archived,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// NoteListItem is a lightweight item in a list response.
type NoteListItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Kind      string    `json:"kind"`
	Archived  bool      `json:"archived"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NoteListResponse wraps note listings.
type NoteListResponse struct {
	Notes []NoteListItem `json:"notes"`
	Total int            `json:"total"`
}

// ResolveConflictRequest carries the user's explicit decision.
type ResolveConflictRequest struct {
	Choice string `json:"choice"` // accept_incoming | keep_local
}

// ConflictListResponse wraps pending conflicts.
type ConflictListResponse struct {
	Conflicts []models.ConflictInfo `json:"conflicts"`
}

// NoticeListResponse wraps undismissed persistent notices.
type NoticeListResponse struct {
	Notices []models.Notice `json:"notices"`
}

// OpenSessionRequest registers an editor view of a note.
type OpenSessionRequest struct {
	Editor string `json:"editor"`
}

// SessionEventRequest reports an editor lifecycle event. Action is one
// of dirty, clean, saved, discarded.
type SessionEventRequest struct {
	Editor string `json:"editor"`
	Action string `json:"action"`
}

// RevisionItem is one stored content revision, without content.
type RevisionItem struct {
	Rev       int64     `json:"rev"`
	Checksum  string    `json:"checksum"`
	WrittenAt time.Time `json:"written_at"`
}

// RevisionListResponse wraps a note's revision history.
type RevisionListResponse struct {
	NoteID    string         `json:"note_id"`
	Revisions []RevisionItem `json:"revisions"`
}
