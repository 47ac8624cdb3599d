// Package models defines the domain types for Flint's vault sync engine.
package models

import "time"

// NoteKind identifies the underlying document type.
type NoteKind string

// Known note kinds. Markdown is the default for new notes.
const (
	KindMarkdown NoteKind = "markdown"
	KindEPUB     NoteKind = "epub"
	KindPDF      NoteKind = "pdf"
)

// Note is the engine's canonical note representation. It is owned by
// the document store; the on-disk markdown file is a derived,
// disposable projection of it.
type Note struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	Kind       NoteKind       `json:"kind"`
	Properties map[string]any `json:"properties,omitempty"`
	// Extra holds front-matter keys the engine does not understand.
	// They pass through unmodified on re-encode.
	Extra     map[string]any `json:"extra,omitempty"`
	Archived  bool           `json:"archived,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ChangeOrigin tags every document-store mutation with its source so
// source-specific policy (write-back, bridge relay, conflict handling)
// can be applied downstream.
type ChangeOrigin string

const (
	OriginUser         ChangeOrigin = "user"
	OriginAgent        ChangeOrigin = "agent"
	OriginExternalFile ChangeOrigin = "external_file"
	OriginOtherEditor  ChangeOrigin = "other_editor"
)

// PendingWrite is one coalesced outgoing disk write. At most one
// exists per note; a later enqueue replaces it.
type PendingWrite struct {
	NoteID     string
	Path       string
	Content    []byte
	EnqueuedAt time.Time
	Attempts   int
}

// EventKind classifies a raw filesystem event.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventModified EventKind = "modified"
	EventDeleted  EventKind = "deleted"
	EventRenamed  EventKind = "renamed"
)

// WatcherEvent is an external filesystem event after self-write
// suppression. OldPath is set only for renames.
type WatcherEvent struct {
	Path      string
	OldPath   string
	Kind      EventKind
	Timestamp time.Time
}

// SyncSession is the live state of one open editor view of a note.
// It is the authority for whether an incoming change may be applied
// silently.
type SyncSession struct {
	NoteID               string
	EditorInstanceID     string
	HasUnsavedChanges    bool
	LastKnownContentHash string
	OpenedAt             time.Time
}

// NoticeLevel distinguishes transient toasts from persistent,
// dismiss-only failure notices.
type NoticeLevel string

const (
	NoticeTransient  NoticeLevel = "transient"
	NoticePersistent NoticeLevel = "persistent"
)

// Notice is a user-visible notification emitted by the engine.
type Notice struct {
	ID        string      `json:"id"`
	Level     NoticeLevel `json:"level"`
	NoteID    string      `json:"note_id,omitempty"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"created_at"`
}

// ConflictKind identifies what produced a pending conflict.
type ConflictKind string

const (
	ConflictExternalEdit ConflictKind = "external_edit"
	ConflictAgentEdit    ConflictKind = "agent_edit"
)

// ConflictInfo describes a conflict awaiting explicit resolution. The
// incoming version is held here, never applied to the editor buffer,
// until the user decides.
type ConflictInfo struct {
	NoteID       string       `json:"note_id"`
	Kind         ConflictKind `json:"kind"`
	Message      string       `json:"message"`
	IncomingNote *Note        `json:"incoming_note,omitempty"`
	IncomingHash string       `json:"incoming_hash,omitempty"`
	DetectedAt   time.Time    `json:"detected_at"`
}
