// Package resolver decides, per external or agent event, whether to
// auto-merge, auto-reload, or ask the user. Conflicts are explicit
// state-machine states, not exceptions.
package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flintnotes/flintsync/internal/apperr"
	"github.com/flintnotes/flintsync/internal/checksum"
	"github.com/flintnotes/flintsync/internal/docstore"
	"github.com/flintnotes/flintsync/internal/events"
	"github.com/flintnotes/flintsync/internal/frontmatter"
	"github.com/flintnotes/flintsync/internal/models"
)

// State of one note in the conflict state machine.
type State string

const (
	StateClean               State = "clean"
	StatePendingExternalEdit State = "pending_external_edit"
	StatePendingAgentEdit    State = "pending_agent_conflict"
	// StateResolved is terminal per occurrence; the next event
	// re-enters at the appropriate pending state.
	StateResolved State = "resolved"
)

// Resolution is the user's explicit decision on a pending conflict.
type Resolution string

const (
	// ResolutionAcceptIncoming applies the held external/agent version.
	ResolutionAcceptIncoming Resolution = "accept_incoming"
	// ResolutionKeepLocal discards the incoming version and rewrites
	// the local one to disk.
	ResolutionKeepLocal Resolution = "keep_local"
)

// Callbacks are the editor-facing notification hooks for one session.
type Callbacks struct {
	OnReload   func(models.Note)
	OnConflict func(models.ConflictInfo)
}

// Config wires the resolver's collaborators.
type Config struct {
	Store   *docstore.Store
	History ArchiveMarker
	Notices *events.Notices
	Broker  *events.Broker
	// ReadFile reads a vault-relative path from disk.
	ReadFile func(path string) ([]byte, error)
	// Persist re-enqueues a note's serialized content to disk. Used
	// when a keep-local resolution must win back the file.
	Persist func(n models.Note)
	// PendingWrite reports whether a note has an unflushed disk write;
	// an external edit racing one is a potential lost update.
	PendingWrite func(noteID string) bool
	Logger       *slog.Logger
}

// ArchiveMarker is the history subset the resolver needs.
type ArchiveMarker interface {
	MarkArchived(noteID string, archived bool) error
}

type session struct {
	models.SyncSession
	cb Callbacks
}

// Resolver owns per-note conflict state, the open SyncSessions, and
// the path↔note bookkeeping the watcher relies on.
type Resolver struct {
	cfg Config

	mu         sync.Mutex
	sessions   map[string]map[string]*session // noteID -> editorInstanceID
	states     map[string]State
	pending    map[string]*models.ConflictInfo
	pathToNote map[string]string
	noteToPath map[string]string
	lastHash   map[string]string // noteID -> last-known disk content hash
}

// New creates a resolver.
func New(cfg Config) *Resolver {
	return &Resolver{
		cfg:        cfg,
		sessions:   make(map[string]map[string]*session),
		states:     make(map[string]State),
		pending:    make(map[string]*models.ConflictInfo),
		pathToNote: make(map[string]string),
		noteToPath: make(map[string]string),
		lastHash:   make(map[string]string),
	}
}

// TrackPath records the path and on-disk content hash of a note; the
// coordinator calls it on hydration and after every successful write.
func (r *Resolver) TrackPath(noteID, path, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.noteToPath[noteID]; ok && old != path {
		delete(r.pathToNote, old)
	}
	r.pathToNote[path] = noteID
	r.noteToPath[noteID] = path
	if hash != "" {
		r.lastHash[noteID] = hash
	}
}

// PathFor returns the vault-relative path of a note.
func (r *Resolver) PathFor(noteID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.noteToPath[noteID]
	return p, ok
}

// HashForPath returns the last-known content hash for a path. The
// watcher uses it to correlate delete+create pairs into renames.
func (r *Resolver) HashForPath(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.pathToNote[path]
	if !ok {
		return "", false
	}
	h, ok := r.lastHash[id]
	return h, ok
}

// State returns the note's conflict state (Clean when untracked).
func (r *Resolver) State(noteID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[noteID]; ok {
		return s
	}
	return StateClean
}

// Conflicts returns all conflicts awaiting resolution.
func (r *Resolver) Conflicts() []models.ConflictInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ConflictInfo, 0, len(r.pending))
	for _, c := range r.pending {
		out = append(out, *c)
	}
	return out
}

// OpenSession registers an editor view of a note. The session's dirty
// flag is the authority for whether incoming changes apply silently.
func (r *Resolver) OpenSession(noteID, editorInstanceID string, cb Callbacks) (models.SyncSession, error) {
	if _, ok := r.cfg.Store.Get(noteID); !ok {
		return models.SyncSession{}, fmt.Errorf("resolver: open session for %s: %w", noteID, apperr.ErrNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &session{
		SyncSession: models.SyncSession{
			NoteID:               noteID,
			EditorInstanceID:     editorInstanceID,
			LastKnownContentHash: r.lastHash[noteID],
			OpenedAt:             time.Now(),
		},
		cb: cb,
	}
	if r.sessions[noteID] == nil {
		r.sessions[noteID] = make(map[string]*session)
	}
	r.sessions[noteID][editorInstanceID] = s
	return s.SyncSession, nil
}

// CloseSession destroys the session state for one editor view.
func (r *Resolver) CloseSession(noteID, editorInstanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.sessions[noteID]; m != nil {
		delete(m, editorInstanceID)
		if len(m) == 0 {
			delete(r.sessions, noteID)
		}
	}
}

// SetDirty updates a session's unsaved-changes flag.
func (r *Resolver) SetDirty(noteID, editorInstanceID string, dirty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.sessions[noteID]; m != nil {
		if s := m[editorInstanceID]; s != nil {
			s.HasUnsavedChanges = dirty
		}
	}
}

// SessionSaved reports that the editor committed its buffer. A pending
// external edit is reconciled in the local version's favor: the saved
// buffer is already flowing to disk through the write queue.
func (r *Resolver) SessionSaved(noteID, editorInstanceID string) {
	r.SetDirty(noteID, editorInstanceID, false)
	if r.State(noteID) == StatePendingExternalEdit {
		_ = r.Resolve(noteID, ResolutionKeepLocal)
	}
}

// SessionDiscarded reports that the editor dropped its buffer. A
// pending external edit is reconciled in the incoming version's favor.
func (r *Resolver) SessionDiscarded(noteID, editorInstanceID string) {
	r.SetDirty(noteID, editorInstanceID, false)
	if r.State(noteID) == StatePendingExternalEdit {
		_ = r.Resolve(noteID, ResolutionAcceptIncoming)
	}
}

func (r *Resolver) anyDirty(noteID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions[noteID] {
		if s.HasUnsavedChanges {
			return true
		}
	}
	return false
}

// HandleEvent processes one classified external filesystem event.
// Events for a single path arrive in order; this is the only path by
// which disk content flows back into the document store.
func (r *Resolver) HandleEvent(ev models.WatcherEvent) {
	switch ev.Kind {
	case models.EventModified:
		r.handleExternalWrite(ev.Path, false)
	case models.EventCreated:
		r.handleExternalWrite(ev.Path, true)
	case models.EventDeleted:
		r.handleExternalDelete(ev.Path)
	case models.EventRenamed:
		r.handleExternalRename(ev.OldPath, ev.Path)
	}
}

func (r *Resolver) handleExternalWrite(path string, created bool) {
	data, err := r.cfg.ReadFile(path)
	if err != nil {
		r.cfg.Logger.Warn("resolver: read failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	note, err := frontmatter.Decode(data)
	if err != nil {
		// Malformed or headerless files are opaque unmanaged content.
		if errors.Is(err, apperr.ErrDecode) {
			r.cfg.Logger.Debug("resolver: ignoring unmanaged file", slog.String("path", path))
			return
		}
		r.cfg.Logger.Warn("resolver: decode failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	hash := checksum.Sum(data)

	r.mu.Lock()
	if r.lastHash[note.ID] == hash {
		// Content we already know; nothing to reconcile.
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	dirty := r.anyDirty(note.ID)
	racing := !created && r.cfg.PendingWrite != nil && r.cfg.PendingWrite(note.ID)

	if dirty || racing {
		// An unsaved buffer or an unflushed queued write would be
		// silently overwritten by auto-reload. Hold the incoming
		// version and surface a non-blocking conflict.
		conflict := models.ConflictInfo{
			NoteID:       note.ID,
			Kind:         models.ConflictExternalEdit,
			Message:      fmt.Sprintf("%s was modified outside the app", path),
			IncomingNote: note,
			IncomingHash: hash,
			DetectedAt:   time.Now(),
		}
		r.setPending(StatePendingExternalEdit, conflict)
		return
	}

	// Clean everywhere: auto-decode, apply to store, stay Clean.
	r.cfg.Store.Put(*note, models.OriginExternalFile)
	r.TrackPath(note.ID, path, hash)
	r.setState(note.ID, StateClean)
	r.cfg.Notices.Transient(note.ID, fmt.Sprintf("%s reloaded from disk", path))
	r.cfg.Broker.PublishNoteEvent(events.TypeNoteReloaded, note.ID)
	r.notifyReload(*note)
	r.cfg.Logger.Info("resolver: reloaded externally",
		slog.String("note_id", note.ID), slog.String("path", path))
}

// handleExternalDelete archives the note instead of destroying data.
func (r *Resolver) handleExternalDelete(path string) {
	r.mu.Lock()
	noteID, ok := r.pathToNote[path]
	r.mu.Unlock()
	if !ok {
		return
	}

	if _, err := r.cfg.Store.SetArchived(noteID, true, models.OriginExternalFile); err != nil {
		r.cfg.Logger.Warn("resolver: archive failed", slog.String("note_id", noteID), slog.String("error", err.Error()))
		return
	}
	if r.cfg.History != nil {
		if err := r.cfg.History.MarkArchived(noteID, true); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			r.cfg.Logger.Warn("resolver: history archive failed", slog.String("note_id", noteID), slog.String("error", err.Error()))
		}
	}
	r.setState(noteID, StateClean)
	r.cfg.Notices.Transient(noteID, fmt.Sprintf("%s was deleted externally; note archived", path))
	r.cfg.Broker.PublishNoteEvent(events.TypeNoteArchived, noteID)
	r.cfg.Logger.Info("resolver: archived after external delete",
		slog.String("note_id", noteID), slog.String("path", path))
}

func (r *Resolver) handleExternalRename(oldPath, newPath string) {
	r.mu.Lock()
	noteID, ok := r.pathToNote[oldPath]
	if ok {
		delete(r.pathToNote, oldPath)
		r.pathToNote[newPath] = noteID
		r.noteToPath[noteID] = newPath
	}
	r.mu.Unlock()
	if ok {
		r.cfg.Logger.Info("resolver: note file renamed",
			slog.String("note_id", noteID),
			slog.String("from", oldPath), slog.String("to", newPath))
	}
}

// ApplyAgentMutation routes an agent-originated mutation through
// conflict policy. If any open session has unsaved changes, the
// mutation is held as PendingAgentConflict (the one blocking dialog:
// silently resolving risks losing either party's work) and
// apperr.ErrConflictUnresolved is returned.
func (r *Resolver) ApplyAgentMutation(noteID string, fields map[string]any) error {
	current, ok := r.cfg.Store.Get(noteID)
	if !ok {
		return fmt.Errorf("resolver: agent mutation for %s: %w", noteID, apperr.ErrNotFound)
	}

	if r.anyDirty(noteID) {
		preview := previewNote(current, fields)
		conflict := models.ConflictInfo{
			NoteID:       noteID,
			Kind:         models.ConflictAgentEdit,
			Message:      "agent update conflicts with unsaved changes",
			IncomingNote: &preview,
			DetectedAt:   time.Now(),
		}
		r.setPending(StatePendingAgentEdit, conflict)
		return fmt.Errorf("resolver: note %s has unsaved changes: %w", noteID, apperr.ErrConflictUnresolved)
	}

	if _, err := r.cfg.Store.Update(noteID, fields, models.OriginAgent); err != nil {
		return err
	}
	return nil
}

// FlagRemoteAgentEdit surfaces the blocking agent conflict for an
// agent change that arrived over the bridge. The CRDT has already
// merged it into the store; the conflict governs only whether the
// dirty editor buffer may be replaced. No-op for clean notes.
func (r *Resolver) FlagRemoteAgentEdit(noteID string) {
	if !r.anyDirty(noteID) {
		return
	}
	current, ok := r.cfg.Store.Get(noteID)
	if !ok {
		return
	}
	conflict := models.ConflictInfo{
		NoteID:       noteID,
		Kind:         models.ConflictAgentEdit,
		Message:      "agent update from another window conflicts with unsaved changes",
		IncomingNote: &current,
		DetectedAt:   time.Now(),
	}
	r.setPending(StatePendingAgentEdit, conflict)
}

// Resolve applies the user's decision on a pending conflict and moves
// the note to Resolved.
func (r *Resolver) Resolve(noteID string, res Resolution) error {
	r.mu.Lock()
	conflict, ok := r.pending[noteID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("resolver: no pending conflict for %s: %w", noteID, apperr.ErrNotFound)
	}
	delete(r.pending, noteID)
	r.states[noteID] = StateResolved
	r.mu.Unlock()

	switch res {
	case ResolutionAcceptIncoming:
		if conflict.IncomingNote != nil {
			origin := models.OriginExternalFile
			if conflict.Kind == models.ConflictAgentEdit {
				origin = models.OriginAgent
			}
			r.cfg.Store.Put(*conflict.IncomingNote, origin)
			if conflict.IncomingHash != "" {
				if path, ok := r.PathFor(noteID); ok {
					r.TrackPath(noteID, path, conflict.IncomingHash)
				}
			}
			r.notifyReload(*conflict.IncomingNote)
		}
	case ResolutionKeepLocal:
		// The local version wins back the file. Agent conflicts need
		// no write: the store already holds the local version.
		if conflict.Kind == models.ConflictExternalEdit && r.cfg.Persist != nil {
			if n, ok := r.cfg.Store.Get(noteID); ok {
				r.cfg.Persist(n)
			}
		}
	default:
		return fmt.Errorf("resolver: unknown resolution %q", res)
	}

	r.cfg.Notices.Transient(noteID, "conflict resolved")
	r.cfg.Broker.PublishNoteEvent(events.TypeConflictResolved, noteID)
	r.cfg.Logger.Info("resolver: conflict resolved",
		slog.String("note_id", noteID),
		slog.String("kind", string(conflict.Kind)),
		slog.String("choice", string(res)))
	return nil
}

func (r *Resolver) setPending(state State, conflict models.ConflictInfo) {
	r.mu.Lock()
	r.states[conflict.NoteID] = state
	r.pending[conflict.NoteID] = &conflict
	var cbs []Callbacks
	for _, s := range r.sessions[conflict.NoteID] {
		cbs = append(cbs, s.cb)
	}
	r.mu.Unlock()

	r.cfg.Broker.Publish(events.TypeConflictPending, conflict)
	r.cfg.Notices.Transient(conflict.NoteID, conflict.Message)
	for _, cb := range cbs {
		if cb.OnConflict != nil {
			cb.OnConflict(conflict)
		}
	}
	r.cfg.Logger.Info("resolver: conflict pending",
		slog.String("note_id", conflict.NoteID),
		slog.String("kind", string(conflict.Kind)))
}

func (r *Resolver) setState(noteID string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[noteID] = s
}

func (r *Resolver) notifyReload(n models.Note) {
	r.mu.Lock()
	var cbs []Callbacks
	for _, s := range r.sessions[n.ID] {
		cbs = append(cbs, s.cb)
	}
	r.mu.Unlock()
	for _, cb := range cbs {
		if cb.OnReload != nil {
			cb.OnReload(n)
		}
	}
}

// previewNote applies field assignments to a copy of the current note
// so the conflict dialog can show the agent's version.
func previewNote(n models.Note, fields map[string]any) models.Note {
	for field, value := range fields {
		switch field {
		case docstore.FieldTitle:
			if s, ok := value.(string); ok {
				n.Title = s
			}
		case docstore.FieldBody:
			if s, ok := value.(string); ok {
				n.Body = s
			}
		case docstore.FieldKind:
			if s, ok := value.(string); ok {
				n.Kind = models.NoteKind(s)
			}
		case docstore.FieldArchived:
			if b, ok := value.(bool); ok {
				n.Archived = b
			}
		}
	}
	return n
}
