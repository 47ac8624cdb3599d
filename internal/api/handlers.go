package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/flintnotes/flintsync/internal/apperr"
	"github.com/flintnotes/flintsync/internal/docstore"
	"github.com/flintnotes/flintsync/internal/models"
	"github.com/flintnotes/flintsync/internal/resolver"
	"github.com/flintnotes/flintsync/internal/vault"
)

// Handler serves the control API over one coordinator.
type Handler struct {
	co *vault.Coordinator
}

// NewHandler creates a control API handler.
func NewHandler(co *vault.Coordinator) *Handler {
	return &Handler{co: co}
}

// Status reports the vault's sync state.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		VaultPath:     h.co.VaultRoot(),
		Notes:         h.co.Store().Len(),
		PendingWrites: h.co.Queue().Len(),
		Conflicts:     len(h.co.Resolver().Conflicts()),
		SSEClients:    h.co.Broker().ClientCount(),
	})
}

// ListNotes returns all notes, sorted by last update, newest first.
func (h *Handler) ListNotes(w http.ResponseWriter, _ *http.Request) {
	notes := h.co.Store().List()
	sort.Slice(notes, func(i, j int) bool { return notes[i].UpdatedAt.After(notes[j].UpdatedAt) })
	items := make([]NoteListItem, len(notes))
	for i, n := range notes {
		items[i] = NoteListItem{
			ID:        n.ID,
			Title:     n.Title,
			Kind:      string(n.Kind),
			Archived:  n.Archived,
			UpdatedAt: n.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: items, Total: len(items)})
}

// GetNote returns the full note from the document store.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	note, ok := h.co.Store().Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("note not found"))
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// CreateNote creates a note as a user-originated mutation.
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req CreateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if req.Title == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("title is required"))
		return
	}
	note, err := h.co.CreateNote(req.Title, req.Body, req.Properties, models.OriginUser)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote applies a user edit to the document store; disk and the
// peer replica follow through the usual paths.
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req UpdateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	fields := make(map[string]any)
	if req.Title != nil {
		fields[docstore.FieldTitle] = *req.Title
	}
	if req.Body != nil {
		fields[docstore.FieldBody] = *req.Body
	}
	if req.Archived != nil {
		fields[docstore.FieldArchived] = *req.Archived
	}
	for k, v := range req.Properties {
		fields[docstore.PropPrefix+k] = v
	}
	if len(fields) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("no fields to update"))
		return
	}

	if err := h.co.ApplyUserEdit(id, fields); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("note not found"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	note, _ := h.co.Store().Get(id)
	writeJSON(w, http.StatusOK, note)
}

// Flush forces all pending writes ("sync now").
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	if err := h.co.SyncNow(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

// FlushNote forces the pending write for one note.
func (h *Handler) FlushNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.co.Queue().Flush(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

// Conflicts lists pending conflicts.
func (h *Handler) Conflicts(w http.ResponseWriter, _ *http.Request) {
	conflicts := h.co.Resolver().Conflicts()
	if conflicts == nil {
		conflicts = []models.ConflictInfo{}
	}
	writeJSON(w, http.StatusOK, ConflictListResponse{Conflicts: conflicts})
}

// ResolveConflict applies the user's decision on a pending conflict.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	choice := resolver.Resolution(req.Choice)
	if choice != resolver.ResolutionAcceptIncoming && choice != resolver.ResolutionKeepLocal {
		writeJSON(w, http.StatusBadRequest, errorBody("choice must be accept_incoming or keep_local"))
		return
	}
	if err := h.co.Resolver().Resolve(id, choice); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("no pending conflict"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// Notices lists undismissed persistent notices.
func (h *Handler) Notices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NoticeListResponse{Notices: h.co.Notices().List()})
}

// DismissNotice removes a persistent notice.
func (h *Handler) DismissNotice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.co.Notices().Dismiss(id) {
		writeJSON(w, http.StatusNotFound, errorBody("notice not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OpenSession registers an editor view of a note. Sessions opened over
// HTTP receive reload and conflict notifications through the SSE stream.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req OpenSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if req.Editor == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("editor is required"))
		return
	}
	sess, err := h.co.Resolver().OpenSession(id, req.Editor, resolver.Callbacks{})
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("note not found"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// SessionEvent applies an editor lifecycle event to an open session.
// Saving while an external edit is held keeps the local version;
// discarding accepts the incoming one.
func (h *Handler) SessionEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req SessionEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if req.Editor == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("editor is required"))
		return
	}
	switch req.Action {
	case "dirty":
		h.co.Resolver().SetDirty(id, req.Editor, true)
	case "clean":
		h.co.Resolver().SetDirty(id, req.Editor, false)
	case "saved":
		h.co.Resolver().SessionSaved(id, req.Editor)
	case "discarded":
		h.co.Resolver().SessionDiscarded(id, req.Editor)
	default:
		writeJSON(w, http.StatusBadRequest, errorBody("action must be dirty, clean, saved or discarded"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CloseSession unregisters an editor view.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	editor := r.URL.Query().Get("editor")
	if editor == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("editor is required"))
		return
	}
	h.co.Resolver().CloseSession(id, editor)
	w.WriteHeader(http.StatusNoContent)
}

// Revisions returns a note's stored revision history.
func (h *Handler) Revisions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	revs, err := h.co.History().Revisions(id, 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	items := make([]RevisionItem, len(revs))
	for i, rev := range revs {
		items[i] = RevisionItem{Rev: rev.Rev, Checksum: rev.Checksum, WrittenAt: rev.WrittenAt}
	}
	writeJSON(w, http.StatusOK, RevisionListResponse{NoteID: id, Revisions: items})
}
