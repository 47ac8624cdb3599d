package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flintnotes/flintsync/internal/vault"
)

// NewRouter creates a chi router with all control API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(co *vault.Coordinator, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(co)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/status", h.Status)

	// Notes.
	r.Get("/notes", h.ListNotes)
	r.Post("/notes", h.CreateNote)
	r.Get("/notes/{id}", h.GetNote)
	r.Put("/notes/{id}", h.UpdateNote)
	r.Post("/notes/{id}/flush", h.FlushNote)
	r.Get("/notes/{id}/revisions", h.Revisions)

	// Editor sessions.
	r.Post("/notes/{id}/session", h.OpenSession)
	r.Put("/notes/{id}/session", h.SessionEvent)
	r.Delete("/notes/{id}/session", h.CloseSession)

	// Sync-now.
	r.Post("/flush", h.Flush)

	// Conflicts.
	r.Get("/conflicts", h.Conflicts)
	r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

	// Notices.
	r.Get("/notices", h.Notices)
	r.Delete("/notices/{id}", h.DismissNotice)

	// SSE endpoint (protected by the same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
