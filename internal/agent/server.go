// Package agent provides an MCP (Model Context Protocol) server that
// exposes the sync engine to an AI agent over stdio transport. Every
// mutation made here is tagged origin=agent, so the conflict resolver
// can protect unsaved user edits from being silently overwritten.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/flintnotes/flintsync/internal/apperr"
	"github.com/flintnotes/flintsync/internal/docstore"
	"github.com/flintnotes/flintsync/internal/models"
	"github.com/flintnotes/flintsync/internal/vault"
)

// Server wraps the MCP server around one vault coordinator.
type Server struct {
	mcp *server.MCPServer
	co  *vault.Coordinator
}

// New creates an MCP server with all engine tools registered.
func New(co *vault.Coordinator) *Server {
	s := &Server{co: co}

	s.mcp = server.NewMCPServer(
		"Flint Sync",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List all notes with their ids, titles, and archived state."),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read a note's title, body, and structured properties by id."),
		mcp.WithString("id", mcp.Required(), mcp.Description("The note's stable identifier")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a new note. The engine assigns the id and the file name. "+
			"Read the format contract first via the get_note_contract tool or the "+
			"flint://note-format resource."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Note title")),
		mcp.WithString("body", mcp.Description("Markdown body")),
	), s.createNote)

	s.mcp.AddTool(mcp.NewTool("update_note",
		mcp.WithDescription("Update a note's title and/or body. Fails with a conflict when "+
			"the user has unsaved changes in an open editor; do not retry in a loop."),
		mcp.WithString("id", mcp.Required(), mcp.Description("The note's stable identifier")),
		mcp.WithString("title", mcp.Description("New title (omit to keep)")),
		mcp.WithString("body", mcp.Description("New Markdown body (omit to keep)")),
	), s.updateNote)

	s.mcp.AddTool(mcp.NewTool("archive_note",
		mcp.WithDescription("Archive a note. Archiving is reversible; notes are never destroyed."),
		mcp.WithString("id", mcp.Required(), mcp.Description("The note's stable identifier")),
	), s.archiveNote)

	s.mcp.AddTool(mcp.NewTool("get_note_contract",
		mcp.WithDescription("Returns the canonical note format contract. "+
			"Call this before creating or updating notes."),
	), s.getNoteContract)

	// Resource: note format contract.
	s.mcp.AddResource(
		mcp.NewResource("flint://note-format", "Note Format Contract",
			mcp.WithResourceDescription("Canonical note format the engine round-trips."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

type noteSummary struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Kind     string `json:"kind"`
	Archived bool   `json:"archived"`
}

func (s *Server) listNotes(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	notes := s.co.Store().List()
	out := make([]noteSummary, len(notes))
	for i, n := range notes {
		out[i] = noteSummary{ID: n.ID, Title: n.Title, Kind: string(n.Kind), Archived: n.Archived}
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) readNote(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, ok := s.co.Store().Get(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("note not found: %s", id)), nil
	}
	data, _ := json.MarshalIndent(note, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) createNote(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	body := req.GetString("body", "")

	note, err := s.co.CreateNote(title, body, nil, models.OriginAgent)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created note %s", note.ID)), nil
}

func (s *Server) updateNote(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	fields := make(map[string]any)
	if title := req.GetString("title", ""); title != "" {
		fields[docstore.FieldTitle] = title
	}
	if body := req.GetString("body", ""); body != "" {
		fields[docstore.FieldBody] = body
	}
	if len(fields) == 0 {
		return mcp.NewToolResultError("nothing to update: provide title and/or body"), nil
	}

	if err := s.co.ApplyAgentMutation(id, fields); err != nil {
		if errors.Is(err, apperr.ErrConflictUnresolved) {
			return mcp.NewToolResultError(fmt.Sprintf(
				"conflict: note %s has unsaved changes in an open editor; the user must resolve it", id)), nil
		}
		if errors.Is(err, apperr.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("note not found: %s", id)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("updated note %s", id)), nil
}

func (s *Server) archiveNote(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.co.ApplyAgentMutation(id, map[string]any{docstore.FieldArchived: true}); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("note not found: %s", id)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("archived note %s", id)), nil
}

func (s *Server) getNoteContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteFormatContract), nil
}

func (s *Server) readNoteFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "flint://note-format",
			MIMEType: "text/markdown",
			Text:     NoteFormatContract,
		},
	}, nil
}
