package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/flintnotes/flintsync/internal/models"
	"github.com/flintnotes/flintsync/internal/resolver"
	"github.com/flintnotes/flintsync/internal/testutil"
	"github.com/flintnotes/flintsync/internal/vault"
)

func testServer(t *testing.T) (*Server, *vault.Coordinator) {
	t.Helper()

	co := vault.New(vault.Config{
		VaultPath:   t.TempDir(),
		HistoryPath: testutil.TempHistoryPath(t),
		ReplicaID:   "agent-test",
		Debounce:    20 * time.Millisecond,
		InitVault:   true,
		Logger:      testutil.QuietLogger(),
	})
	if err := co.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = co.Close() })

	return New(co), co
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error

	switch name {
	case "list_notes":
		result, err = srv.listNotes(ctx, req)
	case "read_note":
		result, err = srv.readNote(ctx, req)
	case "create_note":
		result, err = srv.createNote(ctx, req)
	case "update_note":
		result, err = srv.updateNote(ctx, req)
	case "archive_note":
		result, err = srv.archiveNote(ctx, req)
	case "get_note_contract":
		result, err = srv.getNoteContract(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestCreateAndReadNote(t *testing.T) {
	srv, co := testServer(t)

	r := callTool(t, srv, "create_note", map[string]interface{}{
		"title": "Agent Note",
		"body":  "written by the agent",
	})
	text := resultText(r)
	if !strings.HasPrefix(text, "created note ") {
		t.Fatalf("create result = %q", text)
	}
	id := strings.TrimPrefix(text, "created note ")

	r = callTool(t, srv, "read_note", map[string]interface{}{"id": id})
	if !strings.Contains(resultText(r), "written by the agent") {
		t.Errorf("read result = %q", resultText(r))
	}

	// The mutation is tagged agent-originated in the store.
	if _, ok := co.Store().Get(id); !ok {
		t.Error("note missing from store")
	}
}

func TestListNotes(t *testing.T) {
	srv, co := testServer(t)
	_, _ = co.CreateNote("One", "", nil, models.OriginUser)
	_, _ = co.CreateNote("Two", "", nil, models.OriginUser)

	r := callTool(t, srv, "list_notes", map[string]interface{}{})
	text := resultText(r)
	if !strings.Contains(text, "One") || !strings.Contains(text, "Two") {
		t.Errorf("list = %q", text)
	}
}

func TestReadNoteMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "read_note", map[string]interface{}{"id": "nope"})
	if !r.IsError {
		t.Error("expected error for missing note")
	}
}

func TestUpdateNote(t *testing.T) {
	srv, co := testServer(t)
	note, _ := co.CreateNote("Target", "v1", nil, models.OriginUser)

	r := callTool(t, srv, "update_note", map[string]interface{}{
		"id":   note.ID,
		"body": "v2 via agent",
	})
	if r.IsError {
		t.Fatalf("update failed: %q", resultText(r))
	}
	got, _ := co.Store().Get(note.ID)
	if got.Body != "v2 via agent" {
		t.Errorf("body = %q", got.Body)
	}
}

func TestUpdateNote_ConflictWithUnsavedChanges(t *testing.T) {
	srv, co := testServer(t)
	note, _ := co.CreateNote("Busy", "user draft", nil, models.OriginUser)

	if _, err := co.Resolver().OpenSession(note.ID, "editor-1", resolver.Callbacks{}); err != nil {
		t.Fatal(err)
	}
	co.Resolver().SetDirty(note.ID, "editor-1", true)

	r := callTool(t, srv, "update_note", map[string]interface{}{
		"id":   note.ID,
		"body": "agent overwrite",
	})
	if !r.IsError {
		t.Fatal("expected conflict error")
	}
	if !strings.Contains(resultText(r), "unsaved changes") {
		t.Errorf("error = %q", resultText(r))
	}
	got, _ := co.Store().Get(note.ID)
	if got.Body != "user draft" {
		t.Errorf("agent overwrote unsaved work: %q", got.Body)
	}
}

func TestUpdateNote_NothingToUpdate(t *testing.T) {
	srv, co := testServer(t)
	note, _ := co.CreateNote("Empty", "", nil, models.OriginUser)
	r := callTool(t, srv, "update_note", map[string]interface{}{"id": note.ID})
	if !r.IsError {
		t.Error("expected error for empty update")
	}
}

func TestArchiveNote(t *testing.T) {
	srv, co := testServer(t)
	note, _ := co.CreateNote("Old", "", nil, models.OriginUser)

	r := callTool(t, srv, "archive_note", map[string]interface{}{"id": note.ID})
	if r.IsError {
		t.Fatalf("archive failed: %q", resultText(r))
	}
	got, _ := co.Store().Get(note.ID)
	if !got.Archived {
		t.Error("note not archived")
	}
}

func TestGetNoteContract(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_note_contract", map[string]interface{}{})
	text := resultText(r)
	if !strings.Contains(text, "id") || !strings.Contains(text, "front-matter") {
		t.Errorf("contract = %q", text)
	}
}
