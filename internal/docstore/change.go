package docstore

import (
	"encoding/json"
	"fmt"

	"github.com/flintnotes/flintsync/internal/models"
)

// Op is one field-level last-writer-wins assignment. Identity is
// (Replica, Seq), so applying an op twice is a no-op; ordering is
// (Clock, Replica), so concurrent assignments to the same field
// converge on every replica.
type Op struct {
	Replica string `json:"replica"`
	Seq     uint64 `json:"seq"`
	Clock   uint64 `json:"clock"`
	NoteID  string `json:"note_id"`
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
}

// Fields addressed by ops. Structured properties and preserved
// unknown front-matter keys are addressed with a prefix.
const (
	FieldTitle    = "title"
	FieldBody     = "body"
	FieldKind     = "kind"
	FieldArchived = "archived"
	FieldCreated  = "created_at"

	PropPrefix  = "prop:"
	ExtraPrefix = "extra:"
)

// Change is a batch of ops from one mutation, tagged with its origin
// so downstream policy (write-back, bridge relay, conflict handling)
// can tell sources apart.
type Change struct {
	Origin models.ChangeOrigin `json:"origin"`
	Ops    []Op                `json:"ops"`
}

// Encode serializes the change for transport over the sync bridge.
// The payload is opaque to the bridge itself.
func (c Change) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode change: %w", err)
	}
	return data, nil
}

// DecodeChange parses a bridge payload back into a Change.
func DecodeChange(data []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return Change{}, fmt.Errorf("docstore: decode change: %w", err)
	}
	return c, nil
}
