// Package docstore implements the in-memory CRDT document store, the
// sole source of truth for notes. Disk files and the peer replica are
// derived views converging on it.
package docstore

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flintnotes/flintsync/internal/apperr"
	"github.com/flintnotes/flintsync/internal/models"
)

// stamp is a lamport timestamp with the replica ID as tie-break.
type stamp struct {
	clock   uint64
	replica string
}

func (a stamp) beats(b stamp) bool {
	if a.clock != b.clock {
		return a.clock > b.clock
	}
	return a.replica > b.replica
}

// Subscriber observes every applied change together with a snapshot
// of the affected note. Subscribers run outside the store lock.
type Subscriber func(note models.Note, ch Change)

// Store holds all notes of one vault for one replica. All mutation
// application is synchronous; blocking work belongs to subscribers.
type Store struct {
	mu      sync.Mutex
	replica string
	seq     uint64
	clock   uint64
	notes   map[string]*models.Note
	stamps  map[string]map[string]stamp
	seen    map[string]struct{} // applied op identities, for idempotence
	subs    []Subscriber
}

// NewStore creates an empty store for the given replica ID.
func NewStore(replica string) *Store {
	return &Store{
		replica: replica,
		notes:   make(map[string]*models.Note),
		stamps:  make(map[string]map[string]stamp),
		seen:    make(map[string]struct{}),
	}
}

// Replica returns this store's replica ID.
func (s *Store) Replica() string { return s.replica }

// Subscribe registers a change observer.
func (s *Store) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Put upserts a full note, emitting ops for every field. Used for
// vault hydration and external-file reloads.
func (s *Store) Put(n models.Note, origin models.ChangeOrigin) Change {
	fields := map[string]any{
		FieldTitle:    n.Title,
		FieldBody:     n.Body,
		FieldKind:     string(noteKind(n.Kind)),
		FieldArchived: n.Archived,
	}
	if !n.CreatedAt.IsZero() {
		fields[FieldCreated] = n.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	for k, v := range n.Properties {
		fields[PropPrefix+k] = v
	}
	for k, v := range n.Extra {
		fields[ExtraPrefix+k] = v
	}
	ch, _ := s.mutate(n.ID, origin, fields, true)
	return ch
}

// Update applies a partial field assignment to an existing note.
// Field names follow the op addressing scheme (FieldTitle, FieldBody,
// PropPrefix+key, ...).
func (s *Store) Update(noteID string, fields map[string]any, origin models.ChangeOrigin) (Change, error) {
	return s.mutate(noteID, origin, fields, false)
}

// SetBody replaces a note's Markdown body.
func (s *Store) SetBody(noteID, body string, origin models.ChangeOrigin) (Change, error) {
	return s.Update(noteID, map[string]any{FieldBody: body}, origin)
}

// SetArchived flips a note's archived flag. External deletions are
// expressed this way so history is never destroyed.
func (s *Store) SetArchived(noteID string, archived bool, origin models.ChangeOrigin) (Change, error) {
	return s.Update(noteID, map[string]any{FieldArchived: archived}, origin)
}

// Get returns a copy of the note, if present.
func (s *Store) Get(noteID string) (models.Note, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[noteID]
	if !ok {
		return models.Note{}, false
	}
	return copyNote(n), true
}

// List returns copies of all notes.
func (s *Store) List() []models.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Note, 0, len(s.notes))
	for _, n := range s.notes {
		out = append(out, copyNote(n))
	}
	return out
}

// Len returns the number of notes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

// ApplyChange applies a change received from the peer replica.
// Application is commutative and idempotent: already-seen ops are
// skipped, losing assignments leave the field untouched. Returns the
// number of ops that took effect.
func (s *Store) ApplyChange(ch Change) int {
	s.mu.Lock()

	applied := 0
	touched := make(map[string]struct{})
	var appliedOps []Op
	for _, op := range ch.Ops {
		key := opKey(op.Replica, op.Seq)
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		if op.Clock > s.clock {
			s.clock = op.Clock
		}
		if s.applyOp(op) {
			applied++
			touched[op.NoteID] = struct{}{}
			appliedOps = append(appliedOps, op)
		}
	}

	subs := append([]Subscriber(nil), s.subs...)
	snapshots := make([]models.Note, 0, len(touched))
	for id := range touched {
		if n, ok := s.notes[id]; ok {
			snapshots = append(snapshots, copyNote(n))
		}
	}
	s.mu.Unlock()

	if applied > 0 {
		out := Change{Origin: ch.Origin, Ops: appliedOps}
		for _, fn := range subs {
			for _, snap := range snapshots {
				fn(snap, out)
			}
		}
	}
	return applied
}

// mutate generates ops for the given fields, applies them locally,
// and notifies subscribers.
func (s *Store) mutate(noteID string, origin models.ChangeOrigin, fields map[string]any, create bool) (Change, error) {
	s.mu.Lock()

	if _, ok := s.notes[noteID]; !ok && !create {
		s.mu.Unlock()
		return Change{}, fmt.Errorf("docstore: note %s: %w", noteID, apperr.ErrNotFound)
	}

	ch := Change{Origin: origin}
	for field, value := range fields {
		s.clock++
		s.seq++
		op := Op{
			Replica: s.replica,
			Seq:     s.seq,
			Clock:   s.clock,
			NoteID:  noteID,
			Field:   field,
			Value:   value,
		}
		s.seen[opKey(op.Replica, op.Seq)] = struct{}{}
		s.applyOp(op)
		ch.Ops = append(ch.Ops, op)
	}

	subs := append([]Subscriber(nil), s.subs...)
	var snap models.Note
	if n, ok := s.notes[noteID]; ok {
		snap = copyNote(n)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap, ch)
	}
	return ch, nil
}

// applyOp applies one op under the store lock. Returns false when a
// newer assignment already owns the field.
func (s *Store) applyOp(op Op) bool {
	cur := s.stamps[op.NoteID]
	if cur == nil {
		cur = make(map[string]stamp)
		s.stamps[op.NoteID] = cur
	}
	incoming := stamp{clock: op.Clock, replica: op.Replica}
	if existing, ok := cur[op.Field]; ok && !incoming.beats(existing) {
		return false
	}
	cur[op.Field] = incoming

	n := s.notes[op.NoteID]
	if n == nil {
		n = &models.Note{ID: op.NoteID, Kind: models.KindMarkdown, CreatedAt: time.Now()}
		s.notes[op.NoteID] = n
	}
	setField(n, op.Field, op.Value)
	n.UpdatedAt = time.Now()
	return true
}

func setField(n *models.Note, field string, value any) {
	switch {
	case field == FieldTitle:
		n.Title = asString(value)
	case field == FieldBody:
		n.Body = asString(value)
	case field == FieldKind:
		if s := asString(value); s != "" {
			n.Kind = models.NoteKind(s)
		}
	case field == FieldArchived:
		if b, ok := value.(bool); ok {
			n.Archived = b
		}
	case field == FieldCreated:
		if t, err := time.Parse(time.RFC3339Nano, asString(value)); err == nil {
			n.CreatedAt = t
		}
	case strings.HasPrefix(field, PropPrefix):
		key := strings.TrimPrefix(field, PropPrefix)
		if value == nil {
			delete(n.Properties, key)
			return
		}
		if n.Properties == nil {
			n.Properties = make(map[string]any)
		}
		n.Properties[key] = value
	case strings.HasPrefix(field, ExtraPrefix):
		key := strings.TrimPrefix(field, ExtraPrefix)
		if value == nil {
			delete(n.Extra, key)
			return
		}
		if n.Extra == nil {
			n.Extra = make(map[string]any)
		}
		n.Extra[key] = value
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func opKey(replica string, seq uint64) string {
	return fmt.Sprintf("%s:%d", replica, seq)
}

func noteKind(k models.NoteKind) models.NoteKind {
	if k == "" {
		return models.KindMarkdown
	}
	return k
}

func copyNote(n *models.Note) models.Note {
	out := *n
	if n.Properties != nil {
		out.Properties = make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			out.Properties[k] = v
		}
	}
	if n.Extra != nil {
		out.Extra = make(map[string]any, len(n.Extra))
		for k, v := range n.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
