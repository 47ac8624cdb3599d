package events

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flintnotes/flintsync/internal/models"
)

// Notices is the registry of user-visible notifications. Transient
// notices are broadcast only; persistent ones are kept until
// explicitly dismissed. Anything risking silent data loss must go
// through Persistent.
type Notices struct {
	mu     sync.Mutex
	seq    int
	items  map[string]models.Notice
	broker *Broker
}

// NewNotices creates a notice registry publishing through broker.
func NewNotices(broker *Broker) *Notices {
	return &Notices{
		items:  make(map[string]models.Notice),
		broker: broker,
	}
}

// Transient broadcasts a short-lived notice (toast). Not retained.
func (n *Notices) Transient(noteID, message string) models.Notice {
	return n.emit(models.NoticeTransient, noteID, message)
}

// Persistent records a dismiss-only notice and broadcasts it.
func (n *Notices) Persistent(noteID, message string) models.Notice {
	return n.emit(models.NoticePersistent, noteID, message)
}

func (n *Notices) emit(level models.NoticeLevel, noteID, message string) models.Notice {
	n.mu.Lock()
	n.seq++
	notice := models.Notice{
		ID:        fmt.Sprintf("notice-%d", n.seq),
		Level:     level,
		NoteID:    noteID,
		Message:   message,
		CreatedAt: time.Now(),
	}
	if level == models.NoticePersistent {
		n.items[notice.ID] = notice
	}
	n.mu.Unlock()

	if n.broker != nil {
		n.broker.Publish(TypeNotice, notice)
	}
	return notice
}

// List returns all undismissed persistent notices, oldest first.
func (n *Notices) List() []models.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.Notice, 0, len(n.items))
	for _, item := range n.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Dismiss removes a persistent notice. Returns false if unknown.
func (n *Notices) Dismiss(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.items[id]; !ok {
		return false
	}
	delete(n.items, id)
	return true
}
