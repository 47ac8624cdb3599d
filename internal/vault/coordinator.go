// Package vault wires the write queue, file watcher, conflict
// resolver, codec, and sync bridge for one open vault and owns their
// lifecycles. Each vault gets its own coordinator instance; multiple
// open vaults stay fully isolated.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flintnotes/flintsync/internal/bridge"
	"github.com/flintnotes/flintsync/internal/checksum"
	"github.com/flintnotes/flintsync/internal/docstore"
	"github.com/flintnotes/flintsync/internal/events"
	"github.com/flintnotes/flintsync/internal/frontmatter"
	"github.com/flintnotes/flintsync/internal/history"
	"github.com/flintnotes/flintsync/internal/models"
	"github.com/flintnotes/flintsync/internal/resolver"
	"github.com/flintnotes/flintsync/internal/storage"
	"github.com/flintnotes/flintsync/internal/watcher"
	"github.com/flintnotes/flintsync/internal/writequeue"
)

// DefaultFlushTimeout bounds FlushAll at shutdown; expiry is logged as
// a potential data-loss event.
const DefaultFlushTimeout = 5 * time.Second

// Config holds per-vault coordinator settings.
type Config struct {
	VaultPath   string
	HistoryPath string
	ReplicaID   string
	// Debounce overrides the write queue delay (tests). Zero selects
	// the default.
	Debounce     time.Duration
	FlushTimeout time.Duration
	// InitVault creates the engine-managed marker when missing.
	// Without it, opening an unmarked directory fails, so unrelated
	// directories are never mistaken for vaults.
	InitVault bool
	// Peer, when set, is this replica's side of the sync bridge to
	// the other process's replica.
	Peer   *bridge.Endpoint
	Logger *slog.Logger
}

// Coordinator orchestrates sync for one open vault.
type Coordinator struct {
	cfg Config

	fs      *storage.FS
	store   *docstore.Store
	queue   *writequeue.Queue
	watch   *watcher.Watcher
	res     *resolver.Resolver
	hist    *history.DB
	broker  *events.Broker
	notices *events.Notices
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	opened bool
}

// New creates an unopened coordinator.
func New(cfg Config) *Coordinator {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.ReplicaID == "" {
		cfg.ReplicaID = "ui-" + uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, logger: cfg.Logger}
}

// Open starts sync for the vault: verifies the marker, hydrates the
// document store from disk, and starts the watcher and bridge relay.
func (c *Coordinator) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return errors.New("vault: already open")
	}

	fs, err := storage.NewFS(c.cfg.VaultPath)
	if err != nil {
		return err
	}
	if !fs.HasMarker() {
		if !c.cfg.InitVault {
			return fmt.Errorf("vault: %s is not engine-managed (missing %s)", c.cfg.VaultPath, storage.MarkerFile)
		}
		if err := fs.WriteMarker(); err != nil {
			return err
		}
	}
	c.fs = fs

	hist, err := history.Open(c.cfg.HistoryPath)
	if err != nil {
		return err
	}
	c.hist = hist

	c.store = docstore.NewStore(c.cfg.ReplicaID)
	c.broker = events.NewBroker()
	c.notices = events.NewNotices(c.broker)

	c.watch = watcher.New(fs,
		func(path string) (string, bool) {
			if c.res == nil {
				return "", false
			}
			return c.res.HashForPath(path)
		},
		func(ev models.WatcherEvent) {
			if c.res != nil {
				c.res.HandleEvent(ev)
			}
		},
		c.logger)

	c.queue = writequeue.New(fs, c.watch, c.notices, c.onWritten, c.cfg.Debounce, c.logger)

	c.res = resolver.New(resolver.Config{
		Store:        c.store,
		History:      hist,
		Notices:      c.notices,
		Broker:       c.broker,
		ReadFile:     fs.Read,
		Persist:      c.persistNote,
		PendingWrite: c.queue.Pending,
		Logger:       c.logger,
	})

	if err := c.hydrate(); err != nil {
		hist.Close()
		c.broker.Close()
		return err
	}

	c.store.Subscribe(c.onStoreChange)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.watch.Run(runCtx, fs.Root()); err != nil {
			c.logger.Error("vault: watcher failed", slog.String("error", err.Error()))
		}
	}()

	if c.cfg.Peer != nil {
		c.cfg.Peer.SetApply(c.applyRemote)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_ = c.cfg.Peer.Run(runCtx)
		}()
	}

	c.opened = true
	c.logger.Info("vault: opened",
		slog.String("path", fs.Root()),
		slog.String("replica", c.cfg.ReplicaID),
		slog.Int("notes", c.store.Len()))
	return nil
}

// hydrate loads every managed file on disk into the document store.
// Files without valid front matter stay opaque and unmanaged.
func (c *Coordinator) hydrate() error {
	metas, err := c.fs.List("")
	if err != nil {
		return err
	}
	for _, m := range metas {
		data, readErr := c.fs.Read(m.Path)
		if readErr != nil {
			c.logger.Warn("vault: hydrate read failed", slog.String("path", m.Path), slog.String("error", readErr.Error()))
			continue
		}
		note, decErr := frontmatter.Decode(data)
		if decErr != nil {
			c.logger.Debug("vault: skipping unmanaged file", slog.String("path", m.Path))
			continue
		}
		c.store.Put(*note, models.OriginExternalFile)
		c.res.TrackPath(note.ID, m.Path, checksum.Sum(data))
		if err := c.hist.RecordWrite(*note, m.Path, data); err != nil {
			c.logger.Warn("vault: hydrate history failed", slog.String("path", m.Path), slog.String("error", err.Error()))
		}
	}
	return nil
}

// onStoreChange is the store subscriber driving the write path and
// the bridge relay. Disk-originated changes never write back to disk
// (write-loop prevention); bridge-originated changes are persisted but
// not echoed back to the peer.
func (c *Coordinator) onStoreChange(note models.Note, ch docstore.Change) {
	switch ch.Origin {
	case models.OriginExternalFile:
		return
	case models.OriginUser, models.OriginAgent:
		c.persistNote(note)
		c.relay(ch)
	case models.OriginOtherEditor:
		c.persistNote(note)
	}
}

// persistNote serializes a note and enqueues the debounced disk write.
func (c *Coordinator) persistNote(note models.Note) {
	path, ok := c.res.PathFor(note.ID)
	if !ok {
		path = frontmatter.Filename(note.Title, note.ID, c.fs.Exists)
		c.res.TrackPath(note.ID, path, "")
	}
	data, err := frontmatter.Encode(note)
	if err != nil {
		c.logger.Error("vault: encode failed", slog.String("note_id", note.ID), slog.String("error", err.Error()))
		c.notices.Persistent(note.ID, fmt.Sprintf("cannot serialize note %s: %v", note.ID, err))
		return
	}
	c.queue.Enqueue(note.ID, path, data)
}

// relay forwards a local change to the peer replica.
func (c *Coordinator) relay(ch docstore.Change) {
	if c.cfg.Peer == nil {
		return
	}
	payload, err := ch.Encode()
	if err != nil {
		c.logger.Error("vault: change encode failed", slog.String("error", err.Error()))
		return
	}
	if err := c.cfg.Peer.Send(payload); err != nil {
		c.notices.Persistent("", "sync channel saturated; changes are no longer relayed")
		c.logger.Error("vault: bridge send failed", slog.String("error", err.Error()))
	}
}

// applyRemote applies a change frame received over the bridge. Agent
// changes landing on a note with unsaved local edits surface the
// blocking agent conflict, exactly as a local agent mutation would.
func (c *Coordinator) applyRemote(payload []byte) error {
	ch, err := docstore.DecodeChange(payload)
	if err != nil {
		return err
	}
	remoteOrigin := ch.Origin
	ch.Origin = models.OriginOtherEditor
	c.store.ApplyChange(ch)

	if remoteOrigin == models.OriginAgent {
		for _, op := range ch.Ops {
			c.res.FlagRemoteAgentEdit(op.NoteID)
		}
	}
	return nil
}

// onWritten records a successful disk write: known-hash tracking for
// the watcher and a revision in history.
func (c *Coordinator) onWritten(noteID, path string, content []byte) {
	c.res.TrackPath(noteID, path, checksum.Sum(content))
	if note, ok := c.store.Get(noteID); ok {
		if err := c.hist.RecordWrite(note, path, content); err != nil {
			c.logger.Warn("vault: history record failed", slog.String("note_id", noteID), slog.String("error", err.Error()))
		}
	}
	c.logger.Debug("vault: note written", slog.String("note_id", noteID), slog.String("path", path))
}

// CreateNote creates a new note in the store. The disk file and path
// follow through the usual write path.
func (c *Coordinator) CreateNote(title, body string, props map[string]any, origin models.ChangeOrigin) (models.Note, error) {
	if origin == models.OriginAgent || origin == models.OriginUser {
		note := models.Note{
			ID:         "n-" + uuid.NewString(),
			Title:      title,
			Body:       body,
			Kind:       models.KindMarkdown,
			Properties: props,
			CreatedAt:  time.Now(),
		}
		c.store.Put(note, origin)
		created, _ := c.store.Get(note.ID)
		return created, nil
	}
	return models.Note{}, fmt.Errorf("vault: create note: unsupported origin %q", origin)
}

// ApplyUserEdit applies a user-originated field mutation.
func (c *Coordinator) ApplyUserEdit(noteID string, fields map[string]any) error {
	_, err := c.store.Update(noteID, fields, models.OriginUser)
	return err
}

// ApplyAgentMutation routes an agent mutation through conflict policy.
func (c *Coordinator) ApplyAgentMutation(noteID string, fields map[string]any) error {
	return c.res.ApplyAgentMutation(noteID, fields)
}

// SyncNow forces every pending write, the explicit "sync now" command.
func (c *Coordinator) SyncNow(ctx context.Context) error {
	err := c.queue.FlushAll(ctx)
	if err == nil {
		c.broker.Publish(events.TypeSyncFlushed, map[string]int{"pending": c.queue.Len()})
	}
	return err
}

// Close flushes all pending writes (bounded) and tears everything
// down. A flush timeout is surfaced, never silently ignored.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return nil
	}
	c.opened = false

	flushCtx, cancel := context.WithTimeout(context.Background(), c.cfg.FlushTimeout)
	defer cancel()
	flushErr := c.queue.FlushAll(flushCtx)

	c.queue.Close()
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.broker.Close()
	if err := c.hist.Close(); err != nil {
		c.logger.Warn("vault: history close failed", slog.String("error", err.Error()))
	}

	c.logger.Info("vault: closed", slog.String("path", c.fs.Root()))
	return flushErr
}

// Accessors for collaborator surfaces (control API, agent server).

func (c *Coordinator) Store() *docstore.Store       { return c.store }
func (c *Coordinator) Resolver() *resolver.Resolver { return c.res }
func (c *Coordinator) Queue() *writequeue.Queue     { return c.queue }
func (c *Coordinator) Notices() *events.Notices     { return c.notices }
func (c *Coordinator) Broker() *events.Broker       { return c.broker }
func (c *Coordinator) History() *history.DB         { return c.hist }
func (c *Coordinator) VaultRoot() string            { return c.fs.Root() }
