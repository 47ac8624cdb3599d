// Package writequeue debounces and batches outgoing disk writes with
// per-note coalescing, bounded retry, and explicit flush triggers.
package writequeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flintnotes/flintsync/internal/apperr"
	"github.com/flintnotes/flintsync/internal/models"
)

// DefaultDelay is the debounce interval between the last enqueue and
// the disk write.
const DefaultDelay = 1000 * time.Millisecond

// defaultBackoff holds the retry delays; len(defaultBackoff) is the
// attempt budget per flush.
var defaultBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1000 * time.Millisecond}

// Suppressor registers an expected self-inflicted filesystem touch so
// the watcher never classifies our own writes as external.
type Suppressor interface {
	Expect(path string)
}

// Sink performs the actual disk write (storage.Provider subset).
type Sink interface {
	Write(path string, content []byte) error
}

// NoticeSink surfaces persistent, dismiss-only failure notices.
type NoticeSink interface {
	Persistent(noteID, message string) models.Notice
}

// WrittenFunc observes every successful write. The coordinator uses it
// to record revisions and refresh known content hashes.
type WrittenFunc func(noteID, path string, content []byte)

type entry struct {
	pw    models.PendingWrite
	timer *time.Timer
}

// Queue coalesces pending writes per note: at most one PendingWrite
// exists per note, a later enqueue replaces it and resets the delay
// timer. Writes for one note never interleave (per-note lock); writes
// across notes carry no ordering guarantee.
type Queue struct {
	delay    time.Duration
	backoff  []time.Duration
	store    Sink
	suppress Suppressor
	notices  NoticeSink
	written  WrittenFunc
	logger   *slog.Logger

	mu        sync.Mutex
	pending   map[string]*entry
	noteLocks map[string]*sync.Mutex
	closed    bool
}

// New creates a write queue. delay <= 0 selects the default debounce.
func New(store Sink, suppress Suppressor, notices NoticeSink, written WrittenFunc, delay time.Duration, logger *slog.Logger) *Queue {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Queue{
		delay:     delay,
		backoff:   defaultBackoff,
		store:     store,
		suppress:  suppress,
		notices:   notices,
		written:   written,
		logger:    logger,
		pending:   make(map[string]*entry),
		noteLocks: make(map[string]*sync.Mutex),
	}
}

// Enqueue records (or overwrites) the pending write for a note and
// resets its delay timer. Returns immediately.
func (q *Queue) Enqueue(noteID, path string, content []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if e, ok := q.pending[noteID]; ok {
		e.pw.Path = path
		e.pw.Content = content
		e.pw.EnqueuedAt = time.Now()
		if e.timer == nil {
			e.timer = q.newTimer(noteID)
		} else {
			e.timer.Reset(q.delay)
		}
		return
	}

	q.pending[noteID] = &entry{
		pw: models.PendingWrite{
			NoteID:     noteID,
			Path:       path,
			Content:    content,
			EnqueuedAt: time.Now(),
		},
		timer: q.newTimer(noteID),
	}
}

// Pending reports whether a note has an unflushed write.
func (q *Queue) Pending(noteID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[noteID]
	return ok
}

// Len returns the number of notes with pending writes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush forces the pending write for one note, if any. Idempotent.
// On transient failure it retries with backoff; on exhaustion it
// surfaces a persistent notice and keeps the entry queued — data is
// never silently dropped.
func (q *Queue) Flush(ctx context.Context, noteID string) error {
	lock := q.noteLock(noteID)
	lock.Lock()
	defer lock.Unlock()

	q.mu.Lock()
	e, ok := q.pending[noteID]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(q.pending, noteID)
	pw := e.pw
	q.mu.Unlock()

	err := q.write(ctx, &pw)
	if err == nil {
		if q.written != nil {
			q.written(pw.NoteID, pw.Path, pw.Content)
		}
		return nil
	}

	// Keep the entry queued for manual retry unless a newer enqueue
	// already replaced it. No timer: it waits for an explicit flush.
	q.mu.Lock()
	if _, racing := q.pending[noteID]; !racing && !q.closed {
		q.pending[noteID] = &entry{pw: pw}
	}
	q.mu.Unlock()

	q.notices.Persistent(noteID, fmt.Sprintf("failed to save %s: %v", pw.Path, err))
	q.logger.Error("writequeue: write exhausted retries",
		slog.String("note_id", noteID),
		slog.String("path", pw.Path),
		slog.Int("attempts", pw.Attempts),
		slog.String("error", err.Error()))
	return err
}

// write performs the disk write with bounded retry. The self-write
// suppression set is populated before every attempt, closing the
// write/notice race window.
func (q *Queue) write(ctx context.Context, pw *models.PendingWrite) error {
	var lastErr error
	for i := 0; i < len(q.backoff); i++ {
		pw.Attempts++
		q.suppress.Expect(pw.Path)
		err := q.store.Write(pw.Path, pw.Content)
		if err == nil {
			return nil
		}
		lastErr = apperr.ClassifyIO(err)
		q.logger.Warn("writequeue: write attempt failed",
			slog.String("note_id", pw.NoteID),
			slog.Int("attempt", pw.Attempts),
			slog.Bool("transient", errors.Is(lastErr, apperr.ErrTransientIO)),
			slog.String("error", err.Error()))

		if i == len(q.backoff)-1 {
			break
		}
		select {
		case <-time.After(q.backoff[i]):
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		}
	}
	return lastErr
}

// FlushAll forces every pending write. Invoked at shutdown, system
// suspend, active-note switch, and the explicit "sync now" command.
// It completes or times out with ctx; a timeout is logged as a
// potential data-loss event, never silently ignored.
func (q *Queue) FlushAll(ctx context.Context) error {
	q.mu.Lock()
	ids := make([]string, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(noteID string) {
				defer wg.Done()
				_ = q.Flush(ctx, noteID)
			}(id)
		}
		wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.notices.Persistent("", "flush timed out with unsaved notes; data may be lost")
		q.logger.Error("writequeue: flush-all timed out, potential data loss",
			slog.Int("remaining", q.Len()))
		return fmt.Errorf("writequeue: flush all: %w", ctx.Err())
	}
}

// Close stops accepting new enqueues. Callers flush first.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, e := range q.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}

func (q *Queue) newTimer(noteID string) *time.Timer {
	return time.AfterFunc(q.delay, func() {
		if err := q.Flush(context.Background(), noteID); err != nil {
			q.logger.Warn("writequeue: debounced write failed",
				slog.String("note_id", noteID),
				slog.String("error", err.Error()))
		}
	})
}

func (q *Queue) noteLock(noteID string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	lock, ok := q.noteLocks[noteID]
	if !ok {
		lock = &sync.Mutex{}
		q.noteLocks[noteID] = lock
	}
	return lock
}
