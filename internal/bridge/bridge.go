// Package bridge relays opaque CRDT change payloads between the
// UI-side and backend-side replicas. It performs no merge logic;
// correctness relies on the document store's commutative, idempotent
// apply semantics. The channel is at-least-once: every sender attaches
// a monotonically increasing sequence number and receivers drop
// duplicates and stale frames.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flintnotes/flintsync/internal/apperr"
)

// DefaultBufferMax bounds the local overflow buffer. Exhausting it is
// treated as fatal.
const DefaultBufferMax = 4096

// Frame is one transported change payload.
type Frame struct {
	Sender  string `json:"sender"`
	Seq     uint64 `json:"seq"`
	Payload []byte `json:"payload"`
}

// ApplyFunc consumes a received payload (docstore change decode+apply).
type ApplyFunc func(payload []byte) error

// Endpoint is one side of the bridge. Send never blocks: when the
// channel is saturated, frames buffer locally; buffer exhaustion is
// fatal and logged, never silently dropped.
type Endpoint struct {
	name   string
	out    chan<- Frame
	in     <-chan Frame
	apply  ApplyFunc
	logger *slog.Logger

	mu       sync.Mutex
	seq      uint64
	buf      []Frame
	bufMax   int
	lastSeen map[string]uint64
	fatal    bool
}

// NewPair creates two cross-wired endpoints. chanCap is the in-flight
// channel capacity; bufMax <= 0 selects DefaultBufferMax.
func NewPair(nameA, nameB string, chanCap, bufMax int, logger *slog.Logger) (*Endpoint, *Endpoint) {
	if chanCap <= 0 {
		chanCap = 64
	}
	if bufMax <= 0 {
		bufMax = DefaultBufferMax
	}
	aToB := make(chan Frame, chanCap)
	bToA := make(chan Frame, chanCap)

	a := &Endpoint{name: nameA, out: aToB, in: bToA, bufMax: bufMax, logger: logger, lastSeen: make(map[string]uint64)}
	b := &Endpoint{name: nameB, out: bToA, in: aToB, bufMax: bufMax, logger: logger, lastSeen: make(map[string]uint64)}
	return a, b
}

// SetApply registers the receive handler. Must be called before Run.
func (e *Endpoint) SetApply(fn ApplyFunc) { e.apply = fn }

// Name returns the endpoint's replica name.
func (e *Endpoint) Name() string { return e.name }

// Send enqueues a payload for the peer, tagging it with the next
// sequence number. Returns apperr.ErrChannelSaturated once the
// overflow buffer is exhausted; the endpoint is then fatal.
func (e *Endpoint) Send(payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fatal {
		return fmt.Errorf("bridge %s: endpoint failed: %w", e.name, apperr.ErrChannelSaturated)
	}

	e.seq++
	frame := Frame{Sender: e.name, Seq: e.seq, Payload: payload}

	// Preserve order: drain the overflow buffer before new frames.
	e.drainLocked()
	if len(e.buf) == 0 {
		select {
		case e.out <- frame:
			return nil
		default:
		}
	}

	if len(e.buf) >= e.bufMax {
		e.fatal = true
		e.logger.Error("bridge: overflow buffer exhausted",
			slog.String("endpoint", e.name),
			slog.Int("buffered", len(e.buf)))
		return fmt.Errorf("bridge %s: buffer exhausted: %w", e.name, apperr.ErrChannelSaturated)
	}
	e.buf = append(e.buf, frame)
	return nil
}

// drainLocked moves as many buffered frames as fit onto the channel.
func (e *Endpoint) drainLocked() {
	for len(e.buf) > 0 {
		select {
		case e.out <- e.buf[0]:
			e.buf = e.buf[1:]
		default:
			return
		}
	}
}

// Buffered returns the overflow buffer depth.
func (e *Endpoint) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}

// Run receives frames until ctx is cancelled, applying each payload
// at most once per sequence number.
func (e *Endpoint) Run(ctx context.Context) error {
	e.logger.Info("bridge: relay started", slog.String("endpoint", e.name))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("bridge: relay stopped", slog.String("endpoint", e.name))
			return nil
		case frame, ok := <-e.in:
			if !ok {
				return nil
			}
			e.receive(frame)
			e.mu.Lock()
			e.drainLocked()
			e.mu.Unlock()
		}
	}
}

// receive applies one frame unless it is a duplicate or stale.
func (e *Endpoint) receive(frame Frame) {
	e.mu.Lock()
	last := e.lastSeen[frame.Sender]
	if frame.Seq <= last {
		e.mu.Unlock()
		e.logger.Debug("bridge: dropped duplicate frame",
			slog.String("endpoint", e.name),
			slog.String("sender", frame.Sender),
			slog.Uint64("seq", frame.Seq))
		return
	}
	e.lastSeen[frame.Sender] = frame.Seq
	apply := e.apply
	e.mu.Unlock()

	if apply == nil {
		return
	}
	if err := apply(frame.Payload); err != nil {
		e.logger.Warn("bridge: apply failed",
			slog.String("endpoint", e.name),
			slog.Uint64("seq", frame.Seq),
			slog.String("error", err.Error()))
	}
}
