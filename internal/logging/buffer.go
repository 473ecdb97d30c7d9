package logging

import (
	"context"
	"log/slog"
	"sync"
)

// BufferHandler holds records until Flush is called, then writes them in
// order to the next handler with the flush attributes attached, and passes
// every later record straight through.
//
// It lets a connection log before its display name is known.
type BufferHandler struct {
	st *bufferState
	// wrap re-applies WithAttrs/WithGroup calls made on this handler.
	wrap func(slog.Handler) slog.Handler
}

type bufferState struct {
	mu      sync.Mutex
	next    slog.Handler
	flushed bool
	held    []heldRecord
}

type heldRecord struct {
	ctx  context.Context
	wrap func(slog.Handler) slog.Handler
	rec  slog.Record
}

// NewBufferHandler returns a buffering handler in front of next.
func NewBufferHandler(next slog.Handler) *BufferHandler {
	return &BufferHandler{
		st:   &bufferState{next: next},
		wrap: func(h slog.Handler) slog.Handler { return h },
	}
}

// Enabled reports whether the next handler accepts level.
func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	h.st.mu.Lock()
	next := h.st.next
	h.st.mu.Unlock()
	return next.Enabled(ctx, level)
}

// Handle buffers r, or writes it if the handler was flushed.
func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	h.st.mu.Lock()
	if !h.st.flushed {
		h.st.held = append(h.st.held, heldRecord{ctx: context.WithoutCancel(ctx), wrap: h.wrap, rec: r.Clone()})
		h.st.mu.Unlock()
		return nil
	}
	next := h.st.next
	h.st.mu.Unlock()

	return h.wrap(next).Handle(ctx, r)
}

// WithAttrs returns a handler sharing the buffer that adds attrs.
func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prev := h.wrap
	return &BufferHandler{
		st:   h.st,
		wrap: func(n slog.Handler) slog.Handler { return prev(n).WithAttrs(attrs) },
	}
}

// WithGroup returns a handler sharing the buffer that opens group name.
func (h *BufferHandler) WithGroup(name string) slog.Handler {
	prev := h.wrap
	return &BufferHandler{
		st:   h.st,
		wrap: func(n slog.Handler) slog.Handler { return prev(n).WithGroup(name) },
	}
}

// Flush attaches attrs to every buffered and future record and writes the
// buffered ones. Calls after the first are no-ops.
func (h *BufferHandler) Flush(attrs ...slog.Attr) {
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	if h.st.flushed {
		return
	}

	if len(attrs) > 0 {
		h.st.next = h.st.next.WithAttrs(attrs)
	}
	for _, held := range h.st.held {
		// Write errors have nowhere to go; slog ignores them as well.
		_ = held.wrap(h.st.next).Handle(held.ctx, held.rec)
	}
	h.st.held = nil
	h.st.flushed = true
}

// Flushed reports whether Flush has run.
func (h *BufferHandler) Flushed() bool {
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	return h.st.flushed
}
