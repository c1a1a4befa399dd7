package log

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

const defaultBufferLines = 500

// RingBuffer keeps the most recent log lines.
type RingBuffer struct {
	mu      sync.RWMutex
	lines   []string
	next    int // write position
	count   int
	evicted uint64
}

// NewRingBuffer creates a buffer holding up to capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultBufferLines
	}
	return &RingBuffer{lines: make([]string, capacity)}
}

// Add appends a line, evicting the oldest one when full.
func (rb *RingBuffer) Add(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == len(rb.lines) {
		rb.evicted++
	} else {
		rb.count++
	}
	rb.lines[rb.next] = line
	rb.next = (rb.next + 1) % len(rb.lines)
}

// Lines returns up to the last n lines, oldest first.
func (rb *RingBuffer) Lines(n int) []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n > rb.count {
		n = rb.count
	}
	if n <= 0 {
		return []string{}
	}
	out := make([]string, n)
	first := rb.next - n
	if first < 0 {
		first += len(rb.lines)
	}
	for i := range out {
		out[i] = rb.lines[(first+i)%len(rb.lines)]
	}
	return out
}

// Total returns the number of buffered lines.
func (rb *RingBuffer) Total() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Capacity returns the buffer capacity.
func (rb *RingBuffer) Capacity() int {
	return len(rb.lines)
}

// Evicted returns how many lines were pushed out by newer ones.
func (rb *RingBuffer) Evicted() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.evicted
}

// BufferHandler records every record as a text line in a RingBuffer,
// regardless of level, and forwards it to the wrapped handler when that
// handler accepts the level.
type BufferHandler struct {
	wrapped slog.Handler
	capture slog.Handler
	out     *lineWriter
}

// NewBufferHandler wraps handler. A nil handler only captures.
func NewBufferHandler(wrapped slog.Handler, buffer *RingBuffer) *BufferHandler {
	out := &lineWriter{buffer: buffer}
	return &BufferHandler{
		wrapped: wrapped,
		capture: slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}),
		out:     out,
	}
}

// Enabled always reports true; the wrapped handler filters on its own.
func (h *BufferHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle buffers r and forwards it.
func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	h.capture.Handle(ctx, r)
	if h.wrapped != nil && h.wrapped.Enabled(ctx, r.Level) {
		return h.wrapped.Handle(ctx, r.Clone())
	}
	return nil
}

// WithAttrs applies attrs to both the buffer and the wrapped handler.
func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &BufferHandler{capture: h.capture.WithAttrs(attrs), out: h.out}
	if h.wrapped != nil {
		next.wrapped = h.wrapped.WithAttrs(attrs)
	}
	return next
}

// WithGroup applies the group to both the buffer and the wrapped handler.
func (h *BufferHandler) WithGroup(name string) slog.Handler {
	next := &BufferHandler{capture: h.capture.WithGroup(name), out: h.out}
	if h.wrapped != nil {
		next.wrapped = h.wrapped.WithGroup(name)
	}
	return next
}

// lineWriter turns each formatted record into one buffer line.
type lineWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	buffer *RingBuffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line; keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		w.buffer.Add(strings.TrimSuffix(line, "\n"))
	}
}
