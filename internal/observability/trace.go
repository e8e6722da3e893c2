package observability

import (
	"context"
	"sync"
	"time"
)

// DefaultTraceCapacity bounds the spans kept per request.
const DefaultTraceCapacity = 64

type Span struct {
	Name       string            `json:"name"`
	Start      time.Time         `json:"start"`
	DurationMS int64             `json:"durationMs"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// TraceBuffer is a fixed-size ring of spans scoped to one request. When full
// the oldest span is evicted and counted as dropped. Safe for concurrent use.
type TraceBuffer struct {
	mu      sync.Mutex
	spans   []Span
	next    int
	full    bool
	dropped int
}

func NewTraceBuffer(capacity int) *TraceBuffer {
	if capacity <= 0 {
		capacity = DefaultTraceCapacity
	}
	return &TraceBuffer{spans: make([]Span, capacity)}
}

func (b *TraceBuffer) Record(s Span) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		b.dropped++
	}
	b.spans[b.next] = s
	b.next = (b.next + 1) % len(b.spans)
	if b.next == 0 {
		b.full = true
	}
}

// Start returns a func that records a span named name when called.
func (b *TraceBuffer) Start(name string, attrs map[string]string) func() {
	if b == nil {
		return func() {}
	}
	started := time.Now()
	return func() {
		b.Record(Span{
			Name:       name,
			Start:      started,
			DurationMS: time.Since(started).Milliseconds(),
			Attrs:      attrs,
		})
	}
}

// Spans returns the buffered spans oldest first.
func (b *TraceBuffer) Spans() []Span {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		out := make([]Span, b.next)
		copy(out, b.spans[:b.next])
		return out
	}
	out := make([]Span, 0, len(b.spans))
	out = append(out, b.spans[b.next:]...)
	out = append(out, b.spans[:b.next]...)
	return out
}

func (b *TraceBuffer) Dropped() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

type traceBufferKey struct{}

func WithTraceBuffer(ctx context.Context, b *TraceBuffer) context.Context {
	return context.WithValue(ctx, traceBufferKey{}, b)
}

// TraceFrom returns the request's buffer, or nil. A nil buffer ignores records.
func TraceFrom(ctx context.Context) *TraceBuffer {
	if ctx == nil {
		return nil
	}
	b, _ := ctx.Value(traceBufferKey{}).(*TraceBuffer)
	return b
}
