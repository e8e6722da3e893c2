// Package output runs the post-generation processors over an assistant turn
// before it is returned to the caller.
package output

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/huddle-backend/internal/modules/chat/enrich"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

// Turn is the assistant reply flowing through the processors.
type Turn struct {
	ThreadID uuid.UUID
	UserID   uuid.UUID
	Text     string
	Kind     string
	Payload  any
	EntityID *uuid.UUID
	// Interrupted marks a reply cut short by a client disconnect.
	Interrupted bool

	// Set by the persist processor.
	MessageID uuid.UUID
	Seq       int64
}

type Processor interface {
	Name() string
	Process(ctx context.Context, t *Turn) error
}

type funcProcessor struct {
	name string
	fn   func(ctx context.Context, t *Turn) error
}

func (f funcProcessor) Name() string { return f.name }

func (f funcProcessor) Process(ctx context.Context, t *Turn) error { return f.fn(ctx, t) }

// Func adapts fn into a named Processor.
func Func(name string, fn func(ctx context.Context, t *Turn) error) Processor {
	return funcProcessor{name: name, fn: fn}
}

// Chain runs processors in order and stops at the first error.
type Chain struct {
	log   *logger.Logger
	procs []Processor
}

func NewChain(log *logger.Logger, procs ...Processor) *Chain {
	return &Chain{log: log.With("module", "output"), procs: procs}
}

func (c *Chain) Run(ctx context.Context, t *Turn) error {
	for _, p := range c.procs {
		if err := p.Process(ctx, t); err != nil {
			c.log.Warn("output processor failed", "processor", p.Name(), "error", err)
			return fmt.Errorf("%s: %w", p.Name(), err)
		}
	}
	return nil
}

var leakedHeader = regexp.MustCompile(`^\s*(` + regexp.QuoteMeta(enrich.Marker) + `|\[(draft|time|location|referent|preference)\])\s*$`)

// Guard strips runtime-context blocks the model echoed back verbatim.
type Guard struct{}

func (Guard) Name() string { return "output_guard" }

func (Guard) Process(_ context.Context, t *Turn) error {
	t.Text = StripLeaked(t.Text)
	return nil
}

// StripLeaked removes every line from a leaked header up to the next blank
// line.
func StripLeaked(text string) string {
	if !strings.Contains(text, "[") && !strings.Contains(text, enrich.Marker) {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	skipping := false
	stripped := false
	for _, line := range lines {
		if leakedHeader.MatchString(line) {
			skipping, stripped = true, true
			continue
		}
		if skipping {
			if strings.TrimSpace(line) == "" {
				skipping = false
			}
			continue
		}
		kept = append(kept, line)
	}
	if !stripped {
		return text
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
