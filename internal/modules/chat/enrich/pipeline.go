// Package enrich annotates user messages with machine-resolved facts before
// the model sees them. Enrichers run in a fixed order and each one sees the
// text produced by the previous one.
package enrich

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/huddle-backend/internal/observability"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

// Marker is the instructions heading the runtime block is inserted under.
const Marker = "## Runtime context"

const DefaultPreferenceTimeout = 500 * time.Millisecond

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryTurn is a persisted turn used for referent resolution.
type HistoryTurn struct {
	Role          string
	Content       string
	ActivityTitle string
	LocationName  string
}

type Draft struct {
	ActivityID   uuid.UUID
	Title        string
	LocationName string
	StartAt      *time.Time
	Capacity     int
}

type Point struct {
	Lat  float64
	Lng  float64
	Name string
}

// PreferenceSource answers the user's most frequent historical category.
type PreferenceSource interface {
	TopCategory(ctx context.Context, userID uuid.UUID) (string, error)
}

// Context is the per-request input shared by all enrichers.
type Context struct {
	Now               time.Time
	Location          *time.Location
	UserID            uuid.UUID
	Point             *Point
	Draft             *Draft
	History           []HistoryTurn
	Preferences       PreferenceSource
	PreferenceTimeout time.Duration
}

func (ec *Context) now() time.Time {
	loc := ec.Location
	if loc == nil {
		loc = defaultLocation()
	}
	now := ec.Now
	if now.IsZero() {
		now = time.Now()
	}
	return now.In(loc)
}

// Step is one enricher's output. An empty Text leaves the message as is.
type Step struct {
	Text  string
	Tags  []string
	Block string
}

func (s Step) fired(in string) bool {
	return (s.Text != "" && s.Text != in) || len(s.Tags) > 0 || strings.TrimSpace(s.Block) != ""
}

type Enricher interface {
	Name() string
	Enrich(ctx context.Context, text string, ec *Context) Step
}

type TraceEntry struct {
	Message   int      `json:"message"`
	Enricher  string   `json:"enricher"`
	Tags      []string `json:"tags,omitempty"`
	Rewritten bool     `json:"rewritten,omitempty"`
}

type Result struct {
	Messages []Message
	Block    string
	Trace    []TraceEntry
}

type Pipeline struct {
	log       *logger.Logger
	enrichers []Enricher
}

// New builds a pipeline over enrichers in the given order.
func New(log *logger.Logger, enrichers ...Enricher) *Pipeline {
	return &Pipeline{log: log.With("module", "enrich"), enrichers: enrichers}
}

// Default builds the standard five-step pipeline.
func Default(log *logger.Logger) *Pipeline {
	return New(log,
		DraftContext{},
		TimeExpression{},
		LocationContext{},
		Referent{},
		UserPreference{},
	)
}

// Run enriches every user message. Messages with no cue come back
// unchanged and add nothing to the trace.
func (p *Pipeline) Run(ctx context.Context, messages []Message, ec *Context) Result {
	if ec == nil {
		ec = &Context{}
	}
	out := Result{Messages: make([]Message, len(messages))}
	copy(out.Messages, messages)

	var blocks []string
	for i, m := range out.Messages {
		if m.Role != "user" {
			continue
		}
		text := m.Content
		for _, e := range p.enrichers {
			step, ok := p.runOne(ctx, e, text, ec)
			if !ok || !step.fired(text) {
				continue
			}
			entry := TraceEntry{Message: i, Enricher: e.Name(), Tags: step.Tags}
			if step.Text != "" && step.Text != text {
				entry.Rewritten = true
				text = step.Text
			}
			if b := strings.TrimSpace(step.Block); b != "" {
				blocks = append(blocks, b)
			}
			out.Trace = append(out.Trace, entry)
			observability.Current().IncEnricher(e.Name(), false)
		}
		out.Messages[i].Content = text
	}
	out.Block = MergeBlocks(blocks...)
	return out
}

func (p *Pipeline) runOne(ctx context.Context, e Enricher, text string, ec *Context) (step Step, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn("enricher panicked; skipping", "enricher", e.Name(), "panic", fmt.Sprint(r))
			observability.Current().IncEnricher(e.Name(), true)
			step, ok = Step{}, false
		}
	}()
	return e.Enrich(ctx, text, ec), true
}

// MergeBlocks joins blocks with blank lines, dropping empty and repeated ones.
func MergeBlocks(blocks ...string) string {
	seen := make(map[string]bool, len(blocks))
	kept := make([]string, 0, len(blocks))
	for _, b := range blocks {
		b = strings.TrimSpace(b)
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		kept = append(kept, b)
	}
	return strings.Join(kept, "\n\n")
}

// InjectBlock places block on the line after Marker, or at the end of
// instructions when the marker is missing.
func InjectBlock(instructions, block string) string {
	block = strings.TrimSpace(block)
	if block == "" {
		return instructions
	}
	idx := strings.Index(instructions, Marker)
	if idx < 0 {
		trimmed := strings.TrimRight(instructions, "\n")
		if trimmed == "" {
			return block + "\n"
		}
		return trimmed + "\n\n" + block + "\n"
	}
	lineEnd := strings.IndexByte(instructions[idx:], '\n')
	if lineEnd < 0 {
		return instructions + "\n" + block + "\n"
	}
	cut := idx + lineEnd + 1
	return instructions[:cut] + block + "\n" + instructions[cut:]
}

// defaultLocation is used when the request carries no time zone.
var defaultLocation = sync.OnceValue(func() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
})
