// Package tools holds the functions the chat agents may call. Each tool is
// data plus a Call func; the registry enforces identity gating so an
// anonymous caller can never reach a tool that acts on a user's behalf.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/huddle-backend/internal/domain"
	"github.com/yungbote/huddle-backend/internal/modules/chat/enrich"
	pkgerrors "github.com/yungbote/huddle-backend/internal/pkg/errors"
	"github.com/yungbote/huddle-backend/internal/platform/llm"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

// Call is one invocation with the caller's runtime context attached.
type Call struct {
	Name      string
	Args      map[string]any
	UserID    uuid.UUID
	ThreadID  uuid.UUID
	Utterance string
	Point     *enrich.Point
	Draft     *enrich.Draft
	Profile   *types.WorkingProfile
	Now       time.Time
	Turn      *TurnState
}

func (c Call) Authenticated() bool { return c.UserID != uuid.Nil }

// TurnState is shared by every tool call of one chat turn. A nil TurnState
// records nothing.
type TurnState struct {
	mu     sync.Mutex
	opened map[uuid.UUID]bool
}

// MarkOpened notes a broker session whose clarify form was first shown in
// this turn.
func (t *TurnState) MarkOpened(id uuid.UUID) {
	if t == nil || id == uuid.Nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.opened == nil {
		t.opened = map[uuid.UUID]bool{}
	}
	t.opened[id] = true
}

func (t *TurnState) Opened(id uuid.UUID) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened[id]
}

// AnyOpened reports whether this turn showed a new clarify form.
func (t *TurnState) AnyOpened() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.opened) > 0
}

// Result is what a tool hands back to the model. Widget names the message
// kind the client renders Content with; Empty marks a search with no hits.
type Result struct {
	Content  any
	Widget   string
	Empty    bool
	EntityID *uuid.UUID
}

type Tool struct {
	Name             string
	Description      string
	Parameters       map[string]any
	RequiresIdentity bool
	Call             func(ctx context.Context, c Call) (Result, error)
}

type Registry struct {
	log   *logger.Logger
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{log: log.With("module", "tools"), tools: map[string]Tool{}}
}

func (r *Registry) Register(t Tool) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name is empty")
	}
	if t.Call == nil {
		return fmt.Errorf("tool %s has no Call", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool already registered: %s", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Specs returns model-facing specs for names, in order, skipping unknown ones.
func (r *Registry) Specs(names []string) []llm.ToolSpec {
	out := make([]llm.ToolSpec, 0, len(names))
	for _, n := range names {
		t, ok := r.Get(n)
		if !ok {
			r.log.Warn("Routed tool is not registered", "tool", n)
			continue
		}
		params := t.Parameters
		if params == nil {
			params = object(nil)
		}
		out = append(out, llm.ToolSpec{Name: t.Name, Description: t.Description, Parameters: params})
	}
	return out
}

// Call runs the named tool. Identity-gated tools refuse anonymous callers
// with ErrUnauthorized before any side effect.
func (r *Registry) Call(ctx context.Context, c Call) (Result, error) {
	t, ok := r.Get(c.Name)
	if !ok {
		return Result{}, fmt.Errorf("tool %s: %w", c.Name, pkgerrors.ErrNotFound)
	}
	if t.RequiresIdentity && !c.Authenticated() {
		return Result{}, fmt.Errorf("tool %s: %w", c.Name, pkgerrors.ErrUnauthorized)
	}
	if c.Args == nil {
		c.Args = map[string]any{}
	}
	if c.Now.IsZero() {
		c.Now = time.Now()
	}
	return t.Call(ctx, c)
}

// ---- schema and argument helpers ----

func object(props map[string]any, required ...string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	out := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func num(desc string) map[string]any {
	return map[string]any{"type": "number", "description": desc}
}

func argString(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func argFloat(args map[string]any, key string) (float64, bool) {
	switch t := args[key].(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(t), "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func argInt(args map[string]any, key string) int {
	f, ok := argFloat(args, key)
	if !ok {
		return 0
	}
	return int(f)
}

func argTime(args map[string]any, key string) (*time.Time, error) {
	s := argString(args, key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339: %w", key, pkgerrors.ErrInvalidArgument)
	}
	return &t, nil
}

func argUUID(args map[string]any, key string) (uuid.UUID, error) {
	s := argString(args, key)
	if s == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s is not a valid id: %w", key, pkgerrors.ErrInvalidArgument)
	}
	return id, nil
}
