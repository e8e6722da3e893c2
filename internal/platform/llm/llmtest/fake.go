// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/yungbote/huddle-backend/internal/platform/llm"
)

// Fake replays scripted generations in order and records every request.
// StructuredJSON is decoded into the caller's out value; EmbedVector is
// returned for every Embed call.
type Fake struct {
	mu sync.Mutex

	Generations    []llm.Generation
	GenerateErr    error
	StructuredJSON string
	StructuredErr  error
	EmbedVector    []float32
	EmbedErr       error

	Requests         []llm.TextRequest
	StructuredCalls  int
	EmbedCalls       int
	StructuredPrompt string
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) GenerateText(ctx context.Context, req llm.TextRequest) (llm.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.GenerateErr != nil {
		return llm.Generation{}, f.GenerateErr
	}
	if len(f.Generations) == 0 {
		return llm.Generation{}, llm.ErrEmptyResponse
	}
	gen := f.Generations[0]
	f.Generations = f.Generations[1:]
	return gen, nil
}

func (f *Fake) StreamText(ctx context.Context, req llm.TextRequest, onDelta func(string)) (llm.Generation, error) {
	gen, err := f.GenerateText(ctx, req)
	if err != nil {
		return gen, err
	}
	if onDelta != nil {
		for _, r := range gen.Text {
			if ctx.Err() != nil {
				return llm.Generation{}, ctx.Err()
			}
			onDelta(string(r))
		}
	}
	return gen, nil
}

func (f *Fake) GenerateStructured(ctx context.Context, prompt string, schemaName string, schema map[string]any, out any) error {
	f.mu.Lock()
	f.StructuredCalls++
	f.StructuredPrompt = prompt
	raw, err := f.StructuredJSON, f.StructuredErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if raw == "" {
		return llm.ErrEmptyResponse
	}
	return json.Unmarshal([]byte(raw), out)
}

func (f *Fake) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EmbedCalls++
	if f.EmbedErr != nil {
		return nil, f.EmbedErr
	}
	if len(f.EmbedVector) == 0 {
		return nil, errors.New("llmtest: no embed vector scripted")
	}
	out := make([]float32, len(f.EmbedVector))
	copy(out, f.EmbedVector)
	return out, nil
}

var _ llm.Provider = (*Fake)(nil)
