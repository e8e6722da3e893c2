// Package llm is the provider-agnostic boundary between the conversation
// engine and hosted models.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrEmptyResponse is returned when the model produced neither text nor tool calls.
var ErrEmptyResponse = errors.New("llm: empty response")

type ChatMessage struct {
	Role    string
	Content string
	// ToolCallID ties a RoleTool message to the call it answers.
	ToolCallID string
	ToolName   string
	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall
}

type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON schema object.
	Parameters map[string]any
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Args decodes the raw JSON arguments. Malformed input yields an empty map.
func (c ToolCall) Args() map[string]any {
	out := map[string]any{}
	raw := strings.TrimSpace(c.Arguments)
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

type TextRequest struct {
	Instructions string
	Messages     []ChatMessage
	Tools        []ToolSpec
	Temperature  float32
	MaxTokens    int
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

type Generation struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider is implemented by every hosted model backend.
type Provider interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	GenerateText(ctx context.Context, req TextRequest) (Generation, error)

	// StreamText calls onDelta for each text fragment as it arrives and
	// returns the assembled generation. Tool calls are only available on
	// the returned value.
	StreamText(ctx context.Context, req TextRequest, onDelta func(string)) (Generation, error)

	// GenerateStructured asks for a JSON object matching schema and decodes it into out.
	GenerateStructured(ctx context.Context, prompt string, schemaName string, schema map[string]any, out any) error

	Embed(ctx context.Context, text string) ([]float32, error)
}

// DecodeJSON unmarshals model output, tolerating fenced code blocks.
func DecodeJSON(raw string, out any) error {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if s == "" {
		return ErrEmptyResponse
	}
	return json.Unmarshal([]byte(strings.TrimSpace(s)), out)
}

func jsonString(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}", err
	}
	return string(b), nil
}
