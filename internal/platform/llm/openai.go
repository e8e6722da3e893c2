package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/yungbote/huddle-backend/internal/observability"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	EmbedModel string
	MaxRetries int
}

type openAIProvider struct {
	log        *logger.Logger
	client     *openai.Client
	model      string
	embedModel string
	maxRetries int
}

func NewOpenAI(cfg OpenAIConfig, log *logger.Logger) (Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = base
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openai.GPT4oMini
	}
	embedModel := strings.TrimSpace(cfg.EmbedModel)
	if embedModel == "" {
		embedModel = string(openai.SmallEmbedding3)
	}
	return &openAIProvider{
		log:        log.With("service", "OpenAIProvider"),
		client:     openai.NewClientWithConfig(clientCfg),
		model:      model,
		embedModel: embedModel,
		maxRetries: cfg.MaxRetries,
	}, nil
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) GenerateText(ctx context.Context, req TextRequest) (Generation, error) {
	started := time.Now()
	var resp openai.ChatCompletionResponse
	err := withRetry(ctx, p.maxRetries+1, 500*time.Millisecond, openAIRetryable, func() error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, p.chatRequest(req, false))
		return callErr
	})
	p.observe("chat", started, err, resp.Usage)
	if err != nil {
		return Generation{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Generation{}, ErrEmptyResponse
	}
	msg := resp.Choices[0].Message
	gen := Generation{
		Text:  msg.Content,
		Usage: Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}
	for _, tc := range msg.ToolCalls {
		gen.ToolCalls = append(gen.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return gen, nil
}

func (p *openAIProvider) StreamText(ctx context.Context, req TextRequest, onDelta func(string)) (Generation, error) {
	started := time.Now()
	stream, err := p.client.CreateChatCompletionStream(ctx, p.chatRequest(req, true))
	if err != nil {
		p.observe("chat_stream", started, err, openai.Usage{})
		return Generation{}, fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	var (
		text  strings.Builder
		calls []ToolCall
	)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			p.observe("chat_stream", started, recvErr, openai.Usage{})
			return Generation{Text: text.String(), ToolCalls: calls}, fmt.Errorf("openai stream recv: %w", recvErr)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := len(calls)
			if tc.Index != nil {
				idx = *tc.Index
			}
			for len(calls) <= idx {
				calls = append(calls, ToolCall{})
			}
			if tc.ID != "" {
				calls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				calls[idx].Name = tc.Function.Name
			}
			calls[idx].Arguments += tc.Function.Arguments
		}
	}
	p.observe("chat_stream", started, nil, openai.Usage{})
	return Generation{Text: text.String(), ToolCalls: calls}, nil
}

func (p *openAIProvider) GenerateStructured(ctx context.Context, prompt string, schemaName string, schema map[string]any, out any) error {
	started := time.Now()
	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   schemaName,
				Schema: rawSchema(schema),
				Strict: false,
			},
		},
	}
	var resp openai.ChatCompletionResponse
	err := withRetry(ctx, p.maxRetries+1, 500*time.Millisecond, openAIRetryable, func() error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, req)
		return callErr
	})
	p.observe("structured", started, err, resp.Usage)
	if err != nil {
		return fmt.Errorf("openai structured %s: %w", schemaName, err)
	}
	if len(resp.Choices) == 0 {
		return ErrEmptyResponse
	}
	return DecodeJSON(resp.Choices[0].Message.Content, out)
}

func (p *openAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	started := time.Now()
	var resp openai.EmbeddingResponse
	err := withRetry(ctx, p.maxRetries+1, 500*time.Millisecond, openAIRetryable, func() error {
		var callErr error
		resp, callErr = p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(p.embedModel),
		})
		return callErr
	})
	p.observe("embed", started, err, resp.Usage)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, ErrEmptyResponse
	}
	return resp.Data[0].Embedding, nil
}

func (p *openAIProvider) chatRequest(req TextRequest, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.Instructions) != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.Instructions})
	}
	for _, m := range req.Messages {
		out := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		switch m.Role {
		case RoleTool:
			out.ToolCallID = m.ToolCallID
			out.Name = m.ToolName
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
		}
		msgs = append(msgs, out)
	}
	var tools []openai.Tool
	for _, t := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		Tools:       tools,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

func (p *openAIProvider) observe(endpoint string, started time.Time, err error, usage openai.Usage) {
	status := "ok"
	if err != nil {
		status = "error"
		p.log.Warn("OpenAI call failed", "endpoint", endpoint, "model", p.model, "error", err)
	}
	if m := observability.Current(); m != nil {
		m.ObserveLLMRequest(p.Name(), endpoint, status, time.Since(started), usage.PromptTokens, usage.CompletionTokens)
	}
}

func openAIRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return isRetryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return isRetryableStatus(reqErr.HTTPStatusCode)
	}
	return isRetryable(err)
}

// rawSchema lets a plain map satisfy the json.Marshaler the SDK expects.
type rawSchema map[string]any

func (s rawSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(s))
}
