package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/yungbote/huddle-backend/internal/observability"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

type GeminiConfig struct {
	APIKey     string
	Model      string
	EmbedModel string
	MaxRetries int
}

type geminiProvider struct {
	log        *logger.Logger
	client     *genai.Client
	model      string
	embedModel string
	maxRetries int
}

func NewGemini(ctx context.Context, cfg GeminiConfig, log *logger.Logger) (Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	embedModel := strings.TrimSpace(cfg.EmbedModel)
	if embedModel == "" {
		embedModel = "gemini-embedding-001"
	}
	return &geminiProvider{
		log:        log.With("service", "GeminiProvider"),
		client:     client,
		model:      model,
		embedModel: embedModel,
		maxRetries: cfg.MaxRetries,
	}, nil
}

func (p *geminiProvider) Name() string { return "gemini" }

func (p *geminiProvider) GenerateText(ctx context.Context, req TextRequest) (Generation, error) {
	started := time.Now()
	contents, cfg := p.buildRequest(req)
	var resp *genai.GenerateContentResponse
	err := withRetry(ctx, p.maxRetries+1, time.Second, geminiRetryable, func() error {
		var callErr error
		resp, callErr = p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
		return callErr
	})
	p.observe("chat", started, err, resp)
	if err != nil {
		return Generation{}, fmt.Errorf("gemini generate: %w", err)
	}
	return generationFromResponse(resp)
}

func (p *geminiProvider) StreamText(ctx context.Context, req TextRequest, onDelta func(string)) (Generation, error) {
	started := time.Now()
	contents, cfg := p.buildRequest(req)
	var (
		gen  Generation
		text strings.Builder
		last *genai.GenerateContentResponse
	)
	for chunk, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, cfg) {
		if err != nil {
			p.observe("chat_stream", started, err, last)
			gen.Text = text.String()
			return gen, fmt.Errorf("gemini stream: %w", err)
		}
		last = chunk
		if delta := chunk.Text(); delta != "" {
			text.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
		for _, fc := range chunk.FunctionCalls() {
			gen.ToolCalls = append(gen.ToolCalls, toolCallFromGemini(fc))
		}
	}
	p.observe("chat_stream", started, nil, last)
	gen.Text = text.String()
	return gen, nil
}

func (p *geminiProvider) GenerateStructured(ctx context.Context, prompt string, schemaName string, schema map[string]any, out any) error {
	started := time.Now()
	cfg := &genai.GenerateContentConfig{
		Temperature:        genai.Ptr[float32](0),
		ResponseMIMEType:   "application/json",
		ResponseJsonSchema: schema,
	}
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	var resp *genai.GenerateContentResponse
	err := withRetry(ctx, p.maxRetries+1, time.Second, geminiRetryable, func() error {
		var callErr error
		resp, callErr = p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
		return callErr
	})
	p.observe("structured", started, err, resp)
	if err != nil {
		return fmt.Errorf("gemini structured %s: %w", schemaName, err)
	}
	return DecodeJSON(resp.Text(), out)
}

func (p *geminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	started := time.Now()
	var result *genai.EmbedContentResponse
	err := withRetry(ctx, p.maxRetries+1, time.Second, geminiRetryable, func() error {
		var callErr error
		result, callErr = p.client.Models.EmbedContent(ctx, p.embedModel,
			[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			&genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"},
		)
		return callErr
	})
	p.observe("embed", started, err, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if result == nil || len(result.Embeddings) == 0 {
		return nil, ErrEmptyResponse
	}
	return result.Embeddings[0].Values, nil
}

func (p *geminiProvider) buildRequest(req TextRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if strings.TrimSpace(req.Instructions) != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.Instructions}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			parts := []*genai.Part{}
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, tc.Args()))
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
		case RoleTool:
			part := genai.NewPartFromFunctionResponse(m.ToolName, map[string]any{"output": m.Content})
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, cfg
}

func generationFromResponse(resp *genai.GenerateContentResponse) (Generation, error) {
	if resp == nil {
		return Generation{}, ErrEmptyResponse
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		return Generation{}, fmt.Errorf("gemini blocked prompt: %s", resp.PromptFeedback.BlockReasonMessage)
	}
	gen := Generation{Text: resp.Text()}
	for _, fc := range resp.FunctionCalls() {
		gen.ToolCalls = append(gen.ToolCalls, toolCallFromGemini(fc))
	}
	if resp.UsageMetadata != nil {
		gen.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if gen.Text == "" && len(gen.ToolCalls) == 0 {
		return gen, ErrEmptyResponse
	}
	return gen, nil
}

func toolCallFromGemini(fc *genai.FunctionCall) ToolCall {
	args, _ := jsonString(fc.Args)
	id := fc.ID
	if id == "" {
		id = fc.Name
	}
	return ToolCall{ID: id, Name: fc.Name, Arguments: args}
}

func (p *geminiProvider) observe(endpoint string, started time.Time, err error, resp *genai.GenerateContentResponse) {
	status := "ok"
	if err != nil {
		status = "error"
		p.log.Warn("Gemini call failed", "endpoint", endpoint, "model", p.model, "error", err)
	}
	var in, out int
	if resp != nil && resp.UsageMetadata != nil {
		in = int(resp.UsageMetadata.PromptTokenCount)
		out = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if m := observability.Current(); m != nil {
		m.ObserveLLMRequest(p.Name(), endpoint, status, time.Since(started), in, out)
	}
}

func geminiRetryable(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return isRetryableStatus(apiErr.Code)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return isRetryableStatus(apiErrPtr.Code)
	}
	return isRetryable(err)
}
