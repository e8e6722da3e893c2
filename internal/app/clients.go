package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/huddle-backend/internal/platform/llm"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
	"github.com/yungbote/huddle-backend/internal/platform/redis"
)

type Clients struct {
	LLM   llm.Provider
	Redis *goredis.Client
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")

	var (
		provider llm.Provider
		err      error
	)
	switch cfg.LLMProvider {
	case "gemini":
		provider, err = llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey:     cfg.GeminiAPIKey,
			Model:      cfg.GeminiModel,
			EmbedModel: cfg.GeminiEmbedModel,
			MaxRetries: cfg.LLMMaxRetries,
		}, log)
	default:
		provider, err = llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.OpenAIModel,
			EmbedModel: cfg.OpenAIEmbedModel,
			MaxRetries: cfg.LLMMaxRetries,
		}, log)
	}
	if err != nil {
		return Clients{}, fmt.Errorf("init %s provider: %w", cfg.LLMProvider, err)
	}
	log.Info("LLM provider ready", "provider", provider.Name())

	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		rdb, err = redis.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return Clients{}, err
		}
	} else {
		log.Warn("REDIS_ADDR not set; AI quota is tracked per process")
	}
	return Clients{LLM: provider, Redis: rdb}, nil
}

func (c Clients) Close() {
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}
