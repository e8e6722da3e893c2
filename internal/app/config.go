package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	LogMode string `mapstructure:"log_mode" validate:"oneof=development production test"`
	Port    string `mapstructure:"port" validate:"required,numeric"`

	// PostgresDSN selects Postgres; when empty the SQLite file at SQLitePath is used.
	PostgresDSN string `mapstructure:"postgres_dsn"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	// RedisAddr enables the shared quota store. Without it quota is per process.
	RedisAddr string `mapstructure:"redis_addr"`

	JWTSecretKey   string        `mapstructure:"jwt_secret_key" validate:"required,min=8"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl" validate:"gt=0"`

	LLMProvider      string `mapstructure:"llm_provider" validate:"oneof=openai gemini"`
	LLMMaxRetries    int    `mapstructure:"llm_max_retries" validate:"gte=0,lte=10"`
	OpenAIAPIKey     string `mapstructure:"openai_api_key" validate:"required_if=LLMProvider openai"`
	OpenAIBaseURL    string `mapstructure:"openai_base_url" validate:"omitempty,url"`
	OpenAIModel      string `mapstructure:"openai_model"`
	OpenAIEmbedModel string `mapstructure:"openai_embed_model"`
	GeminiAPIKey     string `mapstructure:"gemini_api_key" validate:"required_if=LLMProvider gemini"`
	GeminiModel      string `mapstructure:"gemini_model"`
	GeminiEmbedModel string `mapstructure:"gemini_embed_model"`

	SessionWindow time.Duration `mapstructure:"session_window" validate:"gt=0"`
	HistoryLimit  int           `mapstructure:"history_limit" validate:"gt=0,lte=200"`
	AuxTimeout    time.Duration `mapstructure:"aux_timeout" validate:"gt=0"`
	// RecallLimit caps similar messages from other threads; 0 disables recall.
	RecallLimit     int     `mapstructure:"recall_limit" validate:"gte=0,lte=20"`
	RecallThreshold float64 `mapstructure:"recall_threshold" validate:"gt=0,lte=1"`
	AIDailyQuota    int     `mapstructure:"ai_daily_quota" validate:"gt=0"`
	Timezone        string  `mapstructure:"timezone" validate:"required"`

	WorkerConcurrency int `mapstructure:"worker_concurrency" validate:"gt=0,lte=64"`
	WorkerQueueSize   int `mapstructure:"worker_queue_size" validate:"gt=0"`

	BrokerMatchThreshold float64       `mapstructure:"broker_match_threshold" validate:"gt=0,lte=1"`
	BrokerConfirmWindow  time.Duration `mapstructure:"broker_confirm_window" validate:"gt=0"`
	BrokerIntentTTL      time.Duration `mapstructure:"broker_intent_ttl" validate:"gt=0"`
	BackfillLimit        int           `mapstructure:"backfill_limit" validate:"gt=0"`

	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	MetricsEnabled  bool    `mapstructure:"metrics_enabled"`
	MetricsAddr     string  `mapstructure:"metrics_addr" validate:"required_if=MetricsEnabled true"`
	OtelEnabled     bool    `mapstructure:"otel_enabled"`
	OtelServiceName string  `mapstructure:"otel_service_name"`
	OtelEndpoint    string  `mapstructure:"otel_endpoint"`
	OtelSampleRatio float64 `mapstructure:"otel_sample_ratio" validate:"gte=0,lte=1"`
	OtelStdout      bool    `mapstructure:"otel_stdout"`
}

var defaults = map[string]any{
	"log_mode":               "development",
	"port":                   "8080",
	"postgres_dsn":           "",
	"sqlite_path":            "huddle.db",
	"redis_addr":             "",
	"jwt_secret_key":         "",
	"access_token_ttl":       "1h",
	"llm_provider":           "openai",
	"llm_max_retries":        3,
	"openai_api_key":         "",
	"openai_base_url":        "",
	"openai_model":           "gpt-4o-mini",
	"openai_embed_model":     "text-embedding-3-small",
	"gemini_api_key":         "",
	"gemini_model":           "gemini-2.0-flash",
	"gemini_embed_model":     "text-embedding-004",
	"session_window":         "24h",
	"history_limit":          20,
	"aux_timeout":            "500ms",
	"recall_limit":           3,
	"recall_threshold":       0.8,
	"ai_daily_quota":         50,
	"timezone":               "Asia/Shanghai",
	"worker_concurrency":     4,
	"worker_queue_size":      256,
	"broker_match_threshold": 0.75,
	"broker_confirm_window":  "2h",
	"broker_intent_ttl":      "72h",
	"backfill_limit":         100,
	"cors_origins":           []string{},
	"shutdown_timeout":       "15s",
	"metrics_enabled":        false,
	"metrics_addr":           ":9090",
	"otel_enabled":           false,
	"otel_service_name":      "huddle-backend",
	"otel_endpoint":          "",
	"otel_sample_ratio":      1.0,
	"otel_stdout":            false,
}

// LoadConfig reads defaults, then the optional YAML file at path, then
// environment variables named after the upper-cased keys (PORT, JWT_SECRET_KEY, ...).
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.LogMode = strings.ToLower(strings.TrimSpace(cfg.LogMode))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location is the zone quota days and relative times are computed in.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
