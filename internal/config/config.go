// Package config loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all process-level configuration for the chat service.
// Per-site behavior (libraries, prompts, collections) lives in the site config file.
type Config struct {
	// Server
	HTTPPort       int      `env:"HTTP_PORT" envDefault:"8080"`
	Environment    string   `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	// Site
	SiteID         string `env:"SITE_ID" envDefault:"ananda"`
	SiteConfigPath string `env:"SITE_CONFIG_PATH" envDefault:"config/sites.json"`
	WatchSiteFile  bool   `env:"WATCH_SITE_CONFIG" envDefault:"true"`

	// Qdrant
	QdrantGRPCURL    string `env:"QDRANT_GRPC_URL" envDefault:"localhost:6334"`
	QdrantAPIKey     string `env:"QDRANT_API_KEY"`
	QdrantCollection string `env:"QDRANT_COLLECTION" envDefault:"library"`

	// LLM and embeddings. Provider is "openai" or "ollama".
	LLMProvider       string `env:"LLM_PROVIDER" envDefault:"openai"`
	EmbeddingProvider string `env:"EMBEDDING_PROVIDER" envDefault:"openai"`
	OpenAIAPIKey      string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string `env:"OPENAI_BASE_URL"`
	OpenAIModel       string `env:"OPENAI_MODEL" envDefault:"gpt-4o"`
	OpenAIEmbedModel  string `env:"OPENAI_EMBEDDINGS_MODEL" envDefault:"text-embedding-ada-002"`
	OpenAIEmbedDim    int    `env:"OPENAI_EMBEDDINGS_DIMENSION" envDefault:"1536"`
	OllamaURL         string `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaLLMModel    string `env:"OLLAMA_LLM_MODEL" envDefault:"llama3.2"`
	OllamaEmbedModel  string `env:"OLLAMA_EMBEDDING_MODEL" envDefault:"nomic-embed-text"`

	// Reranker. Backend is "onnx" or "llm".
	RerankerBackend     string `env:"RERANKER_BACKEND" envDefault:"onnx"`
	RerankerModelDir    string `env:"RERANKER_MODEL_DIR" envDefault:"models/rerank"`
	RerankerRuntimePath string `env:"ONNXRUNTIME_LIB_PATH"`
	RerankerMaxLength   int    `env:"RERANKER_MAX_LENGTH" envDefault:"512"`
	RerankerTypeIDs     bool   `env:"RERANKER_TOKEN_TYPE_IDS" envDefault:"true"`
	RerankerWarmup      bool   `env:"RERANKER_WARMUP" envDefault:"true"`

	// PostgreSQL (optional; chat logs are not persisted without it)
	DatabaseURL string `env:"DATABASE_URL"`

	// Redis (optional; rate limiting falls back to in-process buckets)
	RedisURL string `env:"REDIS_URL"`

	// Rate limiting for the chat routes
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	RateLimitMax    int           `env:"RATE_LIMIT_MAX" envDefault:"8"`

	// Auth
	JWTSecret        string        `env:"JWT_SECRET" envDefault:"change-this-in-production"`
	JWTExpiry        time.Duration `env:"JWT_EXPIRY" envDefault:"168h"`
	SitePasswordHash string        `env:"SITE_PASSWORD_HASH"`
	SecureCookies    bool          `env:"SECURE_COOKIES" envDefault:"false"`

	// S3 (prompt templates referenced as s3:<key>)
	AWSRegion       string `env:"AWS_REGION" envDefault:"us-west-1"`
	AWSAccessKey    string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretKey    string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Bucket        string `env:"S3_BUCKET_NAME"`
	S3PromptsPrefix string `env:"S3_PROMPTS_PREFIX" envDefault:"site-config/prompts/"`
}

// Load loads configuration from .env file (if present) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LLMProvider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	switch c.EmbeddingProvider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unknown EMBEDDING_PROVIDER %q", c.EmbeddingProvider)
	}
	switch c.RerankerBackend {
	case "onnx", "llm":
	default:
		return fmt.Errorf("unknown RERANKER_BACKEND %q", c.RerankerBackend)
	}
	if c.RateLimitMax <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit window and max must be positive")
	}
	return nil
}
