package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/knoguchi/luca/internal/config"
	"github.com/knoguchi/luca/internal/embedder"
	"github.com/knoguchi/luca/internal/llm"
	"github.com/knoguchi/luca/internal/metrics"
	"github.com/knoguchi/luca/internal/objectstore"
	"github.com/knoguchi/luca/internal/prompt"
	"github.com/knoguchi/luca/internal/reranker"
	"github.com/knoguchi/luca/internal/retrieval"
	"github.com/knoguchi/luca/internal/site"
	"github.com/knoguchi/luca/internal/vectorstore"
)

// pipeline is everything needed to answer a question.
type pipeline struct {
	sites     *site.Registry
	llm       llm.LLM
	store     *vectorstore.QdrantStore
	retriever *retrieval.Retriever
	reranker  *reranker.CrossEncoder
	prompts   *prompt.Cache
}

func (p *pipeline) Close() {
	if p.reranker != nil {
		if err := p.reranker.Close(); err != nil {
			slog.Warn("failed to close reranker", "error", err)
		}
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			slog.Warn("failed to close Qdrant client", "error", err)
		}
	}
}

// buildPipeline connects the site config, vector index, models and reranker.
// m may be nil.
func buildPipeline(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*pipeline, error) {
	p := &pipeline{}

	loader, err := site.NewLoader(cfg.SiteConfigPath, cfg.SiteID)
	if err != nil {
		return nil, fmt.Errorf("failed to read site config: %w", err)
	}
	p.sites, err = site.NewRegistry(loader, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to load site %q: %w", cfg.SiteID, err)
	}
	slog.Info("loaded site config", "site", cfg.SiteID, "path", cfg.SiteConfigPath)

	// Prompt templates
	cacheOpts := []prompt.CacheOption{prompt.WithBaseDir(filepath.Dir(cfg.SiteConfigPath))}
	if cfg.S3Bucket != "" {
		s3Reader, err := objectstore.NewS3Reader(ctx, objectstore.S3Config{
			Region:    cfg.AWSRegion,
			AccessKey: cfg.AWSAccessKey,
			SecretKey: cfg.AWSSecretKey,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3PromptsPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 reader: %w", err)
		}
		cacheOpts = append(cacheOpts, prompt.WithObjectReader(s3Reader))
	}
	p.prompts = prompt.NewCache(cacheOpts...)
	p.sites.OnReload(func(*site.Site) { p.prompts.Invalidate() })

	// Models
	p.llm, err = newLLM(cfg)
	if err != nil {
		return nil, err
	}
	embed, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("initialized models",
		"llm_provider", cfg.LLMProvider,
		"embedding_provider", cfg.EmbeddingProvider,
		"embedding_model", embed.ModelName(),
	)

	// Initialize Qdrant vector store
	p.store, err = vectorstore.NewQdrantStore(ctx, vectorstore.QdrantConfig{
		URL:        cfg.QdrantGRPCURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	slog.Info("connected to Qdrant", "collection", cfg.QdrantCollection)

	retrieverOpts := []retrieval.Option{retrieval.WithLogger(slog.Default())}
	rerankOpts := []reranker.Option{reranker.WithLogger(slog.Default())}
	if m != nil {
		retrieverOpts = append(retrieverOpts, retrieval.WithDurationObserver(m.ObserveRetrieval))
		rerankOpts = append(rerankOpts, reranker.WithFallbackHook(m.RerankerFallback))
	}
	p.retriever = retrieval.NewRetriever(embed, p.store, retrieverOpts...)
	p.reranker = reranker.New(newModelLoader(cfg, p.llm), rerankOpts...)

	return p, nil
}

func newLLM(cfg *config.Config) (llm.LLM, error) {
	switch cfg.LLMProvider {
	case "ollama":
		return llm.NewOllamaClient(
			llm.WithBaseURL(cfg.OllamaURL),
			llm.WithModel(cfg.OllamaLLMModel),
		), nil
	default:
		client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		return client, nil
	}
}

func newEmbedder(cfg *config.Config) (embedder.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "ollama":
		return embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaEmbedModel,
		}), nil
	default:
		e, err := embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.OpenAIEmbedModel,
			Dimension: cfg.OpenAIEmbedDim,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI embedder: %w", err)
		}
		return e, nil
	}
}

func newModelLoader(cfg *config.Config, client llm.LLM) reranker.ModelLoader {
	if cfg.RerankerBackend == "llm" {
		return reranker.NewLLMLoader(reranker.NewLLMScorer(client))
	}
	return reranker.NewONNXLoader(reranker.ONNXConfig{
		ModelDir:     cfg.RerankerModelDir,
		RuntimePath:  cfg.RerankerRuntimePath,
		MaxLength:    cfg.RerankerMaxLength,
		TokenTypeIDs: cfg.RerankerTypeIDs,
	})
}
