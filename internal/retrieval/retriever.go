package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/luca/internal/embedder"
	"github.com/knoguchi/luca/internal/vectorstore"
)

// Retriever runs planned queries against the vector index.
type Retriever struct {
	embedder embedder.Embedder
	store    vectorstore.VectorStore
	logger   *slog.Logger
	observe  func(time.Duration)
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) {
		r.logger = l
	}
}

// WithDurationObserver is called with the wall time of every Retrieve call that succeeds.
func WithDurationObserver(fn func(time.Duration)) Option {
	return func(r *Retriever) {
		r.observe = fn
	}
}

// NewRetriever creates a Retriever.
func NewRetriever(e embedder.Embedder, store vectorstore.VectorStore, opts ...Option) *Retriever {
	r := &Retriever{
		embedder: e,
		store:    store,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve embeds question once and runs all queries concurrently. Results are
// concatenated in plan order. The first search error aborts the rest and is returned
// as is; nothing is retried.
func (r *Retriever) Retrieve(ctx context.Context, question string, queries []Query) ([]vectorstore.ScoredDocument, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	start := time.Now()

	vector, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}

	results := make([][]vectorstore.ScoredDocument, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			docs, err := r.store.SimilaritySearch(gctx, vector, q.K, q.Filter)
			if err != nil {
				if q.Library != "" {
					return fmt.Errorf("searching library %q: %w", q.Library, err)
				}
				return fmt.Errorf("searching: %w", err)
			}
			results[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []vectorstore.ScoredDocument
	for _, docs := range results {
		merged = append(merged, docs...)
	}

	elapsed := time.Since(start)
	if r.observe != nil {
		r.observe(elapsed)
	}
	r.logger.Debug("retrieval complete",
		"queries", len(queries),
		"documents", len(merged),
		"duration_ms", elapsed.Milliseconds(),
	)
	return merged, nil
}
