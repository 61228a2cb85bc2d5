// Package reranker re-scores retrieved documents with a cross-encoder.
//
// A cross-encoder reads the question and one document together and returns a
// relevance logit. It is slower than vector similarity but ranks the merged
// candidates of several library queries on one scale.
//
// # Failure handling
//
// Reranking is best effort. If the model cannot be loaded or a forward pass fails,
// Rerank returns the documents in retrieval order with a zero score. A failed load
// is not remembered, so the next request tries again.
package reranker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/knoguchi/luca/internal/vectorstore"
)

// ErrModelMissing is returned when the model or tokenizer files are not on disk.
var ErrModelMissing = errors.New("reranker model files missing")

// State is the lifecycle stage of a CrossEncoder.
type State int32

const (
	Uninitialized State = iota
	Initializing
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Reranker defines the interface for re-ranking search results.
type Reranker interface {
	// Rerank returns at most topK documents ordered by relevance to query. It never
	// fails; on error the input order is kept.
	Rerank(ctx context.Context, query string, docs []vectorstore.ScoredDocument, topK int) []vectorstore.ScoredDocument
}

// Model scores (query, text) pairs. The result has one logit per text.
type Model interface {
	Score(ctx context.Context, query string, texts []string) ([]float32, error)
	Close() error
}

// ModelLoader creates the model on first use.
type ModelLoader func(ctx context.Context) (Model, error)

// CrossEncoder is a lazily loaded Reranker shared by all requests.
type CrossEncoder struct {
	loader     ModelLoader
	logger     *slog.Logger
	onFallback func(error)

	init singleflight.Group

	mu    sync.RWMutex
	state State
	model Model
}

// Option configures a CrossEncoder.
type Option func(*CrossEncoder)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *CrossEncoder) {
		c.logger = l
	}
}

// WithFallbackHook is called every time Rerank falls back to retrieval order.
func WithFallbackHook(fn func(error)) Option {
	return func(c *CrossEncoder) {
		c.onFallback = fn
	}
}

// New creates a CrossEncoder. The model is loaded on the first Rerank or Initialize.
func New(loader ModelLoader, opts ...Option) *CrossEncoder {
	c := &CrossEncoder{
		loader: loader,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the current lifecycle stage.
func (c *CrossEncoder) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Initialize loads the model. Concurrent callers wait for the same load. The load is
// detached from ctx cancellation so one caller going away does not fail the others.
func (c *CrossEncoder) Initialize(ctx context.Context) error {
	if _, err := c.loadedModel(ctx); err != nil {
		return err
	}
	return nil
}

func (c *CrossEncoder) loadedModel(ctx context.Context) (Model, error) {
	c.mu.RLock()
	if c.state == Ready {
		m := c.model
		c.mu.RUnlock()
		return m, nil
	}
	c.mu.RUnlock()

	ch := c.init.DoChan("model", func() (any, error) {
		c.mu.Lock()
		if c.state == Ready {
			m := c.model
			c.mu.Unlock()
			return m, nil
		}
		c.state = Initializing
		c.mu.Unlock()

		m, err := c.loader(context.WithoutCancel(ctx))

		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.state = Uninitialized
			return nil, fmt.Errorf("loading reranker model: %w", err)
		}
		c.model = m
		c.state = Ready
		c.logger.Info("reranker model loaded")
		return m, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Model), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Rerank scores docs against query and returns the topK best. With no more than topK
// documents the input is returned unchanged.
func (c *CrossEncoder) Rerank(ctx context.Context, query string, docs []vectorstore.ScoredDocument, topK int) []vectorstore.ScoredDocument {
	if len(docs) <= topK {
		return docs
	}
	if topK <= 0 {
		return nil
	}

	model, err := c.loadedModel(ctx)
	if err != nil {
		return c.fallback(docs, topK, err)
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.PageContent
	}
	scores, err := model.Score(ctx, query, texts)
	if err != nil {
		return c.fallback(docs, topK, err)
	}
	if len(scores) != len(docs) {
		return c.fallback(docs, topK, fmt.Errorf("model returned %d scores for %d documents", len(scores), len(docs)))
	}

	scored := make([]vectorstore.ScoredDocument, len(docs))
	for i, d := range docs {
		scored[i] = vectorstore.ScoredDocument{Document: d.Document, Score: scores[i]}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored[:topK]
}

// fallback keeps retrieval order with zeroed scores.
func (c *CrossEncoder) fallback(docs []vectorstore.ScoredDocument, topK int, err error) []vectorstore.ScoredDocument {
	c.logger.Warn("reranking failed, using retrieval order", "error", err)
	if c.onFallback != nil {
		c.onFallback(err)
	}
	out := make([]vectorstore.ScoredDocument, topK)
	for i := range out {
		out[i] = vectorstore.ScoredDocument{Document: docs[i].Document}
	}
	return out
}

// Close releases the model. The encoder returns to Uninitialized.
func (c *CrossEncoder) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.model == nil {
		return nil
	}
	err := c.model.Close()
	c.model = nil
	c.state = Uninitialized
	return err
}

// Ensure CrossEncoder implements Reranker interface.
var _ Reranker = (*CrossEncoder)(nil)
