package chain

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/luca/internal/vectorstore"
)

// Result is the finished output of one chain.
type Result struct {
	Label      string
	Model      string
	Answer     string
	SourceDocs []vectorstore.Document
	Duration   time.Duration
}

// Comparison holds both sides of a model comparison.
type Comparison struct {
	A, B Result
}

// Compare runs two independently configured chains on the same input concurrently.
// The chains share nothing mutable; each plans and retrieves on its own.
func Compare(ctx context.Context, a, b *Chain, in Input) (*Comparison, error) {
	var out Comparison
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := run(gctx, a, in)
		if err != nil {
			return fmt.Errorf("chain %s: %w", a.Label(), err)
		}
		out.A = res
		return nil
	})
	g.Go(func() error {
		res, err := run(gctx, b, in)
		if err != nil {
			return fmt.Errorf("chain %s: %w", b.Label(), err)
		}
		out.B = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &out, nil
}

func run(ctx context.Context, c *Chain, in Input) (Result, error) {
	start := time.Now()
	p, err := c.Prepare(ctx, in)
	if err != nil {
		return Result{}, err
	}
	answer, err := p.Answer(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Label:      c.Label(),
		Model:      c.Model(),
		Answer:     answer,
		SourceDocs: p.SourceDocs,
		Duration:   time.Since(start),
	}, nil
}
