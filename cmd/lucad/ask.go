package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/knoguchi/luca/internal/chain"
	"github.com/knoguchi/luca/internal/config"
	"github.com/knoguchi/luca/internal/vectorstore"
)

func askCmd() *cobra.Command {
	var (
		question   string
		collection string
		model      string
		noRerank   bool
	)
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Answer one question from the command line",
		RunE: func(cmd *cobra.Command, args []string) error {
			if question == "" {
				return errors.New("--question is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := buildPipeline(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer p.Close()

			return ask(ctx, cmd.OutOrStdout(), p, askOptions{
				question:   question,
				collection: collection,
				model:      model,
				rerank:     !noRerank,
			})
		},
	}
	cmd.Flags().StringVarP(&question, "question", "q", "", "question to ask")
	cmd.Flags().StringVarP(&collection, "collection", "c", "whole_library", "collection to search")
	cmd.Flags().StringVar(&model, "model", "", "model override (default: the site's model)")
	cmd.Flags().BoolVar(&noRerank, "no-rerank", false, "skip the cross-encoder even if the site enables it")
	return cmd
}

type askOptions struct {
	question   string
	collection string
	model      string
	rerank     bool
}

func ask(ctx context.Context, out io.Writer, p *pipeline, o askOptions) error {
	st := p.sites.Current()
	if !st.HasCollection(o.collection) {
		return fmt.Errorf("unknown collection %q", o.collection)
	}

	opts := chain.DefaultOptions(st)
	if o.model != "" {
		opts.Model = o.model
	}
	chainOpts := []chain.Option{chain.WithPrompts(p.prompts)}
	if o.rerank {
		chainOpts = append(chainOpts, chain.WithReranker(p.reranker))
	}
	c := chain.New(st, p.llm, p.retriever, opts, chainOpts...)

	prepared, err := c.Prepare(ctx, chain.Input{Question: o.question, Collection: o.collection})
	if err != nil {
		return err
	}
	chunks, err := prepared.Stream(ctx)
	if err != nil {
		return err
	}
	for chunk := range chunks {
		if chunk.Error != nil {
			return chunk.Error
		}
		fmt.Fprint(out, chunk.Token)
	}
	fmt.Fprintln(out)

	printSources(out, prepared.SourceDocs)
	return nil
}

func printSources(out io.Writer, docs []vectorstore.Document) {
	if len(docs) == 0 {
		return
	}
	fmt.Fprintln(out, "\nSources:")
	for i, d := range docs {
		title := d.Metadata[vectorstore.MetaTitle]
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(out, "  [%d] %s", i+1, title)
		if lib := d.Metadata[vectorstore.MetaLibrary]; lib != "" {
			fmt.Fprintf(out, " - %s", lib)
		}
		if url := d.Metadata[vectorstore.MetaURL]; url != "" {
			fmt.Fprintf(out, " <%s>", url)
		}
		fmt.Fprintln(out)
	}
}
