// Package chain assembles the answer pipeline: condense the follow-up question,
// retrieve and rerank sources, render the prompt and stream the completion.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knoguchi/luca/internal/history"
	"github.com/knoguchi/luca/internal/llm"
	"github.com/knoguchi/luca/internal/prompt"
	"github.com/knoguchi/luca/internal/reranker"
	"github.com/knoguchi/luca/internal/retrieval"
	"github.com/knoguchi/luca/internal/site"
	"github.com/knoguchi/luca/internal/vectorstore"
)

// DefaultCondenseTemplate turns a follow-up into a standalone question.
const DefaultCondenseTemplate = `Given the following conversation and a follow up question, rephrase the follow up question to be a standalone question, in its original language.

Chat History:
{chat_history}
Follow Up Input: {question}
Standalone question:`

// maxHistoryMessages bounds the history sent to the model (five turns).
const maxHistoryMessages = 10

// Retriever runs planned searches. *retrieval.Retriever implements it.
type Retriever interface {
	Retrieve(ctx context.Context, question string, queries []retrieval.Query) ([]vectorstore.ScoredDocument, error)
}

// Options configures the model side of one chain.
type Options struct {
	// Model overrides the site's model. Empty uses the site's, then the client's default.
	Model       string
	Temperature float32
	// Label names the chain in comparison mode, e.g. "A".
	Label string
}

// DefaultOptions takes model and temperature from the site.
func DefaultOptions(s *site.Site) Options {
	return Options{Model: s.ModelName, Temperature: s.Temperature}
}

// Input is one user turn.
type Input struct {
	Question   string
	Collection string
	History    []history.Message
}

// Chain answers questions for one site snapshot. Build one per request.
type Chain struct {
	site      *site.Site
	llm       llm.LLM
	retriever Retriever
	reranker  reranker.Reranker
	prompts   *prompt.Cache
	opts      Options
	logger    *slog.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithReranker enables reranking when the site turns it on.
func WithReranker(r reranker.Reranker) Option {
	return func(c *Chain) {
		c.reranker = r
	}
}

// WithPrompts sets the template cache used for file: and s3: prompt sources.
func WithPrompts(p *prompt.Cache) Option {
	return func(c *Chain) {
		c.prompts = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) {
		c.logger = l
	}
}

// New creates a Chain.
func New(s *site.Site, client llm.LLM, r Retriever, opts Options, chainOpts ...Option) *Chain {
	c := &Chain{
		site:      s,
		llm:       client,
		retriever: r,
		opts:      opts,
		logger:    slog.Default(),
	}
	for _, opt := range chainOpts {
		opt(c)
	}
	if c.prompts == nil {
		c.prompts = prompt.NewCache()
	}
	if c.opts.Model == "" {
		c.opts.Model = s.ModelName
	}
	return c
}

// Label returns the chain's comparison label.
func (c *Chain) Label() string {
	return c.opts.Label
}

// Model returns the model this chain generates with.
func (c *Chain) Model() string {
	return c.opts.Model
}

// Prepared is a chain run up to the point of generation.
type Prepared struct {
	Question           string
	StandaloneQuestion string
	Prompt             string
	SourceDocs         []vectorstore.Document
	RetrievalTime      time.Duration

	llm  llm.LLM
	opts llm.GenerateOptions
}

// Prepare condenses, retrieves, reranks and renders the prompt. Any error here
// happens before a single token is generated.
func (c *Chain) Prepare(ctx context.Context, in Input) (*Prepared, error) {
	hist := history.Recent(in.History, maxHistoryMessages)
	chatHistory := history.Format(hist)

	standalone := in.Question
	if len(hist) > 0 {
		q, err := c.condense(ctx, in.Question, chatHistory)
		if err != nil {
			return nil, err
		}
		standalone = q
	}

	retrievalStart := time.Now()
	docs, err := c.retrieve(ctx, standalone, in.Collection)
	if err != nil {
		return nil, err
	}
	retrievalTime := time.Since(retrievalStart)

	tmpl, err := c.prompts.Load(ctx, c.site.Prompt)
	if err != nil {
		return nil, fmt.Errorf("loading prompt: %w", err)
	}
	rendered := prompt.Render(tmpl, prompt.Vars(c.site.TemplateVars, map[string]string{
		prompt.VarContext:     formatContext(docs),
		prompt.VarChatHistory: chatHistory,
		prompt.VarQuestion:    standalone,
	}))

	c.logger.Debug("chain prepared",
		"label", c.opts.Label,
		"model", c.opts.Model,
		"sources", len(docs),
		"condensed", standalone != in.Question,
		"retrieval_ms", retrievalTime.Milliseconds(),
	)

	return &Prepared{
		Question:           in.Question,
		StandaloneQuestion: standalone,
		Prompt:             rendered,
		SourceDocs:         docs,
		RetrievalTime:      retrievalTime,
		llm:                c.llm,
		opts: llm.GenerateOptions{
			Model:       c.opts.Model,
			Temperature: c.opts.Temperature,
		},
	}, nil
}

func (c *Chain) condense(ctx context.Context, question, chatHistory string) (string, error) {
	tmpl := DefaultCondenseTemplate
	if c.site.CondensePrompt.Template != "" || c.site.CondensePrompt.Source != "" {
		t, err := c.prompts.Load(ctx, c.site.CondensePrompt)
		if err != nil {
			return "", fmt.Errorf("loading condense prompt: %w", err)
		}
		tmpl = t
	}

	out, err := c.llm.Generate(ctx, prompt.Render(tmpl, map[string]string{
		prompt.VarChatHistory: chatHistory,
		prompt.VarQuestion:    question,
	}), llm.GenerateOptions{Model: c.opts.Model, Temperature: 0})
	if err != nil {
		return "", fmt.Errorf("condensing question: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return question, nil
	}
	return out, nil
}

// retrieve returns at most FinalSourceCount documents.
func (c *Chain) retrieve(ctx context.Context, question, collection string) ([]vectorstore.Document, error) {
	base := retrieval.BaseFilter(c.site.EnabledMediaTypes, c.site.CollectionAuthors(collection))
	queries := retrieval.Plan(c.site.IncludedLibraries, base, c.site.RetrievalCount())

	scored, err := c.retriever.Retrieve(ctx, question, queries)
	if err != nil {
		return nil, fmt.Errorf("retrieving documents: %w", err)
	}

	final := c.site.FinalSourceCount
	if c.reranker != nil && c.site.Rerank.Enabled && len(scored) > final {
		scored = c.reranker.Rerank(ctx, question, scored, final)
	}
	if len(scored) > final {
		scored = scored[:final]
	}
	return vectorstore.Documents(scored), nil
}

// formatContext lays out the sources for the prompt. Scores are left out so they do
// not bias the model.
func formatContext(docs []vectorstore.Document) string {
	var sb strings.Builder
	for i, doc := range docs {
		fmt.Fprintf(&sb, "[Doc %d]", i+1)
		if title := doc.Metadata[vectorstore.MetaTitle]; title != "" {
			fmt.Fprintf(&sb, " (Title: %s)", title)
		}
		if author := doc.Metadata[vectorstore.MetaAuthor]; author != "" {
			fmt.Fprintf(&sb, " (Author: %s)", author)
		}
		sb.WriteString("\n")
		sb.WriteString(doc.PageContent)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// Stream starts generating the answer.
func (p *Prepared) Stream(ctx context.Context) (<-chan llm.StreamChunk, error) {
	chunks, err := p.llm.GenerateStream(ctx, p.Prompt, p.opts)
	if err != nil {
		return nil, fmt.Errorf("starting stream: %w", err)
	}
	return chunks, nil
}

// Answer generates the whole answer.
func (p *Prepared) Answer(ctx context.Context) (string, error) {
	out, err := p.llm.Generate(ctx, p.Prompt, p.opts)
	if err != nil {
		return "", fmt.Errorf("generating answer: %w", err)
	}
	return out, nil
}
