// Package site holds per-site configuration: which libraries feed retrieval, which
// collections a question may target, prompts, model settings and access rules.
package site

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownSite is returned when the config file has no entry for the site ID.
	ErrUnknownSite = errors.New("unknown site")
	// ErrInvalidSite is returned when a site entry fails validation.
	ErrInvalidSite = errors.New("invalid site config")
)

// LibraryRef names a library included in retrieval. It is either Unweighted or
// Weighted; the concrete type decides how the planner issues queries.
type LibraryRef interface {
	LibraryName() string
	isLibraryRef()
}

// Unweighted is a plain library name.
type Unweighted struct {
	Name string
}

// Weighted is a library with a relative share of the retrieved documents.
type Weighted struct {
	Name   string
	Weight float64
}

func (u Unweighted) LibraryName() string { return u.Name }
func (Unweighted) isLibraryRef()         {}

func (w Weighted) LibraryName() string { return w.Name }
func (Weighted) isLibraryRef()         {}

// Collection is a user-selectable slice of the library, optionally restricted to authors.
type Collection struct {
	DisplayName string   `mapstructure:"displayName" json:"displayName"`
	Authors     []string `mapstructure:"authors" json:"authors,omitempty"`
}

// TemplateRef points at prompt text. Template is inline text; Source is "file:<path>"
// or "s3:<key>". Template wins when both are set.
type TemplateRef struct {
	Template string `mapstructure:"template"`
	Source   string `mapstructure:"source"`
}

// RerankConfig controls the cross-encoder stage.
type RerankConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// CandidateMultiplier scales SourceCount to the number of documents retrieved
	// before reranking.
	CandidateMultiplier int `mapstructure:"candidateMultiplier"`
}

// RateLimit overrides the process-wide chat rate limit for this site.
type RateLimit struct {
	Window time.Duration `mapstructure:"window"`
	Max    int           `mapstructure:"max"`
}

// Site is the immutable configuration of one branded site. Take one snapshot per
// request and never mutate it.
type Site struct {
	ID        string
	Name      string
	Shortname string

	IncludedLibraries []LibraryRef
	EnabledMediaTypes []string
	Collections       map[string]Collection
	RequireLogin      bool

	ModelName        string
	Temperature      float32
	SourceCount      int
	FinalSourceCount int
	Rerank           RerankConfig

	Prompt         TemplateRef
	CondensePrompt TemplateRef
	TemplateVars   map[string]string

	ComparisonModels []string
	RateLimit        RateLimit
}

// HasCollection reports whether name is a configured collection.
func (s *Site) HasCollection(name string) bool {
	_, ok := s.Collections[name]
	return ok
}

// CollectionAuthors returns the author restriction of a collection, if any.
func (s *Site) CollectionAuthors(name string) []string {
	return s.Collections[name].Authors
}

// RetrievalCount is how many documents to request from the index. With reranking
// enabled it over-fetches so the cross-encoder has candidates to discard.
func (s *Site) RetrievalCount() int {
	n := s.SourceCount
	if s.Rerank.Enabled && s.Rerank.CandidateMultiplier > 1 {
		n *= s.Rerank.CandidateMultiplier
	}
	if n < s.FinalSourceCount {
		n = s.FinalSourceCount
	}
	return n
}

// AllowsComparisonModel reports whether model may be used in comparison mode.
func (s *Site) AllowsComparisonModel(model string) bool {
	for _, m := range s.ComparisonModels {
		if m == model {
			return true
		}
	}
	return false
}

// LibraryNames lists the included library names in config order.
func (s *Site) LibraryNames() []string {
	names := make([]string, len(s.IncludedLibraries))
	for i, lib := range s.IncludedLibraries {
		names[i] = lib.LibraryName()
	}
	return names
}

func (s *Site) validate() error {
	if len(s.Collections) == 0 {
		return fmt.Errorf("%w: %s: no collections configured", ErrInvalidSite, s.ID)
	}
	if s.SourceCount <= 0 {
		return fmt.Errorf("%w: %s: sourceCount must be positive", ErrInvalidSite, s.ID)
	}
	if s.FinalSourceCount <= 0 || s.FinalSourceCount > s.RetrievalCount() {
		return fmt.Errorf("%w: %s: finalSourceCount must be between 1 and %d", ErrInvalidSite, s.ID, s.RetrievalCount())
	}
	if s.Prompt.Template == "" && s.Prompt.Source == "" {
		return fmt.Errorf("%w: %s: prompt template is required", ErrInvalidSite, s.ID)
	}
	for _, lib := range s.IncludedLibraries {
		if lib.LibraryName() == "" {
			return fmt.Errorf("%w: %s: library with empty name", ErrInvalidSite, s.ID)
		}
	}
	return nil
}
