// Package vectorstore provides the retrieval unit types, structured metadata filters
// and the hosted similarity-search index.
package vectorstore

import (
	"context"
)

// Metadata keys written by the ingestion pipeline.
const (
	MetaTitle   = "title"
	MetaLibrary = "library"
	MetaAuthor  = "author"
	MetaType    = "type"
	MetaURL     = "url"
	MetaS3Key   = "s3Key"
)

// Document is a text chunk with its ingestion metadata. Read-only to this service.
type Document struct {
	PageContent string            `json:"pageContent"`
	Metadata    map[string]string `json:"metadata"`
}

// ScoredDocument is a Document with a relevance score. The score is the vector
// similarity after retrieval and the cross-encoder logit after reranking.
type ScoredDocument struct {
	Document
	Score float32 `json:"score"`
}

// Documents strips the scores.
func Documents(scored []ScoredDocument) []Document {
	docs := make([]Document, len(scored))
	for i, s := range scored {
		docs[i] = s.Document
	}
	return docs
}

// VectorStore defines the similarity search used by the retriever
type VectorStore interface {
	// SimilaritySearch returns up to k documents nearest to vector that match filter.
	// A nil filter applies no restriction.
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter *Filter) ([]ScoredDocument, error)
}
