// Package llm provides the completion clients used by the answer chain.
package llm

import (
	"context"
	"strings"
)

// GenerateOptions configures one completion request.
type GenerateOptions struct {
	// Model overrides the client's default model (e.g., "gpt-4o", "llama3.2").
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness in generation (0.0 = deterministic).
	Temperature float32

	// MaxTokens limits the maximum number of tokens in the response. Zero means no limit.
	MaxTokens int
}

// StreamChunk represents a single chunk of streamed response from the LLM.
type StreamChunk struct {
	// Token contains the generated text fragment.
	Token string

	// Done indicates whether this is the final chunk in the stream.
	Done bool

	// Error contains any error that occurred during streaming.
	Error error
}

// LLM defines the interface for Large Language Model clients.
type LLM interface {
	// Generate sends a prompt and blocks until the full response is received.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

	// GenerateStream sends a prompt and returns a channel of response chunks. The
	// channel is closed when generation completes or fails; a failure is delivered
	// as a final chunk with Error set.
	GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error)
}

// Collect drains a stream into a single string. It returns the text received so far
// together with the first stream error.
func Collect(chunks <-chan StreamChunk) (string, error) {
	var sb strings.Builder
	var streamErr error
	for chunk := range chunks {
		if chunk.Error != nil && streamErr == nil {
			streamErr = chunk.Error
			continue
		}
		sb.WriteString(chunk.Token)
	}
	return sb.String(), streamErr
}
