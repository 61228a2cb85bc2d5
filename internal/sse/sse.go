// Package sse writes the chat answer as server-sent events: one frame per token and
// a final frame with the sources and timing.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/knoguchi/luca/internal/llm"
	"github.com/knoguchi/luca/internal/vectorstore"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("response writer does not support flushing")

// Timing is reported in the final frame. Durations are milliseconds.
type Timing struct {
	TTFB            int64 `json:"ttfb"`
	TotalTime       int64 `json:"totalTime"`
	TotalTokens     int   `json:"totalTokens"`
	TokensPerSecond int64 `json:"tokensPerSecond"`
}

// Frame is one event on the wire.
type Frame struct {
	Token      string                 `json:"token,omitempty"`
	SourceDocs []vectorstore.Document `json:"sourceDocs,omitempty"`
	Done       bool                   `json:"done,omitempty"`
	Timing     *Timing                `json:"timing,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DocID      string                 `json:"docId,omitempty"`
	ConvID     string                 `json:"convId,omitempty"`
}

// doneFrame is the final event. sourceDocs and timing are always present.
type doneFrame struct {
	SourceDocs []vectorstore.Document `json:"sourceDocs"`
	Done       bool                   `json:"done"`
	Timing     Timing                 `json:"timing"`
	DocID      string                 `json:"docId,omitempty"`
	ConvID     string                 `json:"convId,omitempty"`
}

// TokensPerSecond is round(chars / elapsedMs * 1000), or 0 when no time has elapsed.
func TokensPerSecond(chars int, elapsedMs int64) int64 {
	if elapsedMs <= 0 {
		return 0
	}
	return int64(math.Round(float64(chars) / float64(elapsedMs) * 1000))
}

// Writer emits frames on an HTTP response. It is not safe for concurrent use.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	now     func() time.Time

	start      time.Time
	firstToken time.Time
	chars      int
	tokens     int
}

// NewWriter writes the event-stream headers. start is when the request arrived;
// time to first byte is measured from it.
func NewWriter(w http.ResponseWriter, start time.Time) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher, now: time.Now, start: start}, nil
}

// WriteFrame writes and flushes one frame.
func (s *Writer) WriteFrame(f Frame) error {
	return s.write(f)
}

func (s *Writer) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// Token sends one token frame. Empty tokens are skipped.
func (s *Writer) Token(token string) error {
	if token == "" {
		return nil
	}
	if s.firstToken.IsZero() {
		s.firstToken = s.now()
	}
	s.chars += len([]rune(token))
	s.tokens++
	return s.WriteFrame(Frame{Token: token})
}

// Stream forwards every token of chunks. It returns the full text and the first
// stream error; a write error (client gone) stops forwarding and is returned as is.
func (s *Writer) Stream(chunks <-chan llm.StreamChunk) (string, error) {
	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return sb.String(), chunk.Error
		}
		if err := s.Token(chunk.Token); err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk.Token)
	}
	return sb.String(), nil
}

// Timing reports the measurements so far.
func (s *Writer) Timing() Timing {
	now := s.now()
	total := now.Sub(s.start).Milliseconds()
	t := Timing{
		TotalTime:       total,
		TotalTokens:     s.tokens,
		TokensPerSecond: TokensPerSecond(s.chars, total),
	}
	if !s.firstToken.IsZero() {
		t.TTFB = s.firstToken.Sub(s.start).Milliseconds()
	}
	return t
}

// Done sends the final frame. A nil sourceDocs is sent as an empty list.
func (s *Writer) Done(sourceDocs []vectorstore.Document, docID, convID string) (Timing, error) {
	if sourceDocs == nil {
		sourceDocs = []vectorstore.Document{}
	}
	t := s.Timing()
	return t, s.write(doneFrame{
		Done:       true,
		SourceDocs: sourceDocs,
		Timing:     t,
		DocID:      docID,
		ConvID:     convID,
	})
}

// Error sends an error frame. The stream should end after it.
func (s *Writer) Error(msg string) error {
	return s.WriteFrame(Frame{Error: msg})
}
