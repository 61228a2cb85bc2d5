// Package repository defines the chat log model and its data access interface.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/luca/internal/history"
	"github.com/knoguchi/luca/internal/vectorstore"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Timing mirrors the stream timing reported to the client, in milliseconds.
type Timing struct {
	TTFB            int64 `json:"ttfb"`
	TotalTime       int64 `json:"totalTime"`
	TotalTokens     int   `json:"totalTokens"`
	TokensPerSecond int64 `json:"tokensPerSecond"`
}

// ChatLog is one answered question. Turns sharing a ConvID form a conversation.
type ChatLog struct {
	ID         uuid.UUID
	Site       string
	Question   string
	Answer     string
	Collection string
	History    []history.Message
	Sources    []vectorstore.Document
	ConvID     string
	UUID       string // anonymous browser id
	IP         string
	LikeCount  int
	Vote       int
	// AdminAction is set by review tooling, never by the chat route.
	AdminAction string
	Timing      Timing
	CreatedAt   time.Time
}

// ChatLogRepository defines data access for chat logs
type ChatLogRepository interface {
	Save(ctx context.Context, log *ChatLog) error
	GetByID(ctx context.Context, id uuid.UUID) (*ChatLog, error)
	// ListByConversation returns the most recent turns of a conversation, oldest first.
	ListByConversation(ctx context.Context, convID string, limit int) ([]*ChatLog, error)
}

// HistoryOf flattens chat logs into question/answer messages.
func HistoryOf(logs []*ChatLog) []history.Message {
	msgs := make([]history.Message, 0, 2*len(logs))
	for _, l := range logs {
		msgs = append(msgs, history.Turn(l.Question, l.Answer)...)
	}
	return msgs
}
