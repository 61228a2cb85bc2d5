// Package history holds chat turns and the in-process conversation store used when
// no database is configured.
package history

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Roles accepted in a chat history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in a conversation.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content"`
}

// Recent returns the last n messages. A non-positive n returns all of them.
func Recent(messages []Message, n int) []Message {
	if n <= 0 || len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

// Format renders messages as Human:/Assistant: lines for a prompt. Returns "" for no history.
func Format(messages []Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			sb.WriteString("Human: ")
		case RoleAssistant:
			sb.WriteString("Assistant: ")
		default:
			continue
		}
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Turn expands one question/answer pair into two messages.
func Turn(question, answer string) []Message {
	return []Message{
		{Role: RoleUser, Content: question},
		{Role: RoleAssistant, Content: answer},
	}
}

type conversation struct {
	messages  []Message
	updatedAt time.Time
}

// Store keeps recent conversations in memory, keyed by convId.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
	maxMessages   int           // Max messages per conversation
	ttl           time.Duration // Time-to-live after the last update
	now           func() time.Time
}

// NewStore creates a conversation store. Call Run to evict idle conversations.
func NewStore(maxMessages int, ttl time.Duration) *Store {
	return &Store{
		conversations: make(map[string]*conversation),
		maxMessages:   maxMessages,
		ttl:           ttl,
		now:           time.Now,
	}
}

// DefaultStore creates a store with sensible defaults.
// - Max 20 messages per conversation (10 turns)
// - 1 hour TTL
func DefaultStore() *Store {
	return NewStore(20, time.Hour)
}

// Append adds a question/answer turn to a conversation.
func (s *Store) Append(convID, question, answer string) {
	if convID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[convID]
	if !exists {
		conv = &conversation{}
		s.conversations[convID] = conv
	}
	conv.messages = append(conv.messages, Turn(question, answer)...)
	conv.updatedAt = s.now()

	// keep the most recent messages
	if s.maxMessages > 0 && len(conv.messages) > s.maxMessages {
		conv.messages = append([]Message(nil), conv.messages[len(conv.messages)-s.maxMessages:]...)
	}
}

// Get returns a copy of the conversation, or nil if it is unknown or expired.
func (s *Store) Get(convID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[convID]
	if !exists || s.now().Sub(conv.updatedAt) > s.ttl {
		return nil
	}
	messages := make([]Message, len(conv.messages))
	copy(messages, conv.messages)
	return messages
}

// Delete removes a conversation.
func (s *Store) Delete(convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, convID)
}

// Len reports how many conversations are held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// Run evicts expired conversations every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, conv := range s.conversations {
		if now.Sub(conv.updatedAt) > s.ttl {
			delete(s.conversations, id)
		}
	}
}
