package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecent(t *testing.T) {
	msgs := append(Turn("q1", "a1"), Turn("q2", "a2")...)
	assert.Equal(t, msgs[2:], Recent(msgs, 2))
	assert.Equal(t, msgs, Recent(msgs, 10))
	assert.Equal(t, msgs, Recent(msgs, 0))
	assert.Empty(t, Recent(nil, 3))
}

func TestFormat(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "What is Kriya?"},
		{Role: RoleAssistant, Content: "A technique."},
		{Role: "system", Content: "ignored"},
	}
	assert.Equal(t, "Human: What is Kriya?\nAssistant: A technique.\n", Format(msgs))
	assert.Empty(t, Format(nil))
}

func TestStore_AppendTrimAndCopy(t *testing.T) {
	s := NewStore(4, time.Hour)
	s.Append("c1", "q1", "a1")
	s.Append("c1", "q2", "a2")
	s.Append("c1", "q3", "a3")
	s.Append("", "q", "a")

	got := s.Get("c1")
	assert.Equal(t, append(Turn("q2", "a2"), Turn("q3", "a3")...), got)
	assert.Equal(t, 1, s.Len())

	got[0].Content = "mutated"
	assert.Equal(t, "q2", s.Get("c1")[0].Content)

	s.Delete("c1")
	assert.Nil(t, s.Get("c1"))
}

func TestStore_Expiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore(10, time.Minute)
	s.now = func() time.Time { return now }

	s.Append("c1", "q", "a")
	now = now.Add(30 * time.Second)
	assert.Len(t, s.Get("c1"), 2)

	now = now.Add(time.Minute)
	assert.Nil(t, s.Get("c1"))

	s.cleanup()
	assert.Zero(t, s.Len())
}
