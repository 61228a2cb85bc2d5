package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knoguchi/luca/internal/history"
)

func TestHistoryOf(t *testing.T) {
	logs := []*ChatLog{
		{Question: "q1", Answer: "a1"},
		{Question: "q2", Answer: "a2"},
	}
	got := HistoryOf(logs)
	assert.Equal(t, []history.Message{
		{Role: history.RoleUser, Content: "q1"},
		{Role: history.RoleAssistant, Content: "a1"},
		{Role: history.RoleUser, Content: "q2"},
		{Role: history.RoleAssistant, Content: "a2"},
	}, got)

	assert.Empty(t, HistoryOf(nil))
}
