package sse

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/luca/internal/llm"
	"github.com/knoguchi/luca/internal/vectorstore"
)

func readFrames(t *testing.T, body string) []Frame {
	t.Helper()
	var frames []Frame
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		require.True(t, strings.HasPrefix(line, "data: "), "line %q", line)
		var f Frame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f))
		frames = append(frames, f)
	}
	return frames
}

func TestTokensPerSecond(t *testing.T) {
	assert.Equal(t, int64(50), TokensPerSecond(100, 2000))
	assert.Equal(t, int64(333), TokensPerSecond(1, 3))
	assert.Equal(t, int64(1), TokensPerSecond(3, 4000))
	assert.Zero(t, TokensPerSecond(100, 0))
}

func TestWriter_StreamAndDone(t *testing.T) {
	rec := httptest.NewRecorder()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := start

	w, err := NewWriter(rec, start)
	require.NoError(t, err)
	w.now = func() time.Time { return now }

	chunks := make(chan llm.StreamChunk, 4)
	chunks <- llm.StreamChunk{Token: "Hello"}
	chunks <- llm.StreamChunk{Token: ""}
	chunks <- llm.StreamChunk{Token: " world"}
	chunks <- llm.StreamChunk{Done: true}
	close(chunks)

	now = start.Add(250 * time.Millisecond)
	text, err := w.Stream(chunks)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)

	now = start.Add(1500 * time.Millisecond)
	docs := []vectorstore.Document{{PageContent: "src", Metadata: map[string]string{"title": "T"}}}
	timing, err := w.Done(docs, "doc-1", "conv-1")
	require.NoError(t, err)

	assert.Equal(t, int64(250), timing.TTFB)
	assert.Equal(t, int64(1500), timing.TotalTime)
	assert.Equal(t, 2, timing.TotalTokens)
	assert.Equal(t, int64(7), timing.TokensPerSecond) // 11 chars over 1500ms

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusOK, rec.Code)

	frames := readFrames(t, rec.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "Hello", frames[0].Token)
	assert.Equal(t, " world", frames[1].Token)
	last := frames[2]
	assert.True(t, last.Done)
	assert.Equal(t, docs, last.SourceDocs)
	assert.Equal(t, "doc-1", last.DocID)
	assert.Equal(t, "conv-1", last.ConvID)
	require.NotNil(t, last.Timing)
	assert.Equal(t, timing, *last.Timing)
}

func TestWriter_StreamError(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec, time.Now())
	require.NoError(t, err)

	chunks := make(chan llm.StreamChunk, 2)
	chunks <- llm.StreamChunk{Token: "par"}
	chunks <- llm.StreamChunk{Error: errors.New("upstream reset"), Done: true}
	close(chunks)

	text, err := w.Stream(chunks)
	assert.Equal(t, "par", text)
	require.EqualError(t, err, "upstream reset")
	require.NoError(t, w.Error(err.Error()))

	frames := readFrames(t, rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, "upstream reset", frames[1].Error)
	assert.False(t, frames[1].Done)
}

func TestFrame_OmitsEmptyFields(t *testing.T) {
	b, err := json.Marshal(Frame{Token: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"x"}`, string(b))
}

func TestWriter_DoneWithoutSources(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec, time.Now())
	require.NoError(t, err)

	_, err = w.Done(nil, "", "conv-1")
	require.NoError(t, err)

	line := strings.TrimSpace(rec.Body.String())
	data, ok := strings.CutPrefix(line, "data: ")
	require.True(t, ok)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(data), &raw))
	assert.JSONEq(t, `[]`, string(raw["sourceDocs"]))
	assert.JSONEq(t, `true`, string(raw["done"]))
	assert.Contains(t, raw, "timing")
	assert.NotContains(t, raw, "docId")
}

type noFlush struct{ http.ResponseWriter }

func TestNewWriter_RequiresFlusher(t *testing.T) {
	_, err := NewWriter(noFlush{httptest.NewRecorder()}, time.Now())
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}
