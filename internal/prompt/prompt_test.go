package prompt

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/luca/internal/site"
)

type countingReader struct {
	calls atomic.Int32
	body  string
}

func (r *countingReader) ReadObject(ctx context.Context, key string) ([]byte, error) {
	r.calls.Add(1)
	return []byte(r.body + ":" + key), nil
}

// ctxReader fails like a real object store when its context is cancelled.
type ctxReader struct{}

func (ctxReader) ReadObject(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []byte("template " + key), nil
}

func TestCache_LoadIgnoresCallerCancellation(t *testing.T) {
	c := NewCache(WithObjectReader(ctxReader{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	text, err := c.Load(ctx, site.TemplateRef{Source: "s3:ananda.txt"})
	require.NoError(t, err)
	assert.Equal(t, "template ananda.txt", text)

	// the result is cached for later callers
	text, err = c.Load(context.Background(), site.TemplateRef{Source: "s3:ananda.txt"})
	require.NoError(t, err)
	assert.Equal(t, "template ananda.txt", text)
}

func TestCache_Inline(t *testing.T) {
	c := NewCache()
	text, err := c.Load(context.Background(), site.TemplateRef{Template: "inline", Source: "file:ignored"})
	require.NoError(t, err)
	assert.Equal(t, "inline", text)
}

func TestCache_FileSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p.txt"), []byte("from file"), 0o644))

	c := NewCache(WithBaseDir(dir))
	text, err := c.Load(context.Background(), site.TemplateRef{Source: "file:p.txt"})
	require.NoError(t, err)
	assert.Equal(t, "from file", text)

	// cached: removing the file does not matter until Invalidate
	require.NoError(t, os.Remove(filepath.Join(dir, "p.txt")))
	text, err = c.Load(context.Background(), site.TemplateRef{Source: "file:p.txt"})
	require.NoError(t, err)
	assert.Equal(t, "from file", text)

	c.Invalidate()
	_, err = c.Load(context.Background(), site.TemplateRef{Source: "file:p.txt"})
	assert.Error(t, err)
}

func TestCache_S3SourceMemoized(t *testing.T) {
	r := &countingReader{body: "s3"}
	c := NewCache(WithObjectReader(r))

	for i := 0; i < 3; i++ {
		text, err := c.Load(context.Background(), site.TemplateRef{Source: "s3:ananda.txt"})
		require.NoError(t, err)
		assert.Equal(t, "s3:ananda.txt", text)
	}
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestCache_Errors(t *testing.T) {
	c := NewCache()
	_, err := c.Load(context.Background(), site.TemplateRef{Source: "s3:x"})
	assert.ErrorIs(t, err, ErrNoObjectReader)

	_, err = c.Load(context.Background(), site.TemplateRef{Source: "http://x"})
	assert.Error(t, err)

	_, err = c.Load(context.Background(), site.TemplateRef{Source: "noscheme"})
	assert.Error(t, err)

	text, err := c.Load(context.Background(), site.TemplateRef{})
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestRender(t *testing.T) {
	out := Render("Use {context} to answer {question}. Keep {unknown}.", map[string]string{
		VarContext:  "docs",
		VarQuestion: "why?",
	})
	assert.Equal(t, "Use docs to answer why?. Keep {unknown}.", out)
	assert.Equal(t, "{x}", Render("{x}", nil))
}

func TestRender_ValuesAreNotReexpanded(t *testing.T) {
	out := Render("{question}", map[string]string{
		VarQuestion: "what is {context}?",
		VarContext:  "SECRET",
	})
	assert.Equal(t, "what is {context}?", out)
}

func TestVars(t *testing.T) {
	out := Vars(map[string]string{"name": "Luca", VarQuestion: "site"}, map[string]string{VarQuestion: "req"})
	assert.Equal(t, map[string]string{"name": "Luca", VarQuestion: "req"}, out)
}
