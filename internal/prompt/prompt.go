// Package prompt loads and renders the prompt templates named by the site config.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/knoguchi/luca/internal/site"
)

// Template variables filled by the chain.
const (
	VarContext     = "context"
	VarChatHistory = "chat_history"
	VarQuestion    = "question"
)

// ErrNoObjectReader is returned for an s3: source when no reader is configured.
var ErrNoObjectReader = errors.New("s3 template source without object reader")

// ObjectReader fetches template text from object storage.
type ObjectReader interface {
	ReadObject(ctx context.Context, key string) ([]byte, error)
}

// Cache memoizes template text by source. One Cache is shared by all requests and
// cleared when the site config reloads.
type Cache struct {
	reader  ObjectReader
	baseDir string

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]string
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithObjectReader enables s3: sources.
func WithObjectReader(r ObjectReader) CacheOption {
	return func(c *Cache) {
		c.reader = r
	}
}

// WithBaseDir resolves relative file: sources against dir.
func WithBaseDir(dir string) CacheOption {
	return func(c *Cache) {
		c.baseDir = dir
	}
}

// NewCache creates an empty Cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{entries: make(map[string]string)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load returns the template text of ref. Inline text is returned as is.
func (c *Cache) Load(ctx context.Context, ref site.TemplateRef) (string, error) {
	if ref.Template != "" {
		return ref.Template, nil
	}
	if ref.Source == "" {
		return "", nil
	}

	c.mu.RLock()
	text, ok := c.entries[ref.Source]
	c.mu.RUnlock()
	if ok {
		return text, nil
	}

	// shared by every waiter; not bound to the first caller's cancellation
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(ref.Source, func() (any, error) {
		text, err := c.fetch(fetchCtx, ref.Source)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.entries[ref.Source] = text
		c.mu.Unlock()
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) fetch(ctx context.Context, source string) (string, error) {
	scheme, location, ok := strings.Cut(source, ":")
	if !ok {
		return "", fmt.Errorf("template source %q has no scheme", source)
	}
	switch scheme {
	case "file":
		path := location
		if !filepath.IsAbs(path) && c.baseDir != "" {
			path = filepath.Join(c.baseDir, path)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading template %s: %w", path, err)
		}
		return string(b), nil
	case "s3":
		if c.reader == nil {
			return "", fmt.Errorf("%w: %s", ErrNoObjectReader, source)
		}
		b, err := c.reader.ReadObject(ctx, location)
		if err != nil {
			return "", fmt.Errorf("reading template %s: %w", source, err)
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("unsupported template source scheme %q", scheme)
	}
}

// Invalidate drops every cached template.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]string)
	c.mu.Unlock()
}

// Render replaces {name} placeholders with vars. Unknown placeholders are left alone.
func Render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Vars merges the site's template variables with per-request values. Request values win.
func Vars(siteVars map[string]string, request map[string]string) map[string]string {
	out := make(map[string]string, len(siteVars)+len(request))
	for k, v := range siteVars {
		out[k] = v
	}
	for k, v := range request {
		out[k] = v
	}
	return out
}
