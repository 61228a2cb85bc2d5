package site

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"
)

// DefaultMediaTypes are searched when a site does not list its own.
var DefaultMediaTypes = []string{"text", "audio", "youtube"}

const (
	defaultSourceCount         = 4
	defaultCandidateMultiplier = 3
	defaultTemperature         = 0.3
)

// rawSite mirrors one site entry of the config file before library refs are resolved.
type rawSite struct {
	Name              string                `mapstructure:"name"`
	Shortname         string                `mapstructure:"shortname"`
	IncludedLibraries []any                 `mapstructure:"includedLibraries"`
	EnabledMediaTypes []string              `mapstructure:"enabledMediaTypes"`
	Collections       map[string]Collection `mapstructure:"collections"`
	RequireLogin      bool                  `mapstructure:"requireLogin"`
	ModelName         string                `mapstructure:"modelName"`
	Temperature       *float32              `mapstructure:"temperature"`
	SourceCount       int                   `mapstructure:"sourceCount"`
	FinalSourceCount  int                   `mapstructure:"finalSourceCount"`
	Rerank            RerankConfig          `mapstructure:"rerank"`
	Prompt            TemplateRef           `mapstructure:"prompt"`
	CondensePrompt    TemplateRef           `mapstructure:"condensePrompt"`
	TemplateVars      map[string]string     `mapstructure:"templateVars"`
	ComparisonModels  []string              `mapstructure:"comparisonModels"`
	RateLimit         RateLimit             `mapstructure:"rateLimit"`
}

// Loader reads site entries from a JSON, YAML or TOML file keyed by site ID.
type Loader struct {
	v      *viper.Viper
	siteID string
}

// NewLoader reads the config file at path. The format follows the file extension.
func NewLoader(path, siteID string) (*Loader, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading site config %s: %w", path, err)
	}
	return &Loader{v: v, siteID: siteID}, nil
}

// SiteID is the site this loader resolves.
func (l *Loader) SiteID() string {
	return l.siteID
}

// Load decodes and validates the configured site from the last file read.
func (l *Loader) Load() (*Site, error) {
	return decode(l.v, l.siteID)
}

// Reload re-reads the file from disk, then decodes the site.
func (l *Loader) Reload() (*Site, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("re-reading site config: %w", err)
	}
	return l.Load()
}

// Load is a convenience wrapper for a one-shot read of a single site.
func Load(path, siteID string) (*Site, error) {
	l, err := NewLoader(path, siteID)
	if err != nil {
		return nil, err
	}
	return l.Load()
}

func decode(v *viper.Viper, siteID string) (*Site, error) {
	// viper keys are case-insensitive
	key := strings.ToLower(siteID)
	if !v.IsSet(key) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSite, siteID)
	}

	var raw rawSite
	if err := v.UnmarshalKey(key, &raw); err != nil {
		return nil, fmt.Errorf("decoding site %q: %w", siteID, err)
	}

	// viper folds map keys to lower case; collection names and template
	// variables are matched case-sensitively, so take their spelling from the file.
	keys, err := mapKeys(v.ConfigFileUsed(), siteID)
	if err != nil {
		return nil, fmt.Errorf("decoding site %q: %w", siteID, err)
	}
	if raw.Collections, err = restoreCase(raw.Collections, keys.collections); err != nil {
		return nil, fmt.Errorf("%w: %s: collections: %v", ErrInvalidSite, siteID, err)
	}
	if raw.TemplateVars, err = restoreCase(raw.TemplateVars, keys.templateVars); err != nil {
		return nil, fmt.Errorf("%w: %s: templateVars: %v", ErrInvalidSite, siteID, err)
	}

	libs, err := resolveLibraries(raw.IncludedLibraries)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSite, siteID, err)
	}

	s := &Site{
		ID:                siteID,
		Name:              raw.Name,
		Shortname:         raw.Shortname,
		IncludedLibraries: libs,
		EnabledMediaTypes: raw.EnabledMediaTypes,
		Collections:       raw.Collections,
		RequireLogin:      raw.RequireLogin,
		ModelName:         raw.ModelName,
		Temperature:       defaultTemperature,
		SourceCount:       raw.SourceCount,
		FinalSourceCount:  raw.FinalSourceCount,
		Rerank:            raw.Rerank,
		Prompt:            raw.Prompt,
		CondensePrompt:    raw.CondensePrompt,
		TemplateVars:      raw.TemplateVars,
		ComparisonModels:  raw.ComparisonModels,
		RateLimit:         raw.RateLimit,
	}
	if raw.Temperature != nil {
		s.Temperature = *raw.Temperature
	}
	if len(s.EnabledMediaTypes) == 0 {
		s.EnabledMediaTypes = append([]string(nil), DefaultMediaTypes...)
	}
	if s.SourceCount == 0 {
		s.SourceCount = defaultSourceCount
	}
	if s.FinalSourceCount == 0 {
		s.FinalSourceCount = s.SourceCount
	}
	if s.Rerank.Enabled && s.Rerank.CandidateMultiplier == 0 {
		s.Rerank.CandidateMultiplier = defaultCandidateMultiplier
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// resolveLibraries turns the includedLibraries list (plain strings or
// {name, weight} objects) into typed refs.
func resolveLibraries(entries []any) ([]LibraryRef, error) {
	refs := make([]LibraryRef, 0, len(entries))
	for i, entry := range entries {
		switch e := entry.(type) {
		case string:
			refs = append(refs, Unweighted{Name: e})
		case map[string]any:
			ref, err := weightedFromMap(e)
			if err != nil {
				return nil, fmt.Errorf("includedLibraries[%d]: %w", i, err)
			}
			refs = append(refs, ref)
		default:
			return nil, fmt.Errorf("includedLibraries[%d]: unsupported entry %T", i, entry)
		}
	}
	return refs, nil
}

func weightedFromMap(m map[string]any) (LibraryRef, error) {
	var name string
	var weight any
	for k, v := range m {
		switch strings.ToLower(k) {
		case "name":
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("name must be a string, got %T", v)
			}
			name = s
		case "weight":
			weight = v
		}
	}
	if name == "" {
		return nil, fmt.Errorf("library object without name")
	}
	if weight == nil {
		return Unweighted{Name: name}, nil
	}

	var w float64
	switch n := weight.(type) {
	case float64:
		w = n
	case float32:
		w = float64(n)
	case int:
		w = float64(n)
	case int64:
		w = float64(n)
	default:
		return nil, fmt.Errorf("weight of %q must be a number, got %T", name, weight)
	}
	if w <= 0 {
		return nil, fmt.Errorf("weight of %q must be positive", name)
	}
	return Weighted{Name: name, Weight: w}, nil
}

// siteKeys holds the map keys of one site entry as spelled in the file.
type siteKeys struct {
	collections  []string
	templateVars []string
}

// mapKeys re-reads the config file with a case-preserving decoder and returns
// the collection and template variable keys of siteID.
func mapKeys(path, siteID string) (siteKeys, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return siteKeys{}, err
	}

	var doc map[string]any
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(b, &doc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &doc)
	case ".toml":
		err = toml.Unmarshal(b, &doc)
	default:
		return siteKeys{}, fmt.Errorf("unsupported site config format %q", ext)
	}
	if err != nil {
		return siteKeys{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	entry, _ := lookupFold(doc, siteID).(map[string]any)
	return siteKeys{
		collections:  keysOf(lookupFold(entry, "collections")),
		templateVars: keysOf(lookupFold(entry, "templateVars")),
	}, nil
}

func lookupFold(m map[string]any, key string) any {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func keysOf(v any) []string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// restoreCase re-keys m, whose keys viper lowercased, with the original spelling.
// Two keys that differ only in case are rejected.
func restoreCase[V any](m map[string]V, original []string) (map[string]V, error) {
	if len(m) == 0 {
		return m, nil
	}
	out := make(map[string]V, len(m))
	seen := make(map[string]string, len(original))
	for _, k := range original {
		lower := strings.ToLower(k)
		if prev, dup := seen[lower]; dup {
			return nil, fmt.Errorf("keys %q and %q differ only in case", prev, k)
		}
		seen[lower] = k
		if v, ok := m[lower]; ok {
			out[k] = v
		}
	}
	for k, v := range m {
		if _, ok := seen[k]; !ok {
			out[k] = v
		}
	}
	return out, nil
}
