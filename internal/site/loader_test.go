package site

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sitesJSON = `{
  "ananda": {
    "name": "Ananda Library",
    "shortname": "Luca",
    "includedLibraries": [
      {"name": "Ananda Library", "weight": 2},
      {"name": "Treasures", "weight": 1}
    ],
    "collections": {
      "whole_library": {"displayName": "All authors"},
      "master_swami": {"displayName": "Master and Swami", "authors": ["Paramhansa Yogananda", "Swami Kriyananda"]}
    },
    "sourceCount": 6,
    "rerank": {"enabled": true},
    "prompt": {"template": "Answer from {context}"},
    "comparisonModels": ["gpt-4o", "gpt-4o-mini"],
    "rateLimit": {"window": "30s", "max": 4}
  },
  "jairam": {
    "name": "Free Joe Hunt",
    "includedLibraries": ["Bhaktan", "Crystal Clarity"],
    "enabledMediaTypes": ["text"],
    "collections": {"all": {"displayName": "All"}},
    "sourceCount": 4,
    "finalSourceCount": 3,
    "temperature": 0,
    "prompt": {"source": "file:prompts/jairam.txt"}
  },
  "broken": {
    "includedLibraries": [{"name": "X", "weight": -1}],
    "collections": {"all": {"displayName": "All"}},
    "prompt": {"template": "t"}
  },
  "nocollections": {
    "prompt": {"template": "t"}
  }
}`

func writeSites(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sites.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_WeightedSite(t *testing.T) {
	s, err := Load(writeSites(t, sitesJSON), "ananda")
	require.NoError(t, err)

	assert.Equal(t, "Ananda Library", s.Name)
	require.Len(t, s.IncludedLibraries, 2)
	assert.Equal(t, Weighted{Name: "Ananda Library", Weight: 2}, s.IncludedLibraries[0])
	assert.Equal(t, Weighted{Name: "Treasures", Weight: 1}, s.IncludedLibraries[1])

	assert.Equal(t, DefaultMediaTypes, s.EnabledMediaTypes)
	assert.Equal(t, 6, s.SourceCount)
	assert.Equal(t, 6, s.FinalSourceCount)
	assert.Equal(t, 3, s.Rerank.CandidateMultiplier)
	assert.Equal(t, 18, s.RetrievalCount())
	assert.InDelta(t, 0.3, s.Temperature, 0.0001)

	assert.True(t, s.HasCollection("master_swami"))
	assert.False(t, s.HasCollection("nope"))
	assert.Equal(t, []string{"Paramhansa Yogananda", "Swami Kriyananda"}, s.CollectionAuthors("master_swami"))
	assert.Empty(t, s.CollectionAuthors("whole_library"))

	assert.True(t, s.AllowsComparisonModel("gpt-4o-mini"))
	assert.False(t, s.AllowsComparisonModel("claude"))
	assert.Equal(t, 30*time.Second, s.RateLimit.Window)
	assert.Equal(t, 4, s.RateLimit.Max)
}

func TestLoad_UnweightedSite(t *testing.T) {
	s, err := Load(writeSites(t, sitesJSON), "jairam")
	require.NoError(t, err)

	assert.Equal(t, []LibraryRef{Unweighted{Name: "Bhaktan"}, Unweighted{Name: "Crystal Clarity"}}, s.IncludedLibraries)
	assert.Equal(t, []string{"Bhaktan", "Crystal Clarity"}, s.LibraryNames())
	assert.Equal(t, []string{"text"}, s.EnabledMediaTypes)
	assert.Equal(t, 3, s.FinalSourceCount)
	assert.Equal(t, 4, s.RetrievalCount())
	assert.Zero(t, s.Temperature)
	assert.Equal(t, "file:prompts/jairam.txt", s.Prompt.Source)
}

func TestLoad_Errors(t *testing.T) {
	path := writeSites(t, sitesJSON)

	_, err := Load(path, "missing")
	assert.ErrorIs(t, err, ErrUnknownSite)

	_, err = Load(path, "broken")
	assert.ErrorIs(t, err, ErrInvalidSite)

	_, err = Load(path, "nocollections")
	assert.ErrorIs(t, err, ErrInvalidSite)

	_, err = Load(filepath.Join(t.TempDir(), "absent.json"), "ananda")
	assert.Error(t, err)
}

func TestLoad_KeepsKeyCase(t *testing.T) {
	body := `{
  "Ananda": {
    "includedLibraries": ["Ananda Library"],
    "collections": {
      "Whole_Library": {"displayName": "All authors"},
      "master_swami": {"displayName": "Master and Swami", "authors": ["Swami Kriyananda"]}
    },
    "prompt": {"template": "{siteName}: {context}"},
    "templateVars": {"siteName": "Ananda", "baseUrl": "https://www.anandalibrary.org"}
  }
}`
	s, err := Load(writeSites(t, body), "Ananda")
	require.NoError(t, err)

	assert.True(t, s.HasCollection("Whole_Library"))
	assert.False(t, s.HasCollection("whole_library"))
	assert.Equal(t, "All authors", s.Collections["Whole_Library"].DisplayName)
	assert.Equal(t, []string{"Swami Kriyananda"}, s.CollectionAuthors("master_swami"))
	assert.Equal(t, map[string]string{
		"siteName": "Ananda",
		"baseUrl":  "https://www.anandalibrary.org",
	}, s.TemplateVars)
}

func TestLoad_KeepsKeyCaseYAML(t *testing.T) {
	body := `jairam:
  includedLibraries: [Bhaktan]
  collections:
    All_Talks: {displayName: All}
  prompt: {template: t}
  templateVars:
    siteName: Free Joe Hunt
`
	path := filepath.Join(t.TempDir(), "sites.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	s, err := Load(path, "jairam")
	require.NoError(t, err)
	assert.True(t, s.HasCollection("All_Talks"))
	assert.Equal(t, "Free Joe Hunt", s.TemplateVars["siteName"])
}

func TestLoad_RejectsKeysDifferingOnlyInCase(t *testing.T) {
	body := `{"jairam": {
  "includedLibraries": ["Bhaktan"],
  "collections": {"All": {}, "all": {}},
  "prompt": {"template": "t"}
}}`
	_, err := Load(writeSites(t, body), "jairam")
	assert.ErrorIs(t, err, ErrInvalidSite)
}

func TestResolveLibraries(t *testing.T) {
	refs, err := resolveLibraries([]any{
		"plain",
		map[string]any{"name": "int-weight", "weight": 3},
		map[string]any{"Name": "no-weight"},
	})
	require.NoError(t, err)
	assert.Equal(t, []LibraryRef{
		Unweighted{Name: "plain"},
		Weighted{Name: "int-weight", Weight: 3},
		Unweighted{Name: "no-weight"},
	}, refs)

	_, err = resolveLibraries([]any{42})
	assert.Error(t, err)

	_, err = resolveLibraries([]any{map[string]any{"weight": 1.0}})
	assert.Error(t, err)

	_, err = resolveLibraries([]any{map[string]any{"name": "x", "weight": "heavy"}})
	assert.Error(t, err)
}

func TestRegistry_ReloadKeepsPreviousOnError(t *testing.T) {
	path := writeSites(t, sitesJSON)
	loader, err := NewLoader(path, "jairam")
	require.NoError(t, err)

	reg, err := NewRegistry(loader, nil)
	require.NoError(t, err)

	var notified *Site
	reg.OnReload(func(s *Site) { notified = s })

	before := reg.Current()
	require.NoError(t, os.WriteFile(path, []byte(`{"jairam": {"prompt": {"template": "t"}}}`), 0o644))
	assert.ErrorIs(t, reg.Reload(), ErrInvalidSite)
	assert.Same(t, before, reg.Current())
	assert.Nil(t, notified)

	updated := `{"jairam": {"name": "Renamed", "includedLibraries": ["Bhaktan"], "collections": {"all": {}}, "prompt": {"template": "t"}}}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, reg.Reload())
	assert.Equal(t, "Renamed", reg.Current().Name)
	assert.Same(t, reg.Current(), notified)
}

func TestStaticRegistry(t *testing.T) {
	s := &Site{ID: "fixed"}
	reg := NewStaticRegistry(s)
	assert.Same(t, s, reg.Current())
	assert.NoError(t, reg.Reload())
}
