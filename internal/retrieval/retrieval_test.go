package retrieval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/luca/internal/site"
	"github.com/knoguchi/luca/internal/vectorstore"
)

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

func (f *fakeEmbedder) Dimension() int    { return 2 }
func (f *fakeEmbedder) ModelName() string { return "fake" }

type searchCall struct {
	k      int
	filter *vectorstore.Filter
}

type fakeStore struct {
	mu    sync.Mutex
	calls []searchCall
	// failLibrary makes searches restricted to this library fail.
	failLibrary string
}

func (f *fakeStore) SimilaritySearch(ctx context.Context, vector []float32, k int, filter *vectorstore.Filter) ([]vectorstore.ScoredDocument, error) {
	f.mu.Lock()
	f.calls = append(f.calls, searchCall{k: k, filter: filter})
	f.mu.Unlock()

	libs := filter.FieldValues(vectorstore.MetaLibrary)
	if f.failLibrary != "" && len(libs) == 1 && libs[0] == f.failLibrary {
		return nil, errors.New("index unavailable")
	}

	lib := "any"
	if len(libs) == 1 {
		lib = libs[0]
	}
	docs := make([]vectorstore.ScoredDocument, k)
	for i := range docs {
		docs[i] = vectorstore.ScoredDocument{
			Document: vectorstore.Document{
				PageContent: lib,
				Metadata:    map[string]string{vectorstore.MetaLibrary: lib},
			},
			Score: float32(k - i),
		}
	}
	return docs, nil
}

func TestPlan_UnweightedSingleOrQuery(t *testing.T) {
	libs := []site.LibraryRef{
		site.Unweighted{Name: "Ananda Library"},
		site.Unweighted{Name: "Treasures"},
		site.Unweighted{Name: "Ananda Library"},
	}

	queries := Plan(libs, nil, 4)
	require.Len(t, queries, 1)
	q := queries[0]
	assert.Equal(t, 4, q.K)
	assert.Empty(t, q.Library)
	require.NotNil(t, q.Filter)
	assert.Equal(t, vectorstore.OpOr, q.Filter.Op)
	assert.Equal(t, []string{"Ananda Library", "Treasures"}, q.Filter.FieldValues(vectorstore.MetaLibrary))
}

func TestPlan_SingleUnweightedStillOr(t *testing.T) {
	queries := Plan([]site.LibraryRef{site.Unweighted{Name: "Only"}}, nil, 3)
	require.Len(t, queries, 1)
	assert.Equal(t, vectorstore.OpOr, queries[0].Filter.Op)
	assert.Equal(t, []string{"Only"}, queries[0].Filter.FieldValues(vectorstore.MetaLibrary))
}

func TestPlan_WeightedProportionalCounts(t *testing.T) {
	libs := []site.LibraryRef{
		site.Weighted{Name: "Ananda Library", Weight: 2},
		site.Weighted{Name: "Treasures", Weight: 1},
	}

	queries := Plan(libs, nil, 6)
	require.Len(t, queries, 2)
	assert.Equal(t, "Ananda Library", queries[0].Library)
	assert.Equal(t, 4, queries[0].K)
	assert.Equal(t, "Treasures", queries[1].Library)
	assert.Equal(t, 2, queries[1].K)

	for _, q := range queries {
		assert.Equal(t, vectorstore.OpEq, q.Filter.Op)
		assert.Equal(t, []string{q.Library}, q.Filter.FieldValues(vectorstore.MetaLibrary))
	}
}

func TestPlan_WeightedMinimumOne(t *testing.T) {
	libs := []site.LibraryRef{
		site.Weighted{Name: "big", Weight: 100},
		site.Weighted{Name: "tiny", Weight: 0.01},
	}
	queries := Plan(libs, nil, 4)
	require.Len(t, queries, 2)
	assert.Equal(t, 4, queries[0].K)
	assert.Equal(t, 1, queries[1].K)
}

func TestPlan_MixedCountsUnweightedAsOne(t *testing.T) {
	libs := []site.LibraryRef{
		site.Weighted{Name: "a", Weight: 3},
		site.Unweighted{Name: "b"},
	}
	queries := Plan(libs, nil, 8)
	require.Len(t, queries, 2)
	assert.Equal(t, 6, queries[0].K)
	assert.Equal(t, 2, queries[1].K)
}

func TestPlan_BaseFilterNeverDropped(t *testing.T) {
	base := BaseFilter([]string{"text", "audio"}, []string{"Swami Kriyananda"})

	cases := map[string][]site.LibraryRef{
		"unweighted": {site.Unweighted{Name: "a"}, site.Unweighted{Name: "b"}},
		"weighted":   {site.Weighted{Name: "a", Weight: 1}, site.Weighted{Name: "b", Weight: 2}},
	}
	for name, libs := range cases {
		t.Run(name, func(t *testing.T) {
			for _, q := range Plan(libs, base, 5) {
				require.Equal(t, vectorstore.OpAnd, q.Filter.Op)
				require.Len(t, q.Filter.Children, 2)
				assert.Same(t, base, q.Filter.Children[0])
				assert.NotEmpty(t, q.Filter.Children[1].FieldValues(vectorstore.MetaLibrary))
			}
		})
	}
}

func TestPlan_EmptyLibrariesNoRestriction(t *testing.T) {
	base := BaseFilter([]string{"text"}, nil)
	queries := Plan(nil, base, 4)
	require.Len(t, queries, 1)
	assert.Same(t, base, queries[0].Filter)
	assert.Empty(t, queries[0].Filter.FieldValues(vectorstore.MetaLibrary))

	queries = Plan(nil, nil, 4)
	require.Len(t, queries, 1)
	assert.Nil(t, queries[0].Filter)
}

func TestBaseFilter(t *testing.T) {
	assert.Nil(t, BaseFilter(nil, nil))

	f := BaseFilter([]string{"text"}, nil)
	assert.Equal(t, vectorstore.OpIn, f.Op)
	assert.Equal(t, vectorstore.MetaType, f.Field)

	f = BaseFilter([]string{"text", "youtube"}, []string{"Paramhansa Yogananda"})
	require.Equal(t, vectorstore.OpAnd, f.Op)
	assert.Equal(t, []string{"text", "youtube"}, f.FieldValues(vectorstore.MetaType))
	assert.Equal(t, []string{"Paramhansa Yogananda"}, f.FieldValues(vectorstore.MetaAuthor))
}

func TestRetriever_UnweightedOneSearch(t *testing.T) {
	emb := &fakeEmbedder{}
	store := &fakeStore{}
	r := NewRetriever(emb, store)

	libs := []site.LibraryRef{site.Unweighted{Name: "a"}, site.Unweighted{Name: "b"}}
	docs, err := r.Retrieve(context.Background(), "q", Plan(libs, nil, 4))
	require.NoError(t, err)

	assert.Len(t, docs, 4)
	assert.Equal(t, 1, emb.calls)
	require.Len(t, store.calls, 1)
	assert.Equal(t, vectorstore.OpOr, store.calls[0].filter.Op)
}

func TestRetriever_WeightedConcatenatesInPlanOrder(t *testing.T) {
	emb := &fakeEmbedder{}
	store := &fakeStore{}
	var observed time.Duration
	r := NewRetriever(emb, store, WithDurationObserver(func(d time.Duration) { observed = d + 1 }))

	libs := []site.LibraryRef{
		site.Weighted{Name: "first", Weight: 2},
		site.Weighted{Name: "second", Weight: 1},
	}
	docs, err := r.Retrieve(context.Background(), "q", Plan(libs, nil, 6))
	require.NoError(t, err)

	assert.Equal(t, 1, emb.calls)
	require.Len(t, docs, 6)
	for i := 0; i < 4; i++ {
		assert.Equal(t, "first", docs[i].PageContent)
	}
	for i := 4; i < 6; i++ {
		assert.Equal(t, "second", docs[i].PageContent)
	}
	assert.NotZero(t, observed)

	ks := []int{store.calls[0].k, store.calls[1].k}
	sort.Ints(ks)
	assert.Equal(t, []int{2, 4}, ks)
}

func TestRetriever_SearchErrorPropagates(t *testing.T) {
	store := &fakeStore{failLibrary: "second"}
	r := NewRetriever(&fakeEmbedder{}, store)

	libs := []site.LibraryRef{
		site.Weighted{Name: "first", Weight: 1},
		site.Weighted{Name: "second", Weight: 1},
	}
	_, err := r.Retrieve(context.Background(), "q", Plan(libs, nil, 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second")
	assert.Contains(t, err.Error(), "index unavailable")
}

func TestRetriever_EmbedError(t *testing.T) {
	store := &fakeStore{}
	r := NewRetriever(&fakeEmbedder{err: errors.New("no key")}, store)

	_, err := r.Retrieve(context.Background(), "q", Plan(nil, nil, 4))
	require.Error(t, err)
	assert.Empty(t, store.calls)
}
