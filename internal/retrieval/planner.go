// Package retrieval plans and executes the vector searches behind one question.
package retrieval

import (
	"math"

	"github.com/knoguchi/luca/internal/site"
	"github.com/knoguchi/luca/internal/vectorstore"
)

// Query is one similarity search decided by the planner.
type Query struct {
	// Library is the single library this query is restricted to. Empty for the
	// combined query of an unweighted plan.
	Library string
	K       int
	Filter  *vectorstore.Filter
}

// BaseFilter restricts a search to the enabled media types and, when the collection
// names any, to its authors. Nil when there is nothing to restrict.
func BaseFilter(mediaTypes, authors []string) *vectorstore.Filter {
	var typeFilter, authorFilter *vectorstore.Filter
	if len(mediaTypes) > 0 {
		typeFilter = vectorstore.In(vectorstore.MetaType, mediaTypes...)
	}
	if len(authors) > 0 {
		authorFilter = vectorstore.In(vectorstore.MetaAuthor, authors...)
	}
	return vectorstore.And(typeFilter, authorFilter)
}

// Plan decides the searches for a library list.
//
// With no libraries there is a single query carrying only the base filter. When every
// library is unweighted there is a single query whose library condition is an $or over
// the distinct names. Once any library carries a weight, each library gets its own
// query sized by its share of the total weight; unweighted entries then count as 1.
func Plan(libraries []site.LibraryRef, base *vectorstore.Filter, sourceCount int) []Query {
	if len(libraries) == 0 {
		return []Query{{K: sourceCount, Filter: base}}
	}
	if !anyWeighted(libraries) {
		return []Query{{K: sourceCount, Filter: vectorstore.And(base, libraryOr(libraries))}}
	}

	var total float64
	for _, lib := range libraries {
		total += weightOf(lib)
	}

	queries := make([]Query, 0, len(libraries))
	for _, lib := range libraries {
		k := int(math.Ceil(float64(sourceCount) * weightOf(lib) / total))
		if k < 1 {
			k = 1
		}
		queries = append(queries, Query{
			Library: lib.LibraryName(),
			K:       k,
			Filter:  vectorstore.And(base, vectorstore.Eq(vectorstore.MetaLibrary, lib.LibraryName())),
		})
	}
	return queries
}

func anyWeighted(libraries []site.LibraryRef) bool {
	for _, lib := range libraries {
		if _, ok := lib.(site.Weighted); ok {
			return true
		}
	}
	return false
}

func weightOf(lib site.LibraryRef) float64 {
	if w, ok := lib.(site.Weighted); ok {
		return w.Weight
	}
	return 1
}

// libraryOr is always an explicit $or node, even for one library, so the combined
// query keeps the same shape regardless of list length.
func libraryOr(libraries []site.LibraryRef) *vectorstore.Filter {
	seen := make(map[string]struct{}, len(libraries))
	or := &vectorstore.Filter{Op: vectorstore.OpOr}
	for _, lib := range libraries {
		name := lib.LibraryName()
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		or.Children = append(or.Children, vectorstore.Eq(vectorstore.MetaLibrary, name))
	}
	return or
}
