package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// contentField is the payload field holding the chunk text.
const contentField = "text"

// QdrantStore implements VectorStore against one Qdrant collection
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// QdrantConfig holds connection settings for QdrantStore.
type QdrantConfig struct {
	// URL in "host:port" form (e.g., "localhost:6334").
	URL        string
	APIKey     string
	Collection string
}

// NewQdrantStore creates a new Qdrant vector store client
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(cfg.URL)
	if err != nil {
		// If no port specified, assume default
		host = cfg.URL
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.APIKey != "",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	exists, err := client.CollectionExists(ctx, cfg.Collection)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check collection %q: %w", cfg.Collection, err)
	}
	if !exists {
		client.Close()
		return nil, fmt.Errorf("qdrant collection %q does not exist", cfg.Collection)
	}

	return &QdrantStore{client: client, collection: cfg.Collection}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Ping reports whether the collection is reachable.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.CollectionExists(ctx, s.collection); err != nil {
		return fmt.Errorf("qdrant unreachable: %w", err)
	}
	return nil
}

// SimilaritySearch performs a filtered nearest-neighbour query
func (s *QdrantStore) SimilaritySearch(ctx context.Context, vector []float32, k int, filter *Filter) ([]ScoredDocument, error) {
	if k <= 0 {
		return nil, nil
	}

	query := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if filter != nil {
		qf, err := toQdrantFilter(filter)
		if err != nil {
			return nil, err
		}
		query.Filter = qf
	}

	response, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]ScoredDocument, 0, len(response))
	for _, point := range response {
		doc := ScoredDocument{
			Document: Document{Metadata: make(map[string]string, len(point.Payload))},
			Score:    point.Score,
		}
		for k, v := range point.Payload {
			if k == contentField {
				doc.PageContent = v.GetStringValue()
				continue
			}
			doc.Metadata[k] = payloadString(v)
		}
		results = append(results, doc)
	}

	return results, nil
}

// toQdrantFilter translates a Filter tree. The root is always wrapped so that
// Eq/In leaves and Or nodes become conditions of a Must or Should list.
func toQdrantFilter(f *Filter) (*qdrant.Filter, error) {
	switch f.Op {
	case OpAnd, OpOr:
		conds := make([]*qdrant.Condition, 0, len(f.Children))
		for _, c := range f.Children {
			cond, err := toQdrantCondition(c)
			if err != nil {
				return nil, err
			}
			conds = append(conds, cond)
		}
		if f.Op == OpAnd {
			return &qdrant.Filter{Must: conds}, nil
		}
		return &qdrant.Filter{Should: conds}, nil
	default:
		cond, err := toQdrantCondition(f)
		if err != nil {
			return nil, err
		}
		return &qdrant.Filter{Must: []*qdrant.Condition{cond}}, nil
	}
}

func toQdrantCondition(f *Filter) (*qdrant.Condition, error) {
	switch f.Op {
	case OpEq:
		if len(f.Values) != 1 {
			return nil, fmt.Errorf("$eq on %q needs exactly one value", f.Field)
		}
		return qdrant.NewMatch(f.Field, f.Values[0]), nil
	case OpIn:
		return qdrant.NewMatchKeywords(f.Field, f.Values...), nil
	case OpAnd, OpOr:
		nested, err := toQdrantFilter(f)
		if err != nil {
			return nil, err
		}
		return qdrant.NewFilterAsCondition(nested), nil
	default:
		return nil, fmt.Errorf("unknown filter op %q", f.Op)
	}
}

func payloadString(v *qdrant.Value) string {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return strconv.FormatInt(kind.IntegerValue, 10)
	case *qdrant.Value_DoubleValue:
		return strconv.FormatFloat(kind.DoubleValue, 'f', -1, 64)
	case *qdrant.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue)
	case *qdrant.Value_ListValue:
		parts := make([]string, 0, len(kind.ListValue.GetValues()))
		for _, item := range kind.ListValue.GetValues() {
			parts = append(parts, payloadString(item))
		}
		return strings.Join(parts, ",")
	default:
		return ""
	}
}

// Ensure QdrantStore implements VectorStore
var _ VectorStore = (*QdrantStore)(nil)
