package vectorstore

import (
	"encoding/json"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAndOr_DropNilAndCollapse(t *testing.T) {
	assert.Nil(t, And())
	assert.Nil(t, Or(nil, nil))

	eq := Eq("library", "A")
	assert.Same(t, eq, And(nil, eq))

	both := And(Eq("type", "text"), eq)
	require.NotNil(t, both)
	assert.Equal(t, OpAnd, both.Op)
	assert.Len(t, both.Children, 2)
}

func TestFilter_MarshalJSON(t *testing.T) {
	f := And(
		In("type", "text", "audio"),
		&Filter{Op: OpOr, Children: []*Filter{Eq("library", "A"), Eq("library", "B")}},
	)

	got, err := json.Marshal(f)
	require.NoError(t, err)

	want := `{"$and":[{"type":{"$in":["text","audio"]}},{"$or":[{"library":{"$eq":"A"}},{"library":{"$eq":"B"}}]}]}`
	assert.JSONEq(t, want, string(got))
}

func TestFilter_MarshalJSONNil(t *testing.T) {
	var f *Filter
	got, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Equal(t, "null", string(got))
}

func TestFilter_FieldValues(t *testing.T) {
	f := And(In("type", "text"), Or(Eq("library", "A"), Eq("library", "B")))
	assert.Equal(t, []string{"A", "B"}, f.FieldValues("library"))
	assert.Equal(t, []string{"text"}, f.FieldValues("type"))
	assert.Empty(t, f.FieldValues("author"))
}

func TestToQdrantFilter(t *testing.T) {
	f := And(
		In("type", "text"),
		&Filter{Op: OpOr, Children: []*Filter{Eq("library", "A"), Eq("library", "B")}},
	)

	qf, err := toQdrantFilter(f)
	require.NoError(t, err)
	require.Len(t, qf.Must, 2)
	assert.Empty(t, qf.Should)

	nested := qf.Must[1].GetFilter()
	require.NotNil(t, nested, "the $or branch should become a nested filter condition")
	assert.Len(t, nested.Should, 2)
	assert.Equal(t, "library", nested.Should[0].GetField().GetKey())
}

func TestToQdrantFilter_Leaf(t *testing.T) {
	qf, err := toQdrantFilter(Eq("library", "A"))
	require.NoError(t, err)
	require.Len(t, qf.Must, 1)
	assert.Equal(t, "A", qf.Must[0].GetField().GetMatch().GetKeyword())
}

func TestPayloadString(t *testing.T) {
	assert.Equal(t, "hello", payloadString(qdrant.NewValueString("hello")))
	assert.Equal(t, "42", payloadString(qdrant.NewValueInt(42)))
	assert.Equal(t, "true", payloadString(qdrant.NewValueBool(true)))
	assert.Equal(t, "1.5", payloadString(qdrant.NewValueDouble(1.5)))
}
