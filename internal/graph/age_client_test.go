package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceVertex = `{"id": 844424930131969, "label": "Person", "properties": {"name": "Alice", "age": 31}}::vertex`
	bobVertex   = `{"id": 844424930131970, "label": "Person", "properties": {"name": "Bob"}}::vertex`
	knowsEdge   = `{"id": 1125899906842625, "label": "KNOWS", "end_id": 844424930131970, "start_id": 844424930131969, "properties": {"since": 2019}}::edge`
)

func TestAGENormalizeVertexEdgeVertex(t *testing.T) {
	raw := RawRecords{
		Columns: []string{"n", "r", "m"},
		Rows:    [][]any{{Agtype(aliceVertex), Agtype(knowsEdge), Agtype(bobVertex)}},
	}

	res := AGEAdapter{}.Normalize(raw)

	require.Len(t, res.Nodes, 2)
	require.Len(t, res.Relationships, 1)
	assert.Equal(t, "844424930131969", res.Nodes[0].ID)
	assert.Equal(t, []string{"Person"}, res.Nodes[0].Labels)
	assert.Equal(t, "Alice", res.Nodes[0].Properties["name"])
	assert.Equal(t, int64(31), res.Nodes[0].Properties["age"])

	rel := res.Relationships[0]
	assert.Equal(t, "1125899906842625", rel.ID)
	assert.Equal(t, "KNOWS", rel.Type)
	assert.Equal(t, res.Nodes[0].ID, rel.StartNodeID)
	assert.Equal(t, res.Nodes[1].ID, rel.EndNodeID)
	assert.Equal(t, int64(2019), rel.Properties["since"])

	assert.Equal(t, []string{"n", "r", "m"}, res.Columns)
	require.Len(t, res.Rows, 1)
	cell, ok := res.Rows[0].Get("n")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"__type": "node", "id": "844424930131969", "display": "(Person: Alice)"}, cell)
	assert.True(t, res.GraphCompatible)
	assert.False(t, res.PathsOnly)
	assert.Equal(t, 1, res.RowCount)
}

func TestAGENormalizeDeduplicatesAcrossRows(t *testing.T) {
	raw := RawRecords{
		Columns: []string{"n", "r", "m"},
		Rows: [][]any{
			{Agtype(aliceVertex), Agtype(knowsEdge), Agtype(bobVertex)},
			{Agtype(aliceVertex), Agtype(knowsEdge), Agtype(bobVertex)},
		},
	}

	res := AGEAdapter{}.Normalize(raw)

	assert.Len(t, res.Nodes, 2)
	assert.Len(t, res.Relationships, 1)
	assert.Len(t, res.Rows, 2)
}

func TestAGENormalizeKeepsDanglingEdge(t *testing.T) {
	raw := RawRecords{
		Columns: []string{"r"},
		Rows:    [][]any{{Agtype(knowsEdge)}},
	}

	res := AGEAdapter{}.Normalize(raw)

	assert.Empty(t, res.Nodes)
	require.Len(t, res.Relationships, 1)
	assert.Equal(t, "844424930131970", res.Relationships[0].EndNodeID)
}

func TestAGENormalizePath(t *testing.T) {
	path := "[" + aliceVertex + ", " + knowsEdge + ", " + bobVertex + "]::path"
	raw := RawRecords{Columns: []string{"p"}, Rows: [][]any{{Agtype(path)}}}

	res := AGEAdapter{}.Normalize(raw)

	assert.Len(t, res.Nodes, 2)
	assert.Len(t, res.Relationships, 1)
	cell, _ := res.Rows[0].Get("p")
	assert.Equal(t, map[string]any{"__type": "path", "display": "Path(length=1)"}, cell)
	assert.True(t, res.PathsOnly)
	assert.True(t, res.GraphCompatible)
}

func TestAGENormalizeScalarsAndFallbacks(t *testing.T) {
	raw := RawRecords{
		Columns: []string{"count", "ratio", "big", "amount", "tags", "odd", "broken", "plain"},
		Rows: [][]any{{
			Agtype("42"),
			Agtype("NaN"),
			Agtype("9007199254740993"),
			Agtype("10.25::numeric"),
			Agtype(`["a", {"k": null}]`),
			Agtype(`{"x": 1}::shape`),
			Agtype(`{"unterminated": `),
			int32(7),
		}},
	}

	res := AGEAdapter{}.Normalize(raw)
	row := res.Rows[0]

	get := func(col string) any {
		v, ok := row.Get(col)
		require.True(t, ok, col)
		return v
	}
	assert.Equal(t, int64(42), get("count"))
	assert.Equal(t, "NaN", get("ratio"))
	assert.Equal(t, "9007199254740993", get("big"))
	assert.Equal(t, "10.25", get("amount"))
	assert.Equal(t, []any{"a", map[string]any{"k": nil}}, get("tags"))
	assert.Equal(t, `{"x": 1}::shape`, get("odd"))
	assert.Equal(t, `{"unterminated": `, get("broken"))
	assert.Equal(t, int64(7), get("plain"))
	assert.False(t, res.GraphCompatible)
	assert.Empty(t, res.Nodes)
}

func TestAGENormalizeNullCell(t *testing.T) {
	raw := RawRecords{Columns: []string{"n"}, Rows: [][]any{{nil}}}

	res := AGEAdapter{}.Normalize(raw)

	v, _ := res.Rows[0].Get("n")
	assert.Nil(t, v)
}

func TestAgtypeCellStripsBinaryVersion(t *testing.T) {
	assert.Equal(t, Agtype(`{"a": 1}`), agtypeCell(append([]byte{0x01}, `{"a": 1}`...)))
	assert.Equal(t, Agtype("1"), agtypeCell("1"))
	assert.Nil(t, agtypeCell(nil))
}
