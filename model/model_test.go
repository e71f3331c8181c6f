package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableByName(t *testing.T) {
	table, err := TableByName("course_control")
	require.NoError(t, err)
	assert.Equal(t, TableCourseControl, table)

	table, err = TableByName("")
	require.NoError(t, err)
	assert.Equal(t, TableNull, table)

	_, err = TableByName("nope")
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestRecordJSONRoundTrip(t *testing.T) {
	rec := NewRecord(TableProfile, map[string]any{
		"type":  "t",
		"name":  "n",
		"value": "{}",
	})
	rec.Id = 7
	rec.LatestRevision = 12
	rec.Complete = true

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var out Record
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, TableProfile, out.Table)
	assert.Equal(t, Id(7), out.Id)
	assert.Equal(t, Revision(12), out.LatestRevision)
	assert.True(t, out.Complete)
	assert.True(t, rec.Equal(out))
}

func TestRecordNullSerializesToNull(t *testing.T) {
	data, err := json.Marshal(Record{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	var out Record
	require.NoError(t, json.Unmarshal([]byte("null"), &out))
	assert.True(t, out.IsNull())
	assert.Empty(t, out.Values)
}

func TestRecordDraftHasNullId(t *testing.T) {
	draft := NewRecord(TableMeta, map[string]any{"key": "k", "value": "v"})
	data, err := json.Marshal(draft)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Nil(t, raw["id"])
}

func TestOperatorApply(t *testing.T) {
	assert.True(t, OpEqual.Apply(int64(5), float64(5)))
	assert.False(t, OpEqual.Apply(int64(5), "5"))
	assert.True(t, OpNotEqual.Apply("a", "b"))
	assert.True(t, OpLess.Apply(int64(3), 4))
	assert.True(t, OpLessEqual.Apply(4.0, int64(4)))
	assert.True(t, OpGreater.Apply("b", "a"))
	assert.True(t, OpGreaterEqual.Apply(uint64(9), int64(9)))
	// No common ordering: never matches an ordered operator.
	assert.False(t, OpLess.Apply(true, int64(1)))
}

func TestTableQueryMatchesRecord(t *testing.T) {
	rec := NewRecord(TableCourse, map[string]any{"stage_id": int64(3), "name": "course a"})
	rec.Id = 11

	assert.True(t, NewTableQuery(TableCourse).MatchesRecord(rec))
	assert.False(t, NewTableQuery(TableControl).MatchesRecord(rec))
	assert.True(t, NewTableQuery(TableCourse, Eq("stage_id", 3)).MatchesRecord(rec))
	assert.False(t, NewTableQuery(TableCourse, Eq("stage_id", 4)).MatchesRecord(rec))
	assert.True(t, NewTableQuery(TableCourse, Eq("id", 11)).MatchesRecord(rec))
	assert.False(t, NewTableQuery(TableCourse, Eq("id", 12)).MatchesRecord(rec))
	// Absent plain field never matches.
	assert.False(t, NewTableQuery(TableCourse, Eq("missing", 1)).MatchesRecord(rec))
	// Join-path fields match conservatively.
	assert.True(t, NewTableQuery(TableCourse, Eq("stage_id>competition_id", 99)).MatchesRecord(rec))
}

func TestChangeQueryMatchesRevisionBound(t *testing.T) {
	rec := NewRecord(TableProfile, map[string]any{"name": "n"})
	rec.Id = 1
	change := Change{Record: rec, Revision: 5, Type: ChangeUpdate}

	query := NewChangeQuery(NewTableQuery(TableProfile), 4)
	assert.True(t, query.Matches(change))

	// fromRevision is an exclusive lower bound.
	query.FromRevision = 5
	assert.False(t, query.Matches(change))
}

func TestChangeJSONRoundTrip(t *testing.T) {
	rec := NewRecord(TableProfile, map[string]any{"value": "[]"})
	rec.Id = 1
	rec.Complete = true
	in := ChangeResponse{
		Query:        NewChangeQuery(NewTableQuery(TableProfile, Eq("name", "n")), 2),
		Changes:      []Change{{Record: rec, Revision: 3, Type: ChangeUpdate, UpdatedFields: []string{"value"}}},
		LastRevision: 3,
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out ChangeResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, Revision(3), out.LastRevision)
	require.Len(t, out.Changes, 1)
	assert.Equal(t, ChangeUpdate, out.Changes[0].Type)
	assert.Equal(t, []string{"value"}, out.Changes[0].UpdatedFields)
	assert.True(t, in.Query.Equal(out.Query))
	assert.True(t, rec.Equal(out.Changes[0].Record))
}

func TestChangesBetween(t *testing.T) {
	a := NewRecord(TableMeta, map[string]any{"key": "k", "value": "1"})
	b := NewRecord(TableMeta, map[string]any{"key": "k", "value": "2"})
	assert.Equal(t, []string{"value"}, a.ChangesBetween(b))
	assert.Empty(t, a.ChangesBetween(a))
}
