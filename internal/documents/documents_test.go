package documents

import (
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDGeneratorIsStrictlyIncreasingWhenClockStalls(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	generator := NewIDGenerator(func() time.Time { return fixed })

	first := generator.Next()
	second := generator.Next()
	third := generator.Next()

	assert.Equal(t, fixed.UnixMilli(), first)
	assert.Equal(t, first+1, second)
	assert.Equal(t, second+1, third)
}

func TestIDRoundTrip(t *testing.T) {
	id := NewID(TypeRecurringTimestamp, 1234)
	assert.Equal(t, "LT-TS-1234", id)

	ts, ok := TimestampFromID(id)
	require.True(t, ok)
	assert.Equal(t, int64(1234), ts)

	kind, ok := TypeFromID(id)
	require.True(t, ok)
	assert.Equal(t, TypeRecurringTimestamp, kind)

	_, ok = TimestampFromID("garbage")
	assert.False(t, ok)
}

func TestCompareRevisionsPrefersHigherGeneration(t *testing.T) {
	assert.Equal(t, 1, CompareRevisions("3-aaa", "2-fff"))
	assert.Equal(t, -1, CompareRevisions("2-fff", "10-aaa"))
	assert.Equal(t, 1, CompareRevisions("2-b", "2-a"))
	assert.Equal(t, 0, CompareRevisions("2-a", "2-a"))

	next := NextRevision("4-abc")
	generation, ok := RevisionGeneration(next)
	require.True(t, ok)
	assert.Equal(t, 5, generation)
	assert.Len(t, next, len("5-")+32)
}

func TestSelectorRefTriState(t *testing.T) {
	root := Document{ID: "LT-1", Type: TypeRecurringTimer}
	child := Document{ID: "LT-TS-2", Type: TypeRecurringTimestamp, Ref: Ref("LT-1")}
	other := Document{ID: "LT-TS-3", Type: TypeRecurringTimestamp, Ref: Ref("LT-9")}

	absent := Selector{Ref: RefMissing()}
	present := Selector{Ref: RefExists()}
	equals := Selector{Ref: RefIs("LT-1")}
	anyRef := Selector{}

	assert.True(t, absent.Matches(root))
	assert.False(t, absent.Matches(child))
	assert.True(t, present.Matches(child))
	assert.False(t, present.Matches(root))
	assert.True(t, equals.Matches(child))
	assert.False(t, equals.Matches(other))
	assert.True(t, anyRef.Matches(root))
	assert.True(t, anyRef.Matches(other))

	tombstone := root
	tombstone.Deleted = true
	assert.False(t, anyRef.Matches(tombstone))
}

func TestSelectorJSONAcceptsNullAsAbsent(t *testing.T) {
	var selector Selector
	require.NoError(t, json.Unmarshal([]byte(`{"type":"SW","ref":null}`), &selector))
	assert.Equal(t, TypeStopwatch, selector.Type)
	assert.Equal(t, RefAbsent, selector.Ref.Match)

	require.NoError(t, json.Unmarshal([]byte(`{"ref":{"$exists":true}}`), &selector))
	assert.Equal(t, RefPresent, selector.Ref.Match)

	encoded, err := json.Marshal(Selector{Type: TypeStopwatch, Ref: RefMissing()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"SW","ref":{"$exists":false}}`, string(encoded))

	err = json.Unmarshal([]byte(`{"name":"x"}`), &selector)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestQueryApplySortsAndLimits(t *testing.T) {
	docs := []Document{
		{ID: "LT-TS-1", Type: TypeRecurringTimestamp, Ref: Ref("LT-1"), TS: 30},
		{ID: "LT-TS-2", Type: TypeRecurringTimestamp, Ref: Ref("LT-1"), TS: 10},
		{ID: "LT-TS-3", Type: TypeRecurringTimestamp, Ref: Ref("LT-1"), TS: 20},
		{ID: "LT-TS-4", Type: TypeRecurringTimestamp, Ref: Ref("LT-2"), TS: 40},
	}
	query := Query{
		Selector: Selector{Type: TypeRecurringTimestamp, Ref: RefIs("LT-1")},
		Sort:     &Sort{Field: SortByTS, Descending: true},
		Limit:    2,
	}
	result := query.Apply(docs)
	require.Len(t, result, 2)
	assert.Equal(t, "LT-TS-1", result[0].ID)
	assert.Equal(t, "LT-TS-3", result[1].ID)
}

func TestQueryRejectsUnknownSortField(t *testing.T) {
	var query Query
	err := json.Unmarshal([]byte(`{"selector":{},"sort":[{"name":"asc"}]}`), &query)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestDocumentValidate(t *testing.T) {
	assert.NoError(t, Document{ID: "SW-1", Type: TypeStopwatch}.Validate())
	assert.ErrorIs(t, Document{ID: "SW-TS-1", Type: TypeStopwatchEvent}.Validate(), ErrValidation)
	assert.ErrorIs(t, Document{ID: "X-1", Type: "X"}.Validate(), ErrValidation)
	assert.ErrorIs(t, Document{ID: "SW-1", Type: TypeStopwatch, Ref: Ref("SW-0")}.Validate(), ErrValidation)
	assert.NoError(t, Document{ID: "SW-1", Deleted: true}.Validate())
}
