package filter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchClause(t *testing.T) {
	pred, err := Compile(&Clause{Match: &MatchClause{Field: "color", Value: "red"}})
	require.NoError(t, err)

	assert.True(t, pred(json.RawMessage(`{"color":"red"}`)))
	assert.False(t, pred(json.RawMessage(`{"color":"blue"}`)))
	assert.False(t, pred(json.RawMessage(`{}`)))
}

func TestRangeClause(t *testing.T) {
	gte := 10.0
	lt := 20.0
	pred, err := Compile(&Clause{Range: &RangeClause{Field: "price", Gte: &gte, Lt: &lt}})
	require.NoError(t, err)

	assert.True(t, pred(json.RawMessage(`{"price":15}`)))
	assert.False(t, pred(json.RawMessage(`{"price":20}`)))
	assert.False(t, pred(json.RawMessage(`{"price":9}`)))
	assert.False(t, pred(json.RawMessage(`{}`)))
}

func TestInClause(t *testing.T) {
	pred, err := Compile(&Clause{In: &InClause{Field: "tag", Values: []interface{}{"a", "b"}}})
	require.NoError(t, err)

	assert.True(t, pred(json.RawMessage(`{"tag":"b"}`)))
	assert.False(t, pred(json.RawMessage(`{"tag":"c"}`)))
}

func TestMustNotAndShould(t *testing.T) {
	clause := &Clause{
		MustNot: []Clause{{Match: &MatchClause{Field: "archived", Value: true}}},
		Should: []Clause{
			{Match: &MatchClause{Field: "tag", Value: "a"}},
			{Match: &MatchClause{Field: "tag", Value: "b"}},
		},
	}
	pred, err := Compile(clause)
	require.NoError(t, err)

	assert.True(t, pred(json.RawMessage(`{"tag":"a"}`)))
	assert.False(t, pred(json.RawMessage(`{"tag":"a","archived":true}`)))
	assert.False(t, pred(json.RawMessage(`{"tag":"c"}`)))
}

func TestCompileRejectsEmptyClause(t *testing.T) {
	_, err := Compile(&Clause{})
	assert.Error(t, err)
}

func TestCompileNilClauseMatchesEverything(t *testing.T) {
	pred, err := Compile(nil)
	require.NoError(t, err)
	assert.True(t, pred(json.RawMessage(`{}`)))
	assert.True(t, pred(nil))
}
