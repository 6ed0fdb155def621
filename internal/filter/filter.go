// Package filter implements the metadata filter DSL evaluated against a
// vector's JSON metadata during query/recommend/discover/scroll: a
// must/should/must_not tree over match/range/in leaves, grounded in the
// teacher's schema package's tree-walking validation style.
package filter

import (
	"encoding/json"

	"vecengine/internal/common"
)

// Clause is one node of the filter tree. Exactly the populated field
// (Must/Should/MustNot for an internal node, or one of Match/Range/In for
// a leaf) determines its kind; a clause with none of those set is
// rejected by Compile.
type Clause struct {
	Must    []Clause `json:"must,omitempty"`
	Should  []Clause `json:"should,omitempty"`
	MustNot []Clause `json:"must_not,omitempty"`

	Match *MatchClause `json:"match,omitempty"`
	Range *RangeClause `json:"range,omitempty"`
	In    *InClause    `json:"in,omitempty"`
}

// MatchClause requires metadata.Field to equal Value exactly (after JSON
// decoding, so numbers compare as float64).
type MatchClause struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

// RangeClause requires metadata.Field to be a JSON number within the
// given bounds; any bound left nil is unconstrained.
type RangeClause struct {
	Field string   `json:"field"`
	Gte   *float64 `json:"gte,omitempty"`
	Gt    *float64 `json:"gt,omitempty"`
	Lte   *float64 `json:"lte,omitempty"`
	Lt    *float64 `json:"lt,omitempty"`
}

// InClause requires metadata.Field to equal one of Values.
type InClause struct {
	Field  string        `json:"field"`
	Values []interface{} `json:"values"`
}

// Predicate evaluates a clause tree against one vector's metadata.
type Predicate func(metadata json.RawMessage) bool

// Compile validates clause and returns a Predicate that evaluates it. A
// field missing from a vector's metadata never matches any leaf, so a
// positive clause over an absent field simply excludes that vector rather
// than erroring.
func Compile(clause *Clause) (Predicate, error) {
	if clause == nil {
		return func(json.RawMessage) bool { return true }, nil
	}
	if err := validate(clause); err != nil {
		return nil, err
	}
	return func(metadata json.RawMessage) bool {
		doc := decode(metadata)
		return eval(clause, doc)
	}, nil
}

func validate(c *Clause) error {
	kinds := 0
	if len(c.Must) > 0 || len(c.Should) > 0 || len(c.MustNot) > 0 {
		kinds++
		for _, sub := range c.Must {
			if err := validate(&sub); err != nil {
				return err
			}
		}
		for _, sub := range c.Should {
			if err := validate(&sub); err != nil {
				return err
			}
		}
		for _, sub := range c.MustNot {
			if err := validate(&sub); err != nil {
				return err
			}
		}
	}
	if c.Match != nil {
		kinds++
		if c.Match.Field == "" {
			return common.NewError(common.ErrInvalidInput, "filter: match clause requires a field")
		}
	}
	if c.Range != nil {
		kinds++
		if c.Range.Field == "" {
			return common.NewError(common.ErrInvalidInput, "filter: range clause requires a field")
		}
	}
	if c.In != nil {
		kinds++
		if c.In.Field == "" || len(c.In.Values) == 0 {
			return common.NewError(common.ErrInvalidInput, "filter: in clause requires a field and values")
		}
	}
	if kinds == 0 {
		return common.NewError(common.ErrInvalidInput, "filter: empty clause")
	}
	return nil
}

func decode(metadata json.RawMessage) map[string]interface{} {
	if len(metadata) == 0 {
		return nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(metadata, &doc); err != nil {
		return nil
	}
	return doc
}

func eval(c *Clause, doc map[string]interface{}) bool {
	if len(c.Must) > 0 || len(c.Should) > 0 || len(c.MustNot) > 0 {
		for _, sub := range c.Must {
			if !eval(&sub, doc) {
				return false
			}
		}
		for _, sub := range c.MustNot {
			if eval(&sub, doc) {
				return false
			}
		}
		if len(c.Should) > 0 {
			any := false
			for _, sub := range c.Should {
				if eval(&sub, doc) {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		}
		return true
	}
	switch {
	case c.Match != nil:
		v, ok := doc[c.Match.Field]
		return ok && equalJSON(v, c.Match.Value)
	case c.Range != nil:
		v, ok := doc[c.Range.Field]
		if !ok {
			return false
		}
		n, ok := v.(float64)
		if !ok {
			return false
		}
		return inRange(n, c.Range)
	case c.In != nil:
		v, ok := doc[c.In.Field]
		if !ok {
			return false
		}
		for _, want := range c.In.Values {
			if equalJSON(v, want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func inRange(n float64, r *RangeClause) bool {
	if r.Gte != nil && n < *r.Gte {
		return false
	}
	if r.Gt != nil && n <= *r.Gt {
		return false
	}
	if r.Lte != nil && n > *r.Lte {
		return false
	}
	if r.Lt != nil && n >= *r.Lt {
		return false
	}
	return true
}

func equalJSON(a, b interface{}) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af == bf
	}
	return a == b
}
