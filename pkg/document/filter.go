package document

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// ErrInvalidFilter is returned for filters that are not a JSON object or
// that carry an unparsable JSONPath key
var ErrInvalidFilter = errors.New("invalid filter")

// Filter is a set of exact-match constraints over a document.
//
// Plain keys constrain a top-level field: the field must be present and
// canonically equal to the wanted value. A wanted null also matches an absent
// field. Keys starting with "$" are JSONPath selectors; the constraint holds
// when any selected value equals the wanted value.
type Filter struct {
	constraints []constraint
}

type constraint struct {
	key  string
	expr jp.Expr // nil for plain keys
	want Node
}

// NewFilter builds a Filter from a mapping. Null and empty mappings yield the
// match-all filter. The internal id field is dropped.
func NewFilter(n Node) (Filter, error) {
	switch n.Kind() {
	case Null:
		return Filter{}, nil
	case Map:
	default:
		return Filter{}, fmt.Errorf("%w: expected object, got %s", ErrInvalidFilter, n.Kind())
	}

	var f Filter
	for _, key := range n.Keys() {
		if key == InternalIDField {
			continue
		}
		c := constraint{key: key, want: n.fields[key]}
		if strings.HasPrefix(key, "$") {
			expr, err := jp.ParseString(key)
			if err != nil {
				return Filter{}, fmt.Errorf("%w: jsonpath %q: %v", ErrInvalidFilter, key, err)
			}
			c.expr = expr
		}
		f.constraints = append(f.constraints, c)
	}
	return f, nil
}

// MustFilter is NewFilter for literals known to be valid
func MustFilter(n Node) Filter {
	f, err := NewFilter(n)
	if err != nil {
		panic(err)
	}
	return f
}

// Empty reports whether f matches every document
func (f Filter) Empty() bool { return len(f.constraints) == 0 }

// Plain returns the wanted value of a top-level constraint on key
func (f Filter) Plain(key string) (Node, bool) {
	for _, c := range f.constraints {
		if c.expr == nil && c.key == key {
			return c.want, true
		}
	}
	return Node{}, false
}

// PlainFields returns all top-level constraints keyed by field name
func (f Filter) PlainFields() map[string]Node {
	out := make(map[string]Node)
	for _, c := range f.constraints {
		if c.expr == nil {
			out[c.key] = c.want
		}
	}
	return out
}

// Node rebuilds the mapping the filter was built from
func (f Filter) Node() Node {
	fields := make(map[string]Node, len(f.constraints))
	for _, c := range f.constraints {
		fields[c.key] = c.want
	}
	return MapNode(fields)
}

// Keys returns the constrained keys in sorted order
func (f Filter) Keys() []string {
	keys := make([]string, 0, len(f.constraints))
	for _, c := range f.constraints {
		keys = append(keys, c.key)
	}
	sort.Strings(keys)
	return keys
}

// Match reports whether doc satisfies every constraint
func (f Filter) Match(doc Node) bool {
	var generic any
	for _, c := range f.constraints {
		if c.expr == nil {
			got, ok := doc.Get(c.key)
			if !ok {
				if c.want.IsNull() {
					continue
				}
				return false
			}
			if !Equal(got, c.want) {
				return false
			}
			continue
		}

		if generic == nil {
			generic = ToAny(doc)
		}
		results := c.expr.Get(generic)
		if len(results) == 0 {
			if c.want.IsNull() {
				continue
			}
			return false
		}
		matched := false
		for _, r := range results {
			if Equal(FromAny(r), c.want) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Map returns a filter whose wanted values are transformed by fn. Keys and
// selectors are kept.
func (f Filter) Map(fn func(Node) (Node, error)) (Filter, error) {
	out := Filter{constraints: make([]constraint, len(f.constraints))}
	for i, c := range f.constraints {
		want, err := fn(c.want)
		if err != nil {
			return Filter{}, err
		}
		out.constraints[i] = constraint{key: c.key, expr: c.expr, want: want}
	}
	return out, nil
}
