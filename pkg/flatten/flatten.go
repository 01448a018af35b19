// Package flatten walks nested fingerprint documents and yields one
// (path, value) pair per leaf.
package flatten

import (
	"errors"
	"iter"
	"strings"

	"github.com/nicktill/fpcollect/pkg/document"
)

// ErrInvalidPath is returned by ParsePathKey for text that is not a JSON
// array of strings
var ErrInvalidPath = errors.New("invalid path key")

// Path is the ordered sequence of mapping keys leading to a value
type Path []string

// Key returns the canonical serialization of p: a JSON array of strings.
// Keys containing "." or quotes cannot collide with each other.
func (p Path) Key() string {
	items := make([]document.Node, len(p))
	for i, seg := range p {
		items[i] = document.StringNode(seg)
	}
	return string(document.Canonical(document.ListNode(items...)))
}

// String is the human readable dotted form, for logs only
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Less orders paths segment by segment; a prefix sorts before its extensions.
func (p Path) Less(o Path) bool {
	for i := 0; i < len(p) && i < len(o); i++ {
		if p[i] != o[i] {
			return p[i] < o[i]
		}
	}
	return len(p) < len(o)
}

func (p Path) extend(seg string) Path {
	next := make(Path, len(p)+1)
	copy(next, p)
	next[len(p)] = seg
	return next
}

// ParsePathKey decodes a key produced by Path.Key
func ParsePathKey(key string) (Path, error) {
	n, err := document.Parse([]byte(key))
	if err != nil || n.Kind() != document.List {
		return nil, ErrInvalidPath
	}
	p := make(Path, 0, n.Len())
	for _, item := range n.Items() {
		s, ok := item.Str()
		if !ok {
			return nil, ErrInvalidPath
		}
		p = append(p, s)
	}
	return p, nil
}

// Pair is one leaf of a flattened document
type Pair struct {
	Path  Path
	Value document.Node
}

// IsList reports whether the pair carries a whole list
func (p Pair) IsList() bool { return p.Value.Kind() == document.List }

// Options tune how lists are treated
type Options struct {
	// RecurseListMappings additionally flattens every mapping element of a
	// list under the list's own path. The list itself is still yielded whole.
	RecurseListMappings bool
}

// Flatten returns the leaves of doc in key order. Nested mappings extend the
// path; lists are yielded whole as list-valued pairs; null fields are
// skipped. A root that is not a mapping yields nothing.
//
// The sequence holds no state between iterations and can be ranged over any
// number of times.
func Flatten(doc document.Node, opts Options) iter.Seq[Pair] {
	return func(yield func(Pair) bool) {
		if doc.Kind() != document.Map {
			return
		}
		walk(doc, nil, opts, yield)
	}
}

// walk returns false once the consumer stops the iteration
func walk(n document.Node, prefix Path, opts Options, yield func(Pair) bool) bool {
	for _, key := range n.Keys() {
		if len(prefix) == 0 && key == document.InternalIDField {
			continue
		}
		v, _ := n.Get(key)
		path := prefix.extend(key)

		switch v.Kind() {
		case document.Null:
			continue
		case document.Map:
			if !walk(v, path, opts, yield) {
				return false
			}
		case document.List:
			if !yield(Pair{Path: path, Value: v}) {
				return false
			}
			if !opts.RecurseListMappings {
				continue
			}
			for _, item := range v.Items() {
				if item.Kind() != document.Map {
					continue
				}
				if !walk(item, path, opts, yield) {
					return false
				}
			}
		default:
			if !yield(Pair{Path: path, Value: v}) {
				return false
			}
		}
	}
	return true
}

// Collect drains Flatten into a slice
func Collect(doc document.Node, opts Options) []Pair {
	var out []Pair
	for p := range Flatten(doc, opts) {
		out = append(out, p)
	}
	return out
}
