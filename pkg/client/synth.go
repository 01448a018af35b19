package client

import (
	"fmt"
	"sort"

	"github.com/nicktill/fpcollect/pkg/aggregate"
	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/flatten"
)

// Synthesis is a document assembled from per-path majorities
type Synthesis struct {
	Document document.Node

	// Skipped lists path keys that could not be placed because a shorter
	// path already holds a value there, or that had no usable value.
	Skipped []string
}

// MostCommon returns the value with the highest count. Ties go to the
// smallest value so the choice is deterministic.
func MostCommon(values map[string]int64) (string, bool) {
	var (
		best  string
		count int64
		found bool
	)
	for v, c := range values {
		if !found || c > count || (c == count && v < best) {
			best, count, found = v, c, true
		}
	}
	return best, found
}

// TopN returns up to n distinct values by descending count, ties by value
func TopN(values map[string]int64, n int) []string {
	keys := make([]string, 0, len(values))
	for v := range values {
		keys = append(keys, v)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := values[keys[i]], values[keys[j]]
		if ci != cj {
			return ci > cj
		}
		return keys[i] < keys[j]
	})
	if n < len(keys) {
		keys = keys[:n]
	}
	return keys
}

func mostCommonLength(lengths map[int]int64) int {
	best, count := 0, int64(-1)
	for n, c := range lengths {
		if c > count || (c == count && n < best) {
			best, count = n, c
		}
	}
	return best
}

// Synthesize picks, for every path, its most frequent value. A list-valued
// path takes its most frequent length n and then its n most frequent
// elements.
func Synthesize(table aggregate.Table) (*Synthesis, error) {
	root := newTree()
	out := &Synthesis{}

	for _, key := range table.Paths() {
		path, err := flatten.ParsePathKey(key)
		if err != nil {
			return nil, err
		}
		d := table[key]

		value, ok, err := choose(d)
		if err != nil {
			return nil, fmt.Errorf("path %s: %w", path, err)
		}
		if !ok || !root.place(path, value) {
			out.Skipped = append(out.Skipped, key)
		}
	}

	out.Document = root.node()
	return out, nil
}

func choose(d *aggregate.Distribution) (document.Node, bool, error) {
	if d.Lengths != nil {
		n := mostCommonLength(d.Lengths)
		items := make([]document.Node, 0, n)
		for _, raw := range TopN(d.Values, n) {
			item, err := document.Parse([]byte(raw))
			if err != nil {
				return document.Node{}, false, err
			}
			items = append(items, item)
		}
		return document.ListNode(items...), true, nil
	}

	raw, ok := MostCommon(d.Values)
	if !ok {
		return document.Node{}, false, nil
	}
	v, err := document.Parse([]byte(raw))
	if err != nil {
		return document.Node{}, false, err
	}
	return v, true, nil
}

// tree is a mutable nesting used while placing paths
type tree struct {
	leaf     *document.Node
	children map[string]*tree
}

func newTree() *tree { return &tree{children: make(map[string]*tree)} }

// place stores v at path unless a value already sits on or above it
func (t *tree) place(path flatten.Path, v document.Node) bool {
	if len(path) == 0 {
		return false
	}
	cur := t
	for _, seg := range path[:len(path)-1] {
		if cur.leaf != nil {
			return false
		}
		next, ok := cur.children[seg]
		if !ok {
			next = newTree()
			cur.children[seg] = next
		}
		cur = next
	}
	if cur.leaf != nil {
		return false
	}
	last := path[len(path)-1]
	if existing, ok := cur.children[last]; ok && (existing.leaf != nil || len(existing.children) > 0) {
		return false
	}
	cur.children[last] = &tree{leaf: &v}
	return true
}

func (t *tree) node() document.Node {
	if t.leaf != nil {
		return *t.leaf
	}
	fields := make(map[string]document.Node, len(t.children))
	for k, child := range t.children {
		fields[k] = child.node()
	}
	return document.MapNode(fields)
}
