package aggregate

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/flatten"
)

// LengthKey is the pseudo-value under which list lengths are counted.
// Serialized values are JSON text, so no real value serializes to a bare l.
const LengthKey = "l"

// Distribution counts the values seen at one path
type Distribution struct {
	// Values maps canonical JSON of a value (or list element) to its count
	Values map[string]int64

	// Lengths maps list length to count; nil when the path never held a list
	Lengths map[int]int64
}

func newDistribution() *Distribution {
	return &Distribution{Values: make(map[string]int64)}
}

func (d *Distribution) addLength(n int, count int64) {
	if d.Lengths == nil {
		d.Lengths = make(map[int]int64)
	}
	d.Lengths[n] += count
}

// Total is the sum of all value counts
func (d *Distribution) Total() int64 {
	var n int64
	for _, c := range d.Values {
		n += c
	}
	return n
}

// MarshalJSON renders {"<value>": n, ..., "l": {"<len>": n}}
func (d *Distribution) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Values)+1)
	for v, c := range d.Values {
		out[v] = c
	}
	if d.Lengths != nil {
		lengths := make(map[string]int64, len(d.Lengths))
		for n, c := range d.Lengths {
			lengths[strconv.Itoa(n)] = c
		}
		out[LengthKey] = lengths
	}
	return document.JSON().Marshal(out)
}

// Table maps canonical path keys to their distributions. It is a
// commutative monoid under Merge, so partial tables can be combined in any
// order.
type Table map[string]*Distribution

// Add counts one flattened pair. A list counts each element and its length.
func (t Table) Add(p flatten.Pair) {
	key := p.Path.Key()
	d, ok := t[key]
	if !ok {
		d = newDistribution()
		t[key] = d
	}

	if p.IsList() {
		items := p.Value.Items()
		for _, item := range items {
			d.Values[item.String()]++
		}
		d.addLength(len(items), 1)
		return
	}
	d.Values[p.Value.String()]++
}

// Merge folds other into t
func (t Table) Merge(other Table) {
	for key, od := range other {
		d, ok := t[key]
		if !ok {
			d = newDistribution()
			t[key] = d
		}
		for v, c := range od.Values {
			d.Values[v] += c
		}
		for n, c := range od.Lengths {
			d.addLength(n, c)
		}
	}
}

// Paths returns the path keys in path order
func (t Table) Paths() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, erri := flatten.ParsePathKey(keys[i])
		pj, errj := flatten.ParsePathKey(keys[j])
		if erri != nil || errj != nil {
			return keys[i] < keys[j]
		}
		return pi.Less(pj)
	})
	return keys
}

// MarshalJSON renders the table with keys in byte order
func (t Table) MarshalJSON() ([]byte, error) {
	return document.JSON().Marshal(map[string]*Distribution(t))
}

// UnmarshalJSON reads the shape MarshalJSON writes
func (t *Table) UnmarshalJSON(data []byte) error {
	root, err := document.Parse(data)
	if err != nil {
		return err
	}
	if root.Kind() != document.Map {
		return fmt.Errorf("table must be an object, got %s", root.Kind())
	}

	out := make(Table, root.Len())
	for _, path := range root.Keys() {
		dn, _ := root.Get(path)
		if dn.Kind() != document.Map {
			return fmt.Errorf("path %s: distribution must be an object", path)
		}
		d := newDistribution()
		for _, v := range dn.Keys() {
			cn, _ := dn.Get(v)
			if v == LengthKey && cn.Kind() == document.Map {
				for _, ls := range cn.Keys() {
					n, err := strconv.Atoi(ls)
					if err != nil {
						return fmt.Errorf("path %s: bad list length %q", path, ls)
					}
					c, _ := cn.Get(ls)
					count, err := c.Int()
					if err != nil {
						return fmt.Errorf("path %s length %s: %w", path, ls, err)
					}
					d.addLength(n, count)
				}
				continue
			}
			count, err := cn.Int()
			if err != nil {
				return fmt.Errorf("path %s value %s: %w", path, v, err)
			}
			d.Values[v] = count
		}
		out[path] = d
	}
	*t = out
	return nil
}
