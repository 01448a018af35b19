package document

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies which variant a Node holds
type Kind uint8

const (
	Null Kind = iota
	Bool
	Number
	String
	List
	Map
)

// String returns the lowercase name of the kind
func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case List:
		return "list"
	case Map:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// InternalIDField is the storage-internal identifier field. It is never
// flattened and never accepted as a filter constraint.
const InternalIDField = "_id"

// ErrNotInteger is returned by Node.Int for non-integral numbers
var ErrNotInteger = errors.New("number is not an integer")

// Node is one value of a fingerprint document: a scalar, a list, or a mapping.
// The zero Node is JSON null. Nodes are immutable once built; the With and
// Without helpers return modified copies.
type Node struct {
	kind   Kind
	b      bool
	s      string // string value, or the literal text of a number
	items  []Node
	fields map[string]Node
}

// NullNode returns JSON null
func NullNode() Node { return Node{} }

// BoolNode wraps a boolean
func BoolNode(b bool) Node { return Node{kind: Bool, b: b} }

// StringNode wraps a string
func StringNode(s string) Node { return Node{kind: String, s: s} }

// NumberNode wraps a JSON number literal exactly as written ("1", "1.0", "1e3")
func NumberNode(literal string) Node { return Node{kind: Number, s: literal} }

// IntNode wraps an integer
func IntNode(i int64) Node { return Node{kind: Number, s: strconv.FormatInt(i, 10)} }

// ListNode wraps a list of nodes
func ListNode(items ...Node) Node {
	if items == nil {
		items = []Node{}
	}
	return Node{kind: List, items: items}
}

// MapNode wraps a mapping. The map is owned by the node afterwards.
func MapNode(fields map[string]Node) Node {
	if fields == nil {
		fields = map[string]Node{}
	}
	return Node{kind: Map, fields: fields}
}

// Kind reports the variant held by n
func (n Node) Kind() Kind { return n.kind }

// IsNull reports whether n is JSON null
func (n Node) IsNull() bool { return n.kind == Null }

// IsScalar reports whether n is null, a bool, a number, or a string
func (n Node) IsScalar() bool { return n.kind != List && n.kind != Map }

// Bool returns the boolean value and whether n is a bool
func (n Node) Bool() (bool, bool) { return n.b, n.kind == Bool }

// Str returns the string value and whether n is a string
func (n Node) Str() (string, bool) { return n.s, n.kind == String }

// Literal returns the number literal and whether n is a number
func (n Node) Literal() (string, bool) { return n.s, n.kind == Number }

// Int returns the integer value of a number node
func (n Node) Int() (int64, error) {
	if n.kind != Number {
		return 0, fmt.Errorf("%s is not a number", n.kind)
	}
	i, err := strconv.ParseInt(n.s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrNotInteger, n.s)
	}
	return i, nil
}

// Items returns the elements of a list node (nil for other kinds)
func (n Node) Items() []Node {
	if n.kind != List {
		return nil
	}
	return n.items
}

// Len returns the number of list elements or mapping fields
func (n Node) Len() int {
	switch n.kind {
	case List:
		return len(n.items)
	case Map:
		return len(n.fields)
	default:
		return 0
	}
}

// Keys returns the mapping keys in sorted order
func (n Node) Keys() []string {
	if n.kind != Map {
		return nil
	}
	keys := make([]string, 0, len(n.fields))
	for k := range n.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the field stored under key
func (n Node) Get(key string) (Node, bool) {
	if n.kind != Map {
		return Node{}, false
	}
	v, ok := n.fields[key]
	return v, ok
}

// Lookup follows a sequence of mapping keys
func (n Node) Lookup(keys ...string) (Node, bool) {
	cur := n
	for _, k := range keys {
		next, ok := cur.Get(k)
		if !ok {
			return Node{}, false
		}
		cur = next
	}
	return cur, true
}

// With returns a copy of the mapping with key set to v
func (n Node) With(key string, v Node) Node {
	fields := make(map[string]Node, len(n.fields)+1)
	for k, old := range n.fields {
		fields[k] = old
	}
	fields[key] = v
	return MapNode(fields)
}

// Without returns a copy of the mapping with key removed. Non-map nodes and
// maps without the key are returned unchanged.
func (n Node) Without(key string) Node {
	if n.kind != Map {
		return n
	}
	if _, ok := n.fields[key]; !ok {
		return n
	}
	fields := make(map[string]Node, len(n.fields))
	for k, v := range n.fields {
		if k != key {
			fields[k] = v
		}
	}
	return MapNode(fields)
}

// Equal reports whether a and b have the same canonical serialization
func Equal(a, b Node) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case Null:
		return true
	case Bool:
		return a.b == b.b
	case Number, String:
		return a.s == b.s
	case List:
		if len(a.items) != len(b.items) {
			return false
		}
		for i := range a.items {
			if !Equal(a.items[i], b.items[i]) {
				return false
			}
		}
		return true
	case Map:
		if len(a.fields) != len(b.fields) {
			return false
		}
		for k, av := range a.fields {
			bv, ok := b.fields[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// String returns the canonical JSON text of n
func (n Node) String() string {
	return string(Canonical(n))
}

// GoString renders a short debugging form
func (n Node) GoString() string {
	var b strings.Builder
	b.WriteString("document.Node(")
	b.Write(Canonical(n))
	b.WriteString(")")
	return b.String()
}
