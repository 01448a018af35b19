package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

// MaxDepth bounds nesting of decoded documents
const MaxDepth = 256

var (
	// ErrSyntax is returned when input is not valid JSON
	ErrSyntax = errors.New("invalid JSON")

	// ErrTooDeep is returned when input nests deeper than MaxDepth
	ErrTooDeep = fmt.Errorf("document nested deeper than %d levels", MaxDepth)
)

// api is the shared jsoniter configuration. Map keys are sorted so that
// encoding any Go map through it is canonical as well.
var api = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
	UseNumber:   true,
}.Froze()

// JSON exposes the shared codec for packages that encode responses
func JSON() jsoniter.API { return api }

// Parse decodes exactly one JSON value into a Node. Number literals are kept
// verbatim. Anything but whitespace after the value is a syntax error.
func Parse(data []byte) (Node, error) {
	it := api.BorrowIterator(data)
	defer api.ReturnIterator(it)

	n, err := readNode(it, 0)
	if err != nil {
		return Node{}, err
	}
	if it.Error != nil && !errors.Is(it.Error, io.EOF) {
		return Node{}, fmt.Errorf("%w: %v", ErrSyntax, it.Error)
	}

	// At the end of input WhatIsNext reports InvalidValue and sets io.EOF;
	// any other byte is left over from the value.
	if it.WhatIsNext() != jsoniter.InvalidValue || it.Error == nil {
		return Node{}, fmt.Errorf("%w: data after the top-level value", ErrSyntax)
	}
	return n, nil
}

func readNode(it *jsoniter.Iterator, depth int) (Node, error) {
	if depth > MaxDepth {
		return Node{}, ErrTooDeep
	}

	switch it.WhatIsNext() {
	case jsoniter.NilValue:
		it.ReadNil()
		return NullNode(), nil
	case jsoniter.BoolValue:
		return BoolNode(it.ReadBool()), nil
	case jsoniter.NumberValue:
		lit := string(it.ReadNumber())
		if !json.Valid([]byte(lit)) {
			return Node{}, fmt.Errorf("%w: bad number %q", ErrSyntax, lit)
		}
		return NumberNode(lit), nil
	case jsoniter.StringValue:
		return StringNode(it.ReadString()), nil
	case jsoniter.ArrayValue:
		items := []Node{}
		var err error
		it.ReadArrayCB(func(it *jsoniter.Iterator) bool {
			var item Node
			item, err = readNode(it, depth+1)
			if err != nil {
				return false
			}
			items = append(items, item)
			return true
		})
		if err != nil {
			return Node{}, err
		}
		return ListNode(items...), nil
	case jsoniter.ObjectValue:
		fields := map[string]Node{}
		var err error
		it.ReadMapCB(func(it *jsoniter.Iterator, key string) bool {
			var v Node
			v, err = readNode(it, depth+1)
			if err != nil {
				return false
			}
			fields[key] = v
			return true
		})
		if err != nil {
			return Node{}, err
		}
		return MapNode(fields), nil
	default:
		return Node{}, ErrSyntax
	}
}

// Canonical returns the canonical JSON serialization of n: mapping keys in
// byte order, no insignificant whitespace, number literals as decoded.
func Canonical(n Node) []byte {
	stream := api.BorrowStream(nil)
	defer api.ReturnStream(stream)

	writeNode(stream, n)
	out := make([]byte, len(stream.Buffer()))
	copy(out, stream.Buffer())
	return out
}

func writeNode(stream *jsoniter.Stream, n Node) {
	switch n.kind {
	case Null:
		stream.WriteNil()
	case Bool:
		stream.WriteBool(n.b)
	case Number:
		stream.WriteRaw(n.s)
	case String:
		stream.WriteString(n.s)
	case List:
		stream.WriteArrayStart()
		for i, item := range n.items {
			if i > 0 {
				stream.WriteMore()
			}
			writeNode(stream, item)
		}
		stream.WriteArrayEnd()
	case Map:
		stream.WriteObjectStart()
		for i, k := range n.Keys() {
			if i > 0 {
				stream.WriteMore()
			}
			stream.WriteObjectField(k)
			writeNode(stream, n.fields[k])
		}
		stream.WriteObjectEnd()
	}
}

// MarshalJSON implements json.Marshaler with the canonical form
func (n Node) MarshalJSON() ([]byte, error) {
	return Canonical(n), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (n *Node) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// FromAny converts a generic decoded value (as produced by JSONPath
// evaluation) back into a Node.
func FromAny(v any) Node {
	switch x := v.(type) {
	case nil:
		return NullNode()
	case Node:
		return x
	case bool:
		return BoolNode(x)
	case string:
		return StringNode(x)
	case json.Number:
		return NumberNode(string(x))
	case int64:
		return IntNode(x)
	case int:
		return IntNode(int64(x))
	case float64:
		return NumberNode(strconv.FormatFloat(x, 'f', -1, 64))
	case []any:
		items := make([]Node, len(x))
		for i, item := range x {
			items[i] = FromAny(item)
		}
		return ListNode(items...)
	case map[string]any:
		fields := make(map[string]Node, len(x))
		for k, item := range x {
			fields[k] = FromAny(item)
		}
		return MapNode(fields)
	default:
		return StringNode(fmt.Sprint(x))
	}
}

// ToAny converts n into plain Go values for JSONPath evaluation. Numbers are
// carried as json.Number so their literal text survives the round trip.
func ToAny(n Node) any {
	switch n.kind {
	case Bool:
		return n.b
	case Number:
		return json.Number(n.s)
	case String:
		return n.s
	case List:
		out := make([]any, len(n.items))
		for i, item := range n.items {
			out[i] = ToAny(item)
		}
		return out
	case Map:
		out := make(map[string]any, len(n.fields))
		for k, v := range n.fields {
			out[k] = ToAny(v)
		}
		return out
	default:
		return nil
	}
}
