/*
Package document holds the value tree used for fingerprint documents.

# Node

A Node is a tagged variant: null, bool, number, string, list, or mapping.
Traversals switch on Node.Kind instead of inspecting dynamic types:

	switch n.Kind() {
	case document.Map:
	    for _, k := range n.Keys() { ... }
	case document.List:
	    for _, item := range n.Items() { ... }
	default:
	    // scalar
	}

Number literals are kept exactly as they appeared in the input, so "1" and
"1.0" are different values.

# Canonical Form

Canonical(n) serializes with mapping keys in byte order and no whitespace.
Two nodes are equal exactly when their canonical forms are byte-identical;
content hashes and frequency tables are keyed by this form.

# Filters

A Filter is a JSON object of exact-match constraints:

	{"category": "windows", "mainVersion": 120}
	{"$.HighEntropyValues.platform": "Win32"}

Plain keys address top-level fields. Keys starting with "$" are JSONPath
selectors (github.com/ohler55/ojg/jp). The "_id" key is always dropped.
*/
package document
