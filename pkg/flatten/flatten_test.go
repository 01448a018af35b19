package flatten

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/fpcollect/pkg/document"
)

func mustParse(t *testing.T, s string) document.Node {
	t.Helper()
	n, err := document.Parse([]byte(s))
	require.NoError(t, err)
	return n
}

// rendered turns pairs into comparable strings
func rendered(pairs []Pair) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.Path.Key() + "=" + p.Value.String()
	}
	return out
}

func TestFlatten_NestedAndLists(t *testing.T) {
	doc := mustParse(t, `{"a": {"b": 1, "c": [1,2,3]}}`)

	got := rendered(Collect(doc, Options{}))
	want := []string{
		`["a","b"]=1`,
		`["a","c"]=[1,2,3]`,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Flatten mismatch (-want +got):\n%s", diff)
	}
}

func TestFlatten_SkipsNull(t *testing.T) {
	doc := mustParse(t, `{"a": null, "b": {"c": null}, "d": "x"}`)

	got := rendered(Collect(doc, Options{}))
	assert.Equal(t, []string{`["d"]="x"`}, got)
}

func TestFlatten_EmptyAndNonMapRoots(t *testing.T) {
	for _, in := range []string{`{}`, `{"a":{}}`, `{"a":null}`, `[1,2]`, `"x"`, `null`} {
		assert.Empty(t, Collect(mustParse(t, in), Options{}), "input %s", in)
	}
}

func TestFlatten_EmptyListIsYielded(t *testing.T) {
	pairs := Collect(mustParse(t, `{"l": []}`), Options{})
	require.Len(t, pairs, 1)
	assert.True(t, pairs[0].IsList())
	assert.Equal(t, 0, pairs[0].Value.Len())
}

func TestFlatten_DotInKeyDoesNotCollide(t *testing.T) {
	doc := mustParse(t, `{"a.b": 1, "a": {"b": 2}}`)

	pairs := Collect(doc, Options{})
	require.Len(t, pairs, 2)
	assert.NotEqual(t, pairs[0].Path.Key(), pairs[1].Path.Key())
}

func TestFlatten_SkipsInternalID(t *testing.T) {
	doc := mustParse(t, `{"_id": "abc", "x": {"_id": 1}}`)

	got := rendered(Collect(doc, Options{}))
	assert.Equal(t, []string{`["x","_id"]=1`}, got, "only the root id is internal")
}

func TestFlatten_RecurseListMappings(t *testing.T) {
	doc := mustParse(t, `{"plugins": [{"name": "pdf"}, {"name": "nacl", "v": 2}, 3]}`)

	assert.Len(t, Collect(doc, Options{}), 1)

	got := rendered(Collect(doc, Options{RecurseListMappings: true}))
	want := []string{
		`["plugins"]=[{"name":"pdf"},{"name":"nacl","v":2},3]`,
		`["plugins","name"]="pdf"`,
		`["plugins","name"]="nacl"`,
		`["plugins","v"]=2`,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Flatten mismatch (-want +got):\n%s", diff)
	}
}

func TestFlatten_Restartable(t *testing.T) {
	doc := mustParse(t, `{"a": 1, "b": {"c": [true]}}`)
	seq := Flatten(doc, Options{})

	var first, second []Pair
	for p := range seq {
		first = append(first, p)
	}
	for p := range seq {
		second = append(second, p)
	}
	assert.Equal(t, rendered(first), rendered(second))
}

func TestFlatten_EarlyStop(t *testing.T) {
	doc := mustParse(t, `{"a": 1, "b": 2, "c": {"d": 3}}`)

	n := 0
	for range Flatten(doc, Options{}) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestPathKey_RoundTrip(t *testing.T) {
	p := Path{"HighEntropyValues", `we"ird.key`}
	parsed, err := ParsePathKey(p.Key())
	require.NoError(t, err)
	assert.Equal(t, p, parsed)

	_, err = ParsePathKey(`{"a":1}`)
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = ParsePathKey(`[1]`)
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestPath_Less(t *testing.T) {
	assert.True(t, Path{"a"}.Less(Path{"a", "b"}))
	assert.True(t, Path{"a", "b"}.Less(Path{"b"}))
	assert.False(t, Path{"b"}.Less(Path{"a", "z"}))
}
