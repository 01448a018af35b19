package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/fpcollect/pkg/document"
)

func TestLabel(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want Category
	}{
		{"windows desktop", Input{Platform: "Windows"}, Windows},
		{"win32", Input{Platform: "Win32"}, Windows},
		{"mac", Input{Platform: "MacIntel"}, Mac},
		{"linux desktop", Input{Platform: "Linux x86_64"}, Linux},
		{"linux arm desktop", Input{Platform: "Linux armv7l"}, Linux},
		{"unknown desktop", Input{Platform: "FreeBSD amd64"}, Other},
		{"android arm", Input{Platform: "Linux armv8l", Mobile: true}, Android},
		{"android literal", Input{Platform: "Android", Mobile: true}, Android},
		{"android null platform", Input{Platform: "null", Mobile: true}, Android},
		{"android any linux", Input{Platform: "Linux aarch64", Mobile: true}, Android},
		{"iphone", Input{Platform: "iPhone", Mobile: true}, IOS},
		{"ipad", Input{Platform: "iPad", Mobile: true}, IOS},
		{"mobile windows", Input{Platform: "Windows", Mobile: true}, Other},
		{"bot wins over windows", Input{Platform: "Windows", IsBot: true}, Bot},
		{"bot wins over mobile", Input{Platform: "iPhone", Mobile: true, IsBot: true}, Bot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Label(tt.in)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Valid())
		})
	}
}

func TestMainVersion(t *testing.T) {
	v, err := MainVersion("120.0.6099.109")
	require.NoError(t, err)
	assert.Equal(t, int64(120), v)

	v, err = MainVersion("17")
	require.NoError(t, err)
	assert.Equal(t, int64(17), v)

	for _, bad := range []string{"", ".1", "abc.1", "-3.0"} {
		_, err := MainVersion(bad)
		assert.ErrorIs(t, err, ErrMalformedVersion, "input %q", bad)
	}
}

func TestClassify(t *testing.T) {
	doc, err := document.Parse([]byte(`{
		"is_bot": false,
		"HighEntropyValues": {"platform": "Windows", "mobile": false, "uaFullVersion": "120.0.6099.109"}
	}`))
	require.NoError(t, err)

	res, err := Classify(doc)
	require.NoError(t, err)
	assert.Equal(t, Windows, res.Category)
	assert.True(t, res.HasMainVersion)
	assert.Equal(t, int64(120), res.MainVersion)
	assert.NoError(t, res.VersionErr)

	enriched := Enrich(doc, res)
	cat, _ := enriched.Get(CategoryField)
	assert.Equal(t, `"windows"`, cat.String())
	mv, _ := enriched.Get(MainVersionField)
	assert.Equal(t, "120", mv.String())
}

func TestClassify_BadVersionIsNotFatal(t *testing.T) {
	doc, err := document.Parse([]byte(`{
		"is_bot": false,
		"HighEntropyValues": {"platform": "Linux armv8l", "mobile": true, "uaFullVersion": "beta"}
	}`))
	require.NoError(t, err)

	res, err := Classify(doc)
	require.NoError(t, err)
	assert.Equal(t, Android, res.Category)
	assert.False(t, res.HasMainVersion)
	assert.ErrorIs(t, res.VersionErr, ErrMalformedVersion)

	enriched := Enrich(doc, res)
	_, ok := enriched.Get(MainVersionField)
	assert.False(t, ok, "mainVersion must be omitted")
	_, ok = enriched.Get(CategoryField)
	assert.True(t, ok)
}

func TestClassify_MissingRequired(t *testing.T) {
	for _, body := range []string{
		`{"is_bot": false}`,
		`{"HighEntropyValues": {"platform": "Win32"}}`,
		`{"is_bot": "no", "HighEntropyValues": {"platform": "Win32"}}`,
		`{"is_bot": false, "HighEntropyValues": {"platform": 7}}`,
	} {
		doc, err := document.Parse([]byte(body))
		require.NoError(t, err)
		_, err = Classify(doc)
		assert.ErrorIs(t, err, ErrMissingField, "body %s", body)
	}
}

func TestClassify_BotIgnoresOtherFields(t *testing.T) {
	doc, err := document.Parse([]byte(`{"is_bot": true, "HighEntropyValues": {"platform": null}}`))
	require.NoError(t, err)

	res, err := Classify(doc)
	require.NoError(t, err)
	assert.Equal(t, Bot, res.Category)
}
