// Package classify labels fingerprint documents with a platform category and
// the browser's main version.
package classify

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nicktill/fpcollect/pkg/document"
)

// Category is the platform label attached to every stored document
type Category string

const (
	Windows Category = "windows"
	Linux   Category = "linux"
	Mac     Category = "mac"
	IOS     Category = "ios"
	Android Category = "android"
	Bot     Category = "bot"
	Other   Category = "other"
)

// Categories lists every label in display order
var Categories = []Category{Windows, Linux, Mac, IOS, Android, Bot, Other}

// Valid reports whether c is one of the known labels
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Fields written onto classified documents
const (
	CategoryField    = "category"
	MainVersionField = "mainVersion"
)

var (
	// ErrMissingField is returned when a required input field is absent or
	// has the wrong type
	ErrMissingField = errors.New("missing required field")

	// ErrMalformedVersion is returned when no integer precedes the first "."
	ErrMalformedVersion = errors.New("malformed version string")
)

// Platform strings per family
var (
	windowsPlatforms = set("OS/2", "Pocket PC", "Windows", "Win16", "Win32", "WinCE")
	macPlatforms     = set("Macintosh", "MacIntel", "MacPPC", "Mac68K")
	linuxPlatforms   = set("Linux", "Linux aarch64", "Linux i686", "Linux i686 on x86_64", "Linux ppc64", "Linux x86_64")
	iosPlatforms     = set("iPhone", "iPod", "iPad")
)

const linuxArmPrefix = "Linux armv"

func set(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, s := range items {
		m[s] = struct{}{}
	}
	return m
}

// Input is the fixed shape the classifier decides on
type Input struct {
	Platform string // "null" when the browser reported null
	Mobile   bool
	IsBot    bool
}

// ExtractInput reads HighEntropyValues.platform, HighEntropyValues.mobile and
// is_bot from doc. Platform and is_bot are required; mobile defaults to false.
func ExtractInput(doc document.Node) (Input, error) {
	var in Input

	platform, ok := doc.Lookup("HighEntropyValues", "platform")
	if !ok {
		return Input{}, fmt.Errorf("%w: HighEntropyValues.platform", ErrMissingField)
	}
	switch platform.Kind() {
	case document.Null:
		in.Platform = "null"
	case document.String:
		in.Platform, _ = platform.Str()
	default:
		return Input{}, fmt.Errorf("%w: HighEntropyValues.platform is %s", ErrMissingField, platform.Kind())
	}

	bot, ok := doc.Get("is_bot")
	if !ok {
		return Input{}, fmt.Errorf("%w: is_bot", ErrMissingField)
	}
	if in.IsBot, ok = bot.Bool(); !ok {
		return Input{}, fmt.Errorf("%w: is_bot is %s", ErrMissingField, bot.Kind())
	}

	if mobile, ok := doc.Lookup("HighEntropyValues", "mobile"); ok {
		in.Mobile, _ = mobile.Bool()
	}
	return in, nil
}

// Label maps an input to its category. First match wins: bot, then the
// mobile families, then desktop families.
func Label(in Input) Category {
	if in.IsBot {
		return Bot
	}

	p := in.Platform
	if in.Mobile {
		switch {
		case p == "Android" || p == "null" || strings.HasPrefix(p, "Linux"):
			return Android
		case has(iosPlatforms, p):
			return IOS
		default:
			return Other
		}
	}

	switch {
	case has(windowsPlatforms, p):
		return Windows
	case has(macPlatforms, p):
		return Mac
	case has(linuxPlatforms, p) || strings.HasPrefix(p, linuxArmPrefix):
		return Linux
	default:
		return Other
	}
}

func has(m map[string]struct{}, s string) bool {
	_, ok := m[s]
	return ok
}

// MainVersion returns the integer before the first "." of a full version
// string such as "120.0.6099.109". A string without "." is parsed whole.
func MainVersion(full string) (int64, error) {
	head, _, _ := strings.Cut(full, ".")
	v, err := strconv.ParseInt(strings.TrimSpace(head), 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedVersion, full)
	}
	return v, nil
}

// Result is the outcome of classifying one document
type Result struct {
	Category       Category
	MainVersion    int64
	HasMainVersion bool

	// VersionErr is set when uaFullVersion is missing or malformed. It is
	// reported but does not prevent storing the document.
	VersionErr error
}

// Classify labels doc. The error is non-nil only when the required input
// fields are missing; version problems land in Result.VersionErr.
func Classify(doc document.Node) (Result, error) {
	in, err := ExtractInput(doc)
	if err != nil {
		return Result{}, err
	}

	res := Result{Category: Label(in)}

	full, ok := versionString(doc)
	if !ok {
		res.VersionErr = fmt.Errorf("%w: uaFullVersion", ErrMissingField)
		return res, nil
	}
	if v, err := MainVersion(full); err != nil {
		res.VersionErr = err
	} else {
		res.MainVersion = v
		res.HasMainVersion = true
	}
	return res, nil
}

func versionString(doc document.Node) (string, bool) {
	for _, path := range [][]string{
		{"HighEntropyValues", "uaFullVersion"},
		{"uaFullVersion"},
	} {
		if n, ok := doc.Lookup(path...); ok {
			if s, ok := n.Str(); ok {
				return s, true
			}
		}
	}
	return "", false
}

// Enrich returns doc with the category and, when known, mainVersion set
func Enrich(doc document.Node, res Result) document.Node {
	out := doc.With(CategoryField, document.StringNode(string(res.Category)))
	if res.HasMainVersion {
		out = out.With(MainVersionField, document.IntNode(res.MainVersion))
	} else {
		out = out.Without(MainVersionField)
	}
	return out
}
