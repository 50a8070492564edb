package captions

import (
	"html"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// Numeric or named character references: &amp; &quot; &#39; ...
	entityRe = regexp.MustCompile(`&(?:#[0-9]+|[a-zA-Z][a-zA-Z0-9]*);`)
	// Backslash, three decimal digits, one ASCII letter: a UTF-8 continuation
	// byte the upstream track serializer turned into an octal escape glued to
	// the following letter (e.g. `\303A`).
	octalRe = regexp.MustCompile(`\\([0-9]{3})([A-Za-z])`)
)

// Normalize turns one raw caption string into clean display text. It decodes
// character references, repairs octal-escaped bytes, trims surrounding
// whitespace and uppercases the first character. It never fails: anything it
// cannot decode passes through verbatim.
func Normalize(raw string) string {
	s := decodeEntities(raw)
	s = repairOctalEscapes(s)
	s = strings.TrimSpace(s)
	return Capitalize(s)
}

// decodeEntities resolves &name; and &#digits; references using the standard
// HTML table. Unrecognized entities are left exactly as written.
func decodeEntities(s string) string {
	return entityRe.ReplaceAllStringFunc(s, func(m string) string {
		return html.UnescapeString(m)
	})
}

// repairOctalEscapes rewrites `\DDD<letter>` to `<char DDD base 8><letter>`.
// Escapes containing the digits 8 or 9 are not valid octal; those matches are
// left untouched rather than guessing at a decoding.
func repairOctalEscapes(s string) string {
	return octalRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := octalRe.FindStringSubmatch(m)
		n, err := strconv.ParseUint(sub[1], 8, 32)
		if err != nil {
			return m
		}
		return string(rune(n)) + sub[2]
	})
}

// Capitalize uppercases the first character of s and leaves the rest alone.
// The empty string maps to itself.
func Capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}
