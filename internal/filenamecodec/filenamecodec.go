// Package filenamecodec implements the Filename Codec (spec §4.8): repair of
// non-ASCII filenames and object keys that may arrive percent-encoded or as
// non-UTF-8 bytes, alongside already-correct UTF-8. Non-UTF-8 bytes take the
// first clean result of the candidate chain, so bytes that read as clean
// Latin-1 are decoded as Latin-1 even when they were GBK. Text that is valid
// UTF-8 but already mis-decoded (mojibake) is not turned back into its
// original characters. The
// classify-then-decode shape follows the teacher's itemimage.Decoder style —
// try a candidate, check it against a fixed "known bad" set, fall through —
// generalized from AttributeValue decoding to byte-encoding recovery.
package filenamecodec

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/gurre/docflow/internal/applog"
)

var logger = applog.WithComponent("filenamecodec")

var warnedOnce = map[string]struct{}{}

// garbledRunes is the fixed enumerated set of code points that mark a string
// as mojibake rather than genuine text (spec §4.8: "a fixed enumerated list
// of common mojibake code points"): the UTF-8 replacement character, and the
// C1 control range (U+0080-U+009F) that falls out of misreading UTF-8
// continuation bytes as Latin-1/ISO-8859-1 code points.
var garbledRunes = buildGarbledRunes()

func buildGarbledRunes() map[rune]struct{} {
	m := map[rune]struct{}{utf8.RuneError: {}}
	for r := rune(0x80); r <= 0x9F; r++ {
		m[r] = struct{}{}
	}
	return m
}

// isClean reports whether s is valid UTF-8 and contains none of the known
// garbled code points.
func isClean(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if _, bad := garbledRunes[r]; bad {
			return false
		}
	}
	return true
}

// Decode repairs a filename or object key path segment per the spec §4.8
// algorithm: URL-decode once if percent-encoded and accept if clean;
// otherwise return already-clean input as is; otherwise try latin-1
// (ISO-8859-1), windows-1252, raw byte-cast, and gbk in order and accept the
// first clean candidate; otherwise return the input unchanged and log once.
func Decode(s string) string {
	if s == "" {
		return s
	}

	if strings.Contains(s, "%") {
		if decoded, err := url.QueryUnescape(s); err == nil && isClean(decoded) {
			return decoded
		}
	}

	if isClean(s) {
		return s
	}

	for _, candidate := range candidates(s) {
		if isClean(candidate) {
			return candidate
		}
	}

	if _, warned := warnedOnce[s]; !warned {
		warnedOnce[s] = struct{}{}
		logger.Warn().Str("input", s).Msg("filename codec: no clean decoding found, passing through unchanged")
	}
	return s
}

// candidates returns, in the fixed order the spec mandates, every fallback
// reinterpretation of s worth trying: latin-1 (ISO-8859-1), windows-1252, a
// raw byte-cast, and gbk. Each candidate decodes s's bytes forward through
// that charset; none re-encodes s to undo an earlier wrong decoding.
func candidates(s string) []string {
	var out []string

	if latin1, err := charmap.ISO8859_1.NewDecoder().String(s); err == nil {
		out = append(out, latin1)
	}
	if windows1252, err := charmap.Windows1252.NewDecoder().String(s); err == nil {
		out = append(out, windows1252)
	}
	out = append(out, byteCast(s))
	if gbk, err := simplifiedchinese.GBK.NewDecoder().String(s); err == nil {
		out = append(out, gbk)
	}

	return out
}

// byteCast reinterprets s's bytes as raw codepoints < 256, the crudest of
// the fallback candidates (spec §4.8: "byte-cast -> utf-8").
func byteCast(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		b.WriteRune(rune(s[i]))
	}
	return b.String()
}
