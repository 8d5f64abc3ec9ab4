package flowise

import (
	"strings"
	"unicode"
)

// foreignScriptTriggers are the phrases that mark a user message as
// explicitly requesting a foreign script. When none match, CJK and
// Cyrillic code points are stripped from the assistant output. This is
// a language-scope guard for a Georgian product, not a general
// sanitizer.
var foreignScriptTriggers = []string{
	"in russian",
	"на русском",
	"по-русски",
	"რუსულად",
	"in chinese",
	"на китайском",
	"ჩინურად",
	"中文",
	"translate",
	"გადათარგმნე",
	"თარგმნე",
}

// AllowsForeignScript reports whether the user's message asked for a
// foreign script or a translation.
func AllowsForeignScript(userMessage string) bool {
	lowered := strings.ToLower(userMessage)
	for _, trigger := range foreignScriptTriggers {
		if strings.Contains(lowered, trigger) {
			return true
		}
	}
	return false
}

var dashRunes = map[rune]bool{
	'‒': true, // figure dash
	'–': true, // en dash
	'—': true, // em dash
	'―': true, // horizontal bar
}

var zeroWidthRunes = map[rune]bool{
	'​': true,
	'‌': true,
	'‍': true,
	'⁠': true,
	'\uFEFF': true,
}

// Sanitize normalizes one streamed chunk: zero-width characters are
// dropped, fullwidth punctuation becomes its ASCII equivalent, em/en
// dashes become hyphens, and runs of spaces/tabs collapse to a single
// space (newlines are kept for paragraph structure). Unless
// allowForeign is set, CJK and Cyrillic code points are stripped.
func Sanitize(chunk string, allowForeign bool) string {
	var b strings.Builder
	b.Grow(len(chunk))

	lastWasSpace := false
	for _, r := range chunk {
		if zeroWidthRunes[r] {
			continue
		}

		switch {
		case r == '　': // ideographic space
			r = ' '
		case r == '、': // ideographic comma
			r = ','
		case r == '。': // ideographic full stop
			r = '.'
		case r >= '！' && r <= '～': // fullwidth ASCII block
			r -= 0xfee0
		case dashRunes[r]:
			r = '-'
		}

		if !allowForeign && isForeignScript(r) {
			continue
		}

		if r == ' ' || r == '\t' {
			if lastWasSpace {
				continue
			}
			lastWasSpace = true
			b.WriteRune(' ')
			continue
		}
		lastWasSpace = false
		b.WriteRune(r)
	}

	return b.String()
}

func isForeignScript(r rune) bool {
	return unicode.Is(unicode.Cyrillic, r) ||
		unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// CleanTail strips tool-invocation log fragments that leak into the end
// of a reply (a JSON object beginning {"event":"...) and any stray
// end-of-stream sentinels.
func CleanTail(text string) string {
	if idx := strings.LastIndex(text, `{"event":"`); idx >= 0 {
		text = text[:idx]
	}
	text = strings.ReplaceAll(text, endSentinel, "")
	return strings.TrimRight(text, " \t\n")
}
