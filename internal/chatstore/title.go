package chatstore

import (
	"strings"
)

const maxTitleRunes = 42

// greetings that never produce a title on their own. Matched exactly
// after trimming whitespace and trailing punctuation.
var greetings = map[string]struct{}{
	"სალამი":    {},
	"გამარჯობა": {},
	"გაუმარჯოს": {},
	"ჰეი":       {},
	"hello":     {},
	"hi":        {},
	"hey":       {},
	"salami":    {},
	"gamarjoba": {},
}

// topicTitles maps content keywords to canned titles, checked in order.
var topicTitles = []struct {
	keywords []string
	title    string
}{
	{[]string{"cv", "სივი", "რეზიუმე"}, "CV-ის შედგენა"},
	{[]string{"ინვოისი", "invoice", "ანგარიშ-ფაქტურა"}, "ინვოისის შედგენა"},
	{[]string{"თარგმნ", "translate"}, "თარგმნა"},
	{[]string{"წერილ", "email", "იმეილ"}, "წერილის დაწერა"},
	{[]string{"სურათ", "ფოტო", "გამოსახულ"}, "სურათის გენერაცია"},
	{[]string{"კოდი", "პროგრამ", "code"}, "პროგრამირების დახმარება"},
}

var questionWords = []string{
	"როგორ", "რატომ", "სად", "ვინ", "როდის", "რამდენ", "რა",
	"how", "what", "why", "where", "when", "which",
}

// DeriveTitle produces a short chat title from the first user message.
// Priority order is fixed: topic keyword match, then question-word
// heuristic, then plain truncation. Greeting-only messages produce no
// title at all.
func DeriveTitle(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}

	if IsGreeting(trimmed) {
		return "", false
	}

	lowered := strings.ToLower(trimmed)
	for _, topic := range topicTitles {
		for _, kw := range topic.keywords {
			if strings.Contains(lowered, kw) {
				return topic.title, true
			}
		}
	}

	firstWord := lowered
	if i := strings.IndexAny(firstWord, " \t\n"); i >= 0 {
		firstWord = firstWord[:i]
	}
	for _, qw := range questionWords {
		if firstWord == qw {
			return questionTitle(trimmed)
		}
	}

	return FallbackTitle(trimmed)
}

// questionTitle keeps the interrogative form: unlike FallbackTitle the
// title ends with exactly one question mark, added when the user left
// it off. Overlong questions still truncate with the ellipsis marker.
func questionTitle(text string) (string, bool) {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	line = strings.TrimRight(line, ".!?,;: ")
	if line == "" {
		return "", false
	}
	runes := []rune(line)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes]) + "...", true
	}
	return line + "?", true
}

// FallbackTitle is the deterministic local heuristic shared with the
// title suggester: first line, trailing punctuation stripped, truncated
// to maxTitleRunes with an ellipsis marker.
func FallbackTitle(text string) (string, bool) {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	line = strings.TrimRight(line, ".!?,;: ")
	if line == "" {
		return "", false
	}

	runes := []rune(line)
	if len(runes) > maxTitleRunes {
		line = string(runes[:maxTitleRunes]) + "..."
	}
	return line, true
}

// IsGreeting reports whether the message is a pure greeting.
func IsGreeting(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.TrimRight(normalized, "!.?, ")
	_, ok := greetings[normalized]
	return ok
}
