package chatstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveTitleTopics(t *testing.T) {
	tests := []struct {
		text  string
		title string
	}{
		{"მინდა CV დავწერო", "CV-ის შედგენა"},
		{"დამეხმარე რეზიუმეს გაკეთებაში", "CV-ის შედგენა"},
		{"გამიკეთე ინვოისი კლიენტისთვის", "ინვოისის შედგენა"},
		{"გადათარგმნე ეს ტექსტი", "თარგმნა"},
		{"translate this for me", "თარგმნა"},
		{"დამიწერე წერილი დირექტორს", "წერილის დაწერა"},
		{"დამიხატე სურათი მთებზე", "სურათის გენერაცია"},
		{"კოდი არ მუშაობს", "პროგრამირების დახმარება"},
	}

	for _, tc := range tests {
		title, ok := DeriveTitle(tc.text)
		assert.True(t, ok, "expected title for %q", tc.text)
		assert.Equal(t, tc.title, title, "text %q", tc.text)
	}
}

func TestDeriveTitleQuestions(t *testing.T) {
	tests := []struct {
		text  string
		title string
	}{
		{"როგორ ვისწავლო ინგლისური სწრაფად?", "როგორ ვისწავლო ინგლისური სწრაფად?"},
		{"what is the capital of France", "what is the capital of France?"},
		{"რატომ წვიმს ზაფხულში???", "რატომ წვიმს ზაფხულში?"},
	}
	for _, tc := range tests {
		title, ok := DeriveTitle(tc.text)
		assert.True(t, ok, "expected title for %q", tc.text)
		assert.Equal(t, tc.title, title, "text %q", tc.text)
	}

	// A statement opener takes the plain truncation path instead, so
	// the trailing question mark distinguishes the two.
	title, ok := DeriveTitle("მომიყევი საქართველოს ისტორია")
	assert.True(t, ok)
	assert.Equal(t, "მომიყევი საქართველოს ისტორია", title)

	long := "რატომ " + strings.Repeat("ა", 60)
	title, ok = DeriveTitle(long)
	assert.True(t, ok)
	assert.Equal(t, string([]rune(long)[:42])+"...", title)
}

func TestDeriveTitleGreetings(t *testing.T) {
	for _, text := range []string{"გამარჯობა", "სალამი!", "hello", "Hi.", "ჰეი", "  gamarjoba  ", ""} {
		_, ok := DeriveTitle(text)
		assert.False(t, ok, "greeting %q must not produce a title", text)
	}
}

func TestFallbackTitleTruncation(t *testing.T) {
	long := strings.Repeat("ა", 60)
	title, ok := FallbackTitle(long)
	assert.True(t, ok)
	assert.Equal(t, strings.Repeat("ა", 42)+"...", title)
	assert.Equal(t, 45, len([]rune(title)))
}

func TestFallbackTitleFirstLineOnly(t *testing.T) {
	title, ok := FallbackTitle("პირველი ხაზი.\nმეორე ხაზი ძალიან გრძელია")
	assert.True(t, ok)
	assert.Equal(t, "პირველი ხაზი", title)
}

func TestFallbackTitleStripsTrailingPunctuation(t *testing.T) {
	title, ok := FallbackTitle("რა ღირს ბინა თბილისში???")
	assert.True(t, ok)
	assert.Equal(t, "რა ღირს ბინა თბილისში", title)
}

func TestFallbackTitleEmpty(t *testing.T) {
	_, ok := FallbackTitle("   \n  ")
	assert.False(t, ok)

	_, ok = FallbackTitle("...")
	assert.False(t, ok)
}

func TestIsGreeting(t *testing.T) {
	assert.True(t, IsGreeting("გამარჯობა"))
	assert.True(t, IsGreeting("Hello!"))
	assert.True(t, IsGreeting("  სალამი. "))
	assert.False(t, IsGreeting("გამარჯობა, მინდა დახმარება"))
	assert.False(t, IsGreeting("როგორ ხარ"))
}
