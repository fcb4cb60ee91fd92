package image

import (
	"fmt"
	"strings"
)

// createEducationalPrompt builds a flashcard illustration prompt. The
// symbol itself is never requested in the picture since generators render
// hanzi poorly.
func createEducationalPrompt(req Request) string {
	subject := firstMeaning(req.Meaning)
	if subject == "" {
		subject = req.Symbol
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A simple, clear educational flashcard illustration of %q.", subject)
	if req.Meaning != "" && req.Meaning != subject {
		fmt.Fprintf(&b, " Context: %s.", req.Meaning)
	}
	b.WriteString(" Show one recognizable subject on a plain light background in a friendly, colorful style.")
	b.WriteString(" Do not include any text, letters, Chinese characters or pinyin in the image.")
	return b.String()
}

// firstMeaning picks the first of several "; "-joined meanings and drops
// a leading "to " of verbs.
func firstMeaning(meaning string) string {
	first, _, _ := strings.Cut(meaning, ";")
	first = strings.TrimSpace(first)
	return strings.TrimPrefix(first, "to ")
}
