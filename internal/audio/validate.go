package audio

import (
	"fmt"
	"strings"
	"unicode"
)

// Scripts are the unicode scripts speech is generated for.
var Scripts = []*unicode.RangeTable{unicode.Han}

// ValidateText checks that text is non-empty and contains at least one
// character of the speakable scripts.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("text cannot be empty")
	}
	for _, r := range text {
		if unicode.IsOneOf(Scripts, r) {
			return nil
		}
	}
	return fmt.Errorf("text %q contains no Han characters", text)
}
