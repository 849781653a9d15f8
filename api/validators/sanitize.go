package validators

import (
	"strings"
	"unicode"
)

// SanitizeString trims input, drops control characters and caps it at maxLen runes.
func SanitizeString(input string, maxLen int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, strings.TrimSpace(input))
	if maxLen > 0 {
		if runes := []rune(cleaned); len(runes) > maxLen {
			return string(runes[:maxLen])
		}
	}
	return cleaned
}
