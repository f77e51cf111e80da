package strings

import (
	"strings"
)

// DefaultEndpointMaxLen bounds endpoint URLs in tabular output.
const DefaultEndpointMaxLen = 48

// MinTruncateLen is the minimum maxLen value for Truncate.
// Values smaller than this would not leave room for content plus "...".
const MinTruncateLen = 4

// shortIDLen is the length of the abbreviated container ids the
// container engine prints by default.
const shortIDLen = 12

// Truncate shortens s to maxLen runes and flattens it to a single line.
// Runs of whitespace collapse into single spaces and "..." marks a cut.
// maxLen is clamped to MinTruncateLen.
func Truncate(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}

// ShortID abbreviates a container id for logs and tables. Names and ids
// that are already short are returned unchanged.
func ShortID(id string) string {
	if len(id) > shortIDLen && isHex(id) {
		return id[:shortIDLen]
	}
	return id
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
