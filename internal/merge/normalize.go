package merge

import (
	"strings"
	"unicode"
)

// Title-match modes for calendar dedup.
const (
	TitleMatchBasic      = "basic"
	TitleMatchAggressive = "aggressive"
)

// NormalizeTitle canonicalizes an event title for matching. basic mode
// case-folds, trims, and collapses inner whitespace; aggressive mode
// additionally strips punctuation and symbols ("Standup!" == "Standup").
// Unknown modes fall back to basic.
func NormalizeTitle(s, mode string) string {
	if mode == TitleMatchAggressive {
		s = strings.Map(func(r rune) rune {
			if unicode.IsPunct(r) || unicode.IsSymbol(r) {
				return ' '
			}
			return r
		}, s)
	}
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
