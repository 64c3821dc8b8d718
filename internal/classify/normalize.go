package classify

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

func foldTransformer() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
}

// Normalize canonicalizes a description into a rule key: diacritics
// stripped, case-folded, every run of non-alphanumerics collapsed to a single
// space, trimmed.
func Normalize(s string) string {
	folded, _, err := transform.String(foldTransformer(), strings.ToLower(s))
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, folded)
	return strings.Join(strings.Fields(mapped), " ")
}

// containsToken reports whether pattern occurs in text on whole-token
// boundaries. Both inputs are normalized.
func containsToken(text, pattern string) bool {
	if pattern == "" {
		return false
	}
	return strings.Contains(" "+text+" ", " "+pattern+" ")
}
