package recipients

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxAddressLength is the longest accepted address, in characters.
const MaxAddressLength = 254

var emailShape = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Clean strips invisible and control characters, folds compatibility forms
// (NBSP and friends become a plain space), collapses whitespace and trims.
func Clean(line string) string {
	folded := norm.NFKC.String(line)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case unicode.Is(unicode.Cf, r), unicode.IsControl(r):
			// zero-width space, BOM, bidi marks, C0/C1 controls
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Normalize cleans a raw line and returns the lower-cased address, or false
// when the line is not an acceptable address.
func Normalize(line string) (string, bool) {
	cleaned := Clean(line)
	if cleaned == "" {
		return "", false
	}
	if strings.ContainsAny(cleaned, `<>"`) {
		return "", false
	}
	if utf8.RuneCountInString(cleaned) > MaxAddressLength {
		return "", false
	}
	if !emailShape.MatchString(cleaned) {
		return "", false
	}
	return strings.ToLower(cleaned), true
}
