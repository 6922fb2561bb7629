package inventory

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName folds a ticket class name for matching against configured
// targets. NFKC turns full-width forms ("ＶＩＰ") into their ASCII
// equivalents, which matters for Japanese event listings.
func NormalizeName(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFKC.String(s)
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '_' || r == '-'
	}), " ")
}

// MatchName reports whether name matches any of the wanted names after
// normalization. An empty wanted list matches everything.
func MatchName(name string, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	n := NormalizeName(name)
	for _, w := range wanted {
		if NormalizeName(w) == n {
			return true
		}
	}
	return false
}
