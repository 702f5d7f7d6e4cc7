// Package enrich joins raw extracted lines against vendor, property, and GL
// dimension snapshots and derives the enriched fields the posting and UBI
// stages depend on.
package enrich

import "strings"

// NormName normalizes a vendor or property name for equality matching:
// lowercase, "&" expanded to "and", punctuation to spaces, whitespace
// collapsed.
func NormName(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "&", " and ")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'à' && r <= 'ÿ':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
