// Package gradekey normalizes a grading authority and numeric grade into the
// string keys providers use to index graded-price and sales-by-grade data.
//
// Two incompatible encodings are in the wild. The decimal encoding keeps the
// grade's decimal point and maps underscores to it, so half-grades survive
// ("PSA", "9_5" -> "psa9.5"). The compact encoding strips every separator
// including the decimal point ("PSA", "9.5" -> "psa95"). Lookups must try
// both.
package gradekey

import "strings"

// Decimal returns the decimal-point encoding: lower-case grader and grade
// with spaces, hyphens and underscores removed, underscores in the grade
// mapped to a decimal point first.
func Decimal(grader, grade string) string {
	g := strings.ToLower(strings.TrimSpace(grade))
	g = strings.ReplaceAll(g, "_", ".")
	return clean(grader) + strings.Map(dropSeparators, g)
}

// Compact returns the separator-stripped encoding: lower-case grader and
// grade with every separator removed, including the decimal point.
func Compact(grader, grade string) string {
	g := strings.ToLower(strings.TrimSpace(grade))
	g = strings.ReplaceAll(g, "_", ".")
	g = strings.ReplaceAll(g, ".", "")
	return clean(grader) + strings.Map(dropSeparators, g)
}

// Keys returns the candidate keys for a grader/grade pair, decimal encoding
// first, deduplicated (whole grades encode identically in both).
func Keys(grader, grade string) []string {
	d := Decimal(grader, grade)
	c := Compact(grader, grade)
	if d == c {
		return []string{d}
	}
	return []string{d, c}
}

func clean(s string) string {
	return strings.Map(dropSeparators, strings.ToLower(strings.TrimSpace(s)))
}

func dropSeparators(r rune) rune {
	switch r {
	case ' ', '-', '_':
		return -1
	}
	return r
}
