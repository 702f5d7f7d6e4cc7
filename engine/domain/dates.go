package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// flexDate matches M-D-YY style dates with either separator and one- or
// two-digit month/day, which strict layouts miss ("11-2-25", "1/2/2025").
var flexDate = regexp.MustCompile(`^(\d{1,2})[-/](\d{1,2})[-/](\d{2,4})$`)

var nonDigit = regexp.MustCompile(`\D`)

// dateLayouts are the fixed layouts tried after the flexible pattern.
var dateLayouts = []string{
	"01/02/2006", "01/02/06",
	"2006-01-02", "2006/01/02",
	"01-02-2006", "01-02-06",
	"Jan 2, 2006", "January 2, 2006",
}

// NormalizeDate coerces a recognized date string to MM/DD/YYYY. Unparseable
// values pass through unchanged.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if m := flexDate.FindStringSubmatch(s); m != nil {
		mo, _ := strconv.Atoi(m[1])
		d, _ := strconv.Atoi(m[2])
		y, _ := strconv.Atoi(m[3])
		if y < 100 {
			if y < 50 {
				y += 2000
			} else {
				y += 1900
			}
		}
		if mo >= 1 && mo <= 12 && d >= 1 && d <= 31 {
			return fmt.Sprintf("%02d/%02d/%04d", mo, d, y)
		}
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("01/02/2006")
		}
	}

	// Eight packed digits: YYYYMMDD, then MMDDYYYY.
	digits := nonDigit.ReplaceAllString(s, "")
	if len(digits) == 8 {
		if t, err := time.Parse("20060102", digits); err == nil {
			return t.Format("01/02/2006")
		}
		if t, err := time.Parse("01022006", digits); err == nil {
			return t.Format("01/02/2006")
		}
	}

	return s
}

// NormalizeDates rewrites every date field on the record in place.
func NormalizeDates(rec Record) {
	for _, f := range DateFields {
		if v, ok := rec[f].(string); ok {
			rec[f] = NormalizeDate(v)
		}
	}
}
