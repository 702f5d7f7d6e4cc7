package domain

import "testing"

func TestNormalizeDate(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"01/15/2025", "01/15/2025"},
		{"1/5/2025", "01/05/2025"},
		{"11-2-25", "11/02/2025"},
		{"1-2-25", "01/02/2025"},
		{"2025-08-13", "08/13/2025"},
		{"2025/08/13", "08/13/2025"},
		{"08-13-2025", "08/13/2025"},
		{"Aug 13, 2025", "08/13/2025"},
		{"August 13, 2025", "08/13/2025"},
		{"20250813", "08/13/2025"},
		{"08132025", "08/13/2025"},
		{"", ""},
		{"not a date", "not a date"},
		{"13/45/2025", "13/45/2025"},
	}
	for _, c := range cases {
		if got := NormalizeDate(c.in); got != c.want {
			t.Errorf("NormalizeDate(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeDateTwoDigitYearWindow(t *testing.T) {
	if got := NormalizeDate("1-2-49"); got != "01/02/2049" {
		t.Errorf("year 49 should map to 2049, got %q", got)
	}
	if got := NormalizeDate("1-2-50"); got != "01/02/1950" {
		t.Errorf("year 50 should map to 1950, got %q", got)
	}
}

func TestNormalizeDatesRewritesDateFields(t *testing.T) {
	rec := Record{
		"Bill Date":             "2025-01-15",
		"Due Date":              "2/1/25",
		"Line Item Description": "2025-01-15", // not a date field, untouched
	}
	NormalizeDates(rec)
	if rec["Bill Date"] != "01/15/2025" {
		t.Errorf("Bill Date not normalized: %v", rec["Bill Date"])
	}
	if rec["Due Date"] != "02/01/2025" {
		t.Errorf("Due Date not normalized: %v", rec["Due Date"])
	}
	if rec["Line Item Description"] != "2025-01-15" {
		t.Errorf("non-date field was rewritten: %v", rec["Line Item Description"])
	}
}
