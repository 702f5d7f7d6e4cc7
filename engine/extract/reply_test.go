package extract

import (
	"strings"
	"testing"

	"github.com/craigbeachjrk/billpipe/engine/domain"
)

func utilityRow(n int) []string {
	row := make([]string, n)
	for i := range row {
		row[i] = "f"
	}
	return row
}

func TestNormalizeRowExactCount(t *testing.T) {
	row := utilityRow(30)
	out := NormalizeRow(row, domain.UtilitySchema)
	if len(out) != 30 {
		t.Fatalf("expected 30 columns, got %d", len(out))
	}
}

func TestNormalizeRowPadsShortRows(t *testing.T) {
	out := NormalizeRow(utilityRow(25), domain.UtilitySchema)
	if len(out) != 30 {
		t.Fatalf("expected 30 columns, got %d", len(out))
	}
	for _, v := range out[25:] {
		if v != "" {
			t.Errorf("padding should be empty, got %q", v)
		}
	}
}

func TestNormalizeRowMergesSpilledDescription(t *testing.T) {
	// 31 fields: a pipe leaked into the description at index 24.
	row := utilityRow(31)
	row[24] = "ELECTRIC"
	row[25] = "TIER 1"
	row[26] = "150.00" // the real Line Item Charge, shifted right by one
	out := NormalizeRow(row, domain.UtilitySchema)
	if len(out) != 30 {
		t.Fatalf("expected 30 columns, got %d", len(out))
	}
	if out[24] != "ELECTRIC - TIER 1" {
		t.Errorf("description merge = %q", out[24])
	}
	if out[25] != "150.00" {
		t.Errorf("charge after merge = %q", out[25])
	}
}

func TestCleanseField(t *testing.T) {
	cases := []struct{ in, want string }{
		{"a|b", "a-b"},
		{"a\nb\rc", "a b c"},
		{"too   many    spaces", "too many spaces"},
		{"", ""},
	}
	for _, c := range cases {
		if got := CleanseField(c.in); got != c.want {
			t.Errorf("CleanseField(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseReplyEmptyToken(t *testing.T) {
	_, _, empty := ParseReply("EMPTY", domain.UtilitySchema)
	if !empty {
		t.Fatal("EMPTY reply should report empty")
	}
	_, _, empty = ParseReply("  empty\n", domain.UtilitySchema)
	if !empty {
		t.Fatal("case-insensitive EMPTY should report empty")
	}
}

func TestParseReplyCountsDroppedProse(t *testing.T) {
	reply := "Here are the rows you asked for:\n" + strings.Join(utilityRow(30), "|")
	rows, dropped, empty := ParseReply(reply, domain.UtilitySchema)
	if empty {
		t.Fatal("reply with rows is not empty")
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if dropped != 1 {
		t.Errorf("prose line should count as dropped, got %d", dropped)
	}
}

func TestParseReplyAlternatePipeGlyphs(t *testing.T) {
	// Two fields joined by a fullwidth pipe still split.
	reply := strings.Join(utilityRow(29), "|") + "｜last"
	rows, _, _ := ParseReply(reply, domain.UtilitySchema)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0][29] != "last" {
		t.Errorf("glyph-normalized split lost the last field: %v", rows[0])
	}
}

func TestNormalizeReplyTrimsLines(t *testing.T) {
	out := NormalizeReply("  a  \n\t b \n")
	if out != "a\nb\n" && out != "a\nb" {
		t.Errorf("NormalizeReply = %q", out)
	}
}
