package domain

import "testing"

func TestPDFIDDependsOnlyOnArchivedKey(t *testing.T) {
	id1 := PDFID("Stage2_ParsedInputs/acme.pdf")
	id2 := PDFID("Stage2_ParsedInputs/acme.pdf")
	if id1 != id2 {
		t.Fatal("PDFID must be deterministic")
	}
	if len(id1) != 40 {
		t.Fatalf("PDFID should be 40 hex chars, got %d", len(id1))
	}
	if PDFID("Stage2_ParsedInputs/other.pdf") == id1 {
		t.Fatal("different keys must have different ids")
	}
}

func TestLineIDRoundTrip(t *testing.T) {
	pdfID := PDFID("Stage2_ParsedInputs/acme.pdf")
	lineID := LineID(pdfID, 7)

	gotPDF, gotIdx, err := SplitLineID(lineID)
	if err != nil {
		t.Fatalf("SplitLineID: %v", err)
	}
	if gotPDF != pdfID || gotIdx != 7 {
		t.Errorf("round trip = (%s, %d)", gotPDF, gotIdx)
	}
}

func TestSplitLineIDMalformed(t *testing.T) {
	for _, bad := range []string{"", "nohash", "abc#notanumber"} {
		if _, _, err := SplitLineID(bad); err == nil {
			t.Errorf("SplitLineID(%q) should fail", bad)
		}
	}
}
