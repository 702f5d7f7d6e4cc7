package domain

import (
	"errors"
	"testing"
)

func postableRecord() Record {
	return Record{
		"EnrichedPropertyID":      "P200",
		"EnrichedVendorID":        "V100",
		"Invoice Number":          "INV777",
		"Bill Date":               "01/15/2026",
		"EnrichedGLAccountNumber": "5706-0000",
		"Line Item Charge":        "150.00",
	}
}

func TestValidateForPostValid(t *testing.T) {
	if err := ValidateForPost([]Record{postableRecord()}); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestValidateForPostMissingFields(t *testing.T) {
	cases := []struct {
		drop string
		want error
	}{
		{"EnrichedPropertyID", ErrMissingProperty},
		{"EnrichedVendorID", ErrMissingVendor},
		{"Invoice Number", ErrMissingInvoice},
		{"Bill Date", ErrMissingBillDate},
		{"EnrichedGLAccountNumber", ErrMissingGLCode},
	}
	for _, c := range cases {
		rec := postableRecord()
		delete(rec, c.drop)
		err := ValidateForPost([]Record{rec})
		if !errors.Is(err, c.want) {
			t.Errorf("dropping %s: got %v, want %v", c.drop, err, c.want)
		}
	}
}

func TestValidateForPostNoChargedLines(t *testing.T) {
	rec := postableRecord()
	rec["Line Item Charge"] = ""
	if err := ValidateForPost([]Record{rec}); !errors.Is(err, ErrNoChargedLines) {
		t.Errorf("expected ErrNoChargedLines, got %v", err)
	}
	if err := ValidateForPost(nil); !errors.Is(err, ErrNoChargedLines) {
		t.Errorf("empty batch: expected ErrNoChargedLines, got %v", err)
	}
}

func TestInferredFieldsForms(t *testing.T) {
	// Canonical array form.
	rec := Record{"Inferred Fields": []any{"Bill Date", "Due Date"}}
	got := InferredFields(rec)
	if len(got) != 2 || got[0] != "Bill Date" {
		t.Fatalf("array form: %v", got)
	}

	// Legacy hyphen string.
	rec = Record{"Inferred Fields": "Bill Date-Due Date"}
	got = InferredFields(rec)
	if len(got) != 2 || got[1] != "Due Date" {
		t.Fatalf("hyphen form: %v", got)
	}

	if legacy := InferredFieldsLegacy(rec); legacy != "Bill Date-Due Date" {
		t.Errorf("legacy view = %q", legacy)
	}

	if got := InferredFields(Record{}); got != nil {
		t.Errorf("missing field should be nil, got %v", got)
	}
}
