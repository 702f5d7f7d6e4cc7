package extract

import (
	"fmt"
	"strings"
	"time"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/pkg/fn"
)

// RowsToRecords zips schema columns with row values and attaches provenance:
// source_file_page, source_input_key, parsed_at_utc. The Inferred Fields
// hyphen string becomes the canonical array form.
func RowsToRecords(rows [][]string, schema domain.Schema, sourcePage, sourceInputKey string, parsedAt time.Time) []domain.Record {
	out := make([]domain.Record, 0, len(rows))
	for _, row := range rows {
		rec := make(domain.Record, len(schema.Columns)+3)
		for i, col := range schema.Columns {
			if i < len(row) {
				rec[col] = row[i]
			} else {
				rec[col] = ""
			}
		}
		rec["source_file_page"] = sourcePage
		rec["source_input_key"] = sourceInputKey
		rec["parsed_at_utc"] = parsedAt.UTC().Format(time.RFC3339)

		inferred := domain.InferredFields(rec)
		if inferred == nil {
			inferred = []string{}
		}
		rec["Inferred Fields"] = inferred

		domain.NormalizeDates(rec)
		out = append(out, rec)
	}
	return out
}

// FillHeaderFields makes header-level fields consistent across all records
// of one source PDF: missing values are filled with the most common
// non-empty value, and Account Number ↔ Line Item Account Number backfill
// each other.
func FillHeaderFields(recs []domain.Record) {
	for _, rec := range recs {
		rec.SetIfEmpty("Account Number", rec.Field("Line Item Account Number"))
		rec.SetIfEmpty("Line Item Account Number", rec.Field("Account Number"))
	}

	for _, field := range domain.HeaderFields {
		values := fn.Map(recs, func(r domain.Record) string { return r.Field(field) })
		winner := fn.MostCommon(values)
		if winner == "" {
			continue
		}
		for _, rec := range recs {
			rec.SetIfEmpty(field, winner)
		}
	}
}

// OutputKey builds the Stage 3 object key for a parsed document:
// Stage3_ParsedOutputs/yyyy=Y/mm=M/dd=D/source=s3/<stem>.jsonl with the
// worker's UTC date.
func OutputKey(stem string, now time.Time) string {
	now = now.UTC()
	return fmt.Sprintf("%syyyy=%04d/mm=%02d/dd=%02d/source=s3/%s.jsonl",
		domain.StageParsedOutputs, now.Year(), int(now.Month()), now.Day(), stem)
}

// DatePrefix returns the Stage 3/4 partition prefix for a calendar day,
// e.g. "yyyy=2026/mm=01/dd=05/".
func DatePrefix(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("yyyy=%04d/mm=%02d/dd=%02d/", t.Year(), int(t.Month()), t.Day())
}

// ContextSummary builds the short running summary of extracted header fields
// that the chunk processor forwards to later chunks.
func ContextSummary(recs []domain.Record) string {
	if len(recs) == 0 {
		return ""
	}
	first := recs[0]
	var parts []string
	for _, f := range []string{"Vendor Name", "Invoice Number", "Account Number", "Bill Date", "Due Date"} {
		if v := first.Field(f); v != "" {
			parts = append(parts, f+"="+v)
		}
	}
	parts = append(parts, fmt.Sprintf("rows_so_far=%d", len(recs)))
	return strings.Join(parts, "; ")
}
