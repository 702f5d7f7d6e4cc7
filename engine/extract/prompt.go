package extract

import (
	"fmt"
	"strings"

	"github.com/craigbeachjrk/billpipe/engine/domain"
)

// selfCorrectionExcerptLen caps how much of the previous bad reply travels
// into the retry prompt.
const selfCorrectionExcerptLen = 1500

// PromptOpts carries the optional additions to the base extraction prompt.
type PromptOpts struct {
	// PrevReply, when non-empty, appends a self-correction note with an
	// excerpt of the prior reply.
	PrevReply string
	// ExpectedLines and BillFrom are reviewer hints read from sidecars.
	ExpectedLines int
	BillFrom      string
	// PreviousContext is the running summary of what earlier chunks
	// extracted, so header-level fields propagate forward.
	PreviousContext string
}

// BuildPrompt renders the extraction prompt for a schema. The output
// contract is fixed: exactly len(Columns) pipe-separated fields per row, or
// the literal EMPTY.
func BuildPrompt(schema domain.Schema, opts PromptOpts) string {
	cols := len(schema.Columns)
	var b strings.Builder

	fmt.Fprintf(&b, "You are an expert %s-bill parser. Output ONLY pipe-separated (|) rows with exactly %d fields (%d pipes) in this order:\n%s\n",
		schema.Name, cols, cols-1, strings.Join(schema.Columns, " | "))
	fmt.Fprintf(&b, "If no line items are found, output the single word: %s.\n", EmptyToken)

	b.WriteString(`
Extract EVERY line that has a dollar amount as a separate row: charges, taxes, fees, surcharges, credits, adjustments, and rate tiers. Do NOT output only a summary total unless the document shows no breakdown at all.

For every row, repeat ALL header-level fields (names, vendor, invoice number, account number, addresses, bill and due dates) even when they appear on an earlier page.

CRITICAL FORMATTING:
- NEVER include pipe characters (|) inside a field value; use dashes or commas instead.
- Each row must have EXACTLY the stated number of fields.
- For the Inferred Fields column: list the names of any CRITICAL fields you inferred, separated by a hyphen; else leave it blank.
`)

	if schema.Name == "utility" {
		fmt.Fprintf(&b, "\nUtility Type must be standardized to one of EXACTLY these values: %s. If a charge is a component of a Water bill (taxes, fees, surcharges), still set Utility Type to Water.\n",
			strings.Join(domain.UtilityTypes, " | "))
		b.WriteString(`House Or Vacant: output "Vacant" when the Service Address clearly carries an apartment/unit indicator (Apt, Unit, Ste, Suite, #, Bldg with unit); otherwise "House".
`)
	}

	if opts.PreviousContext != "" {
		fmt.Fprintf(&b, "\nContext from earlier pages of this document:\n%s\n", opts.PreviousContext)
	}
	if opts.ExpectedLines > 0 {
		fmt.Fprintf(&b, "\nA reviewer expects roughly %d line items across the whole document.\n", opts.ExpectedLines)
	}
	if opts.BillFrom != "" {
		fmt.Fprintf(&b, "\nA reviewer noted the bill is from: %s\n", opts.BillFrom)
	}

	if opts.PrevReply != "" {
		excerpt := opts.PrevReply
		if len(excerpt) > selfCorrectionExcerptLen {
			excerpt = excerpt[:selfCorrectionExcerptLen]
		}
		fmt.Fprintf(&b, "\nYou previously returned an incorrect number of columns. Each row must have exactly %d fields. Here is your last output (reference only):\n%s\nNow output only corrected rows with the exact number of columns.\n",
			cols, excerpt)
	}

	return strings.TrimSpace(b.String())
}
