package domain

// Schema is a fixed pipe-delimited column layout the LLM must emit. The
// extraction engine is generic over the schema; utility and legal bills are
// the two instances.
type Schema struct {
	Name    string
	Columns []string
	// DescriptionIndex is where spilled pipe characters are re-joined when a
	// reply row carries too many columns.
	DescriptionIndex int
}

// UtilityColumns is the 30-column utility-bill layout.
var UtilityColumns = []string{
	"Bill To Name First Line", "Bill To Name Second Line", "Vendor Name", "Invoice Number", "Account Number", "Line Item Account Number",
	"Service Address", "Service City", "Service Zipcode", "Service State", "Meter Number", "Meter Size", "House Or Vacant", "Bill Period Start", "Bill Period End", "Utility Type",
	"Consumption Amount", "Unit of Measure", "Previous Reading", "Previous Reading Date", "Current Reading", "Current Reading Date", "Rate", "Number of Days",
	"Line Item Description", "Line Item Charge",
	"Bill Date", "Due Date", "Special Instructions", "Inferred Fields",
}

// LegalColumns is the 11-column legal-bill layout.
var LegalColumns = []string{
	"Law Firm Name", "Matter Name", "Matter Number", "Invoice Number", "Invoice Date",
	"Timekeeper Name", "Timekeeper Role", "Work Date", "Hours", "Rate",
	"Line Item Charge",
}

// UtilitySchema is the schema for utility bills.
var UtilitySchema = Schema{
	Name:             "utility",
	Columns:          UtilityColumns,
	DescriptionIndex: 24,
}

// LegalSchema is the schema for legal bills.
var LegalSchema = Schema{
	Name:             "legal",
	Columns:          LegalColumns,
	DescriptionIndex: 7, // work-date narrative absorbs spilled pipes
}

// HeaderFields are the per-PDF attributes whose value must be identical
// across every extracted row of one source document.
var HeaderFields = []string{
	"Bill To Name First Line", "Bill To Name Second Line", "Vendor Name",
	"Invoice Number", "Account Number", "Service Address", "Service City",
	"Service Zipcode", "Service State", "Bill Date", "Due Date",
}

// DateFields are normalized to MM/DD/YYYY on every record.
var DateFields = []string{
	"Bill Period Start", "Bill Period End", "Bill Date", "Due Date",
	"Previous Reading Date", "Current Reading Date",
}

// UtilityTypes is the closed set the extraction prompt enforces.
var UtilityTypes = []string{
	"Electricity", "Gas", "Trash", "Water", "Sewer", "Stormwater", "HOA",
	"Internet", "Phone",
}
