package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// PDFID identifies a PDF across the pipeline: SHA1 of its final archived
// object key. Transient staging keys never feed the id.
func PDFID(archivedKey string) string {
	sum := sha1.Sum([]byte(archivedKey))
	return hex.EncodeToString(sum[:])
}

// LineID identifies one extracted row: "<pdf_id>#<line_index>".
func LineID(pdfID string, index int) string {
	return pdfID + "#" + strconv.Itoa(index)
}

// SplitLineID recovers the pdf id and line index from a line id.
func SplitLineID(lineID string) (pdfID string, index int, err error) {
	pdfID, idx, ok := strings.Cut(lineID, "#")
	if !ok {
		return "", 0, fmt.Errorf("domain: malformed line id %q", lineID)
	}
	index, err = strconv.Atoi(idx)
	if err != nil {
		return "", 0, fmt.Errorf("domain: malformed line id %q", lineID)
	}
	return pdfID, index, nil
}
