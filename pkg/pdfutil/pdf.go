// Package pdfutil wraps the pdfcpu operations the pipeline needs: page
// counting for routing decisions and fixed-size page-range splitting for the
// large-file path.
package pdfutil

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PageCount returns the number of pages, or an error when the bytes are not
// a readable PDF (the router defaults such files to the standard path).
func PageCount(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	n, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("pdfutil: page count: %w", err)
	}
	return n, nil
}

// ChunkRange describes one split chunk. Num and pages are 1-based.
type ChunkRange struct {
	Num       int
	StartPage int
	EndPage   int
}

// Ranges computes the chunk list for a document up front.
func Ranges(totalPages, pagesPerChunk int) []ChunkRange {
	if totalPages <= 0 || pagesPerChunk <= 0 {
		return nil
	}
	var out []ChunkRange
	num := 1
	for start := 1; start <= totalPages; start += pagesPerChunk {
		end := start + pagesPerChunk - 1
		if end > totalPages {
			end = totalPages
		}
		out = append(out, ChunkRange{Num: num, StartPage: start, EndPage: end})
		num++
	}
	return out
}

// Split slices the PDF into chunks of pagesPerChunk pages each and returns
// the chunk bytes alongside their page ranges.
func Split(data []byte, pagesPerChunk int) ([][]byte, []ChunkRange, error) {
	total, err := PageCount(data)
	if err != nil {
		return nil, nil, err
	}
	ranges := Ranges(total, pagesPerChunk)
	conf := model.NewDefaultConfiguration()

	chunks := make([][]byte, 0, len(ranges))
	for _, r := range ranges {
		var buf bytes.Buffer
		sel := []string{fmt.Sprintf("%d-%d", r.StartPage, r.EndPage)}
		if err := api.Trim(bytes.NewReader(data), &buf, sel, conf); err != nil {
			return nil, nil, fmt.Errorf("pdfutil: split pages %d-%d: %w", r.StartPage, r.EndPage, err)
		}
		chunks = append(chunks, buf.Bytes())
	}
	return chunks, ranges, nil
}
