package chunk

import (
	"context"
	"testing"

	"github.com/craigbeachjrk/billpipe/pkg/blob"
)

func TestReadHintsFromSidecars(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory(nil)
	store.Put(ctx, "Stage1_LargeFile/big.rework.json", []byte(`{"expected_line_count":14,"bill_from":"FPL"}`))

	s := &Splitter{Store: store, PagesPerChunk: 2}
	hints := s.readHints(ctx, "Stage1_LargeFile/big.pdf")
	if hints.ExpectedLineCount != 14 {
		t.Errorf("expected_line_count = %d", hints.ExpectedLineCount)
	}
	if hints.billFrom() != "FPL" {
		t.Errorf("bill_from = %q", hints.billFrom())
	}
}

func TestReadHintsAlternateBillFromKey(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory(nil)
	store.Put(ctx, "Stage1_LargeFile/big.notes.json", []byte(`{"Bill From":"DTE Energy"}`))

	s := &Splitter{Store: store}
	if got := s.readHints(ctx, "Stage1_LargeFile/big.pdf").billFrom(); got != "DTE Energy" {
		t.Errorf("billFrom = %q", got)
	}
}

func TestReadHintsMissingSidecars(t *testing.T) {
	s := &Splitter{Store: blob.NewMemory(nil)}
	hints := s.readHints(context.Background(), "Stage1_LargeFile/plain.pdf")
	if hints.ExpectedLineCount != 0 || hints.billFrom() != "" {
		t.Errorf("missing sidecars should yield zero hints: %+v", hints)
	}
}

func TestSplitterGoneKeyIsNoop(t *testing.T) {
	s := &Splitter{Store: blob.NewMemory(nil), Jobs: nil, PagesPerChunk: 2}
	if err := s.Process(context.Background(), "Stage1_LargeFile/gone.pdf"); err != nil {
		t.Fatalf("re-delivered event for a moved key must be a no-op, got %v", err)
	}
}
