package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/engine/extract"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
)

// Builder assembles submission-ready Stage 6 batches from Stage 4 files plus
// Stage 5 overrides, and runs the bulk edit operations.
type Builder struct {
	Store  blob.Store
	Drafts *Drafts
	Logger *slog.Logger
	Now    func() time.Time
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Builder) log() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// stage4FilesFor lists the Stage 4 files in one date partition.
func (b *Builder) stage4FilesFor(ctx context.Context, date time.Time) ([]blob.Info, error) {
	prefix := domain.StageEnriched + extract.DatePrefix(date)
	return b.Store.List(ctx, prefix)
}

// filePDFID derives the pdf id for a Stage 4 file from its records'
// archived-input key.
func filePDFID(recs []domain.Record) string {
	for _, rec := range recs {
		if src := rec.Field("source_input_key"); src != "" {
			return domain.PDFID(src)
		}
	}
	return ""
}

// BuildBatch writes one Stage 6 object per selected Stage 4 file, with every
// line carrying its line id and the reviewer's overrides applied. An empty
// pdfIDs selection takes the whole day. Returns the Stage 6 keys.
func (b *Builder) BuildBatch(ctx context.Context, pdfIDs []string, date time.Time) ([]string, error) {
	files, err := b.stage4FilesFor(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("review: list stage 4: %w", err)
	}

	selected := make(map[string]bool, len(pdfIDs))
	for _, id := range pdfIDs {
		selected[id] = true
	}

	var keys []string
	for _, info := range files {
		data, err := b.Store.Get(ctx, info.Key)
		if err != nil {
			return nil, fmt.Errorf("review: read %s: %w", info.Key, err)
		}
		recs := domain.DecodeRecords(data)
		pdfID := filePDFID(recs)
		if pdfID == "" {
			continue
		}
		if len(selected) > 0 && !selected[pdfID] {
			continue
		}

		out := make([]domain.Record, 0, len(recs))
		for i, rec := range recs {
			lineID := domain.LineID(pdfID, i)
			draft, err := b.Drafts.Get(ctx, lineID)
			if err != nil {
				return nil, fmt.Errorf("review: draft %s: %w", lineID, err)
			}
			applied := Apply(rec, draft)
			applied["line_id"] = lineID
			applied["pdf_id"] = pdfID
			out = append(out, applied)
		}

		stage6Key := domain.StagePreEntrata + domain.KeySuffix(info.Key, domain.StageEnriched)
		if err := b.Store.Put(ctx, stage6Key, domain.EncodeRecords(out)); err != nil {
			return nil, fmt.Errorf("review: write %s: %w", stage6Key, err)
		}
		keys = append(keys, stage6Key)
	}

	b.log().Info("review: built stage 6 batch", "files", len(keys), "date", date.Format("2006-01-02"))
	return keys, nil
}

// Lines returns the flat line list for one day with overrides applied —
// the invoice view the review UI renders.
func (b *Builder) Lines(ctx context.Context, date time.Time) ([]domain.Record, error) {
	files, err := b.stage4FilesFor(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("review: list stage 4: %w", err)
	}
	var out []domain.Record
	for _, info := range files {
		data, err := b.Store.Get(ctx, info.Key)
		if err != nil {
			return nil, fmt.Errorf("review: read %s: %w", info.Key, err)
		}
		recs := domain.DecodeRecords(data)
		pdfID := filePDFID(recs)
		for i, rec := range recs {
			applied := rec
			if pdfID != "" {
				lineID := domain.LineID(pdfID, i)
				draft, err := b.Drafts.Get(ctx, lineID)
				if err != nil {
					return nil, err
				}
				applied = Apply(rec, draft)
				applied["line_id"] = lineID
				applied["pdf_id"] = pdfID
				applied["review_status"] = draft.Status
			}
			applied["stage4_key"] = info.Key
			out = append(out, applied)
		}
	}
	return out, nil
}

// BulkAssignProperty writes property-override drafts for every line of the
// selected PDFs on a date.
func (b *Builder) BulkAssignProperty(ctx context.Context, pdfIDs []string, date time.Time, propertyID, propertyName, reviewer string) (int, error) {
	return b.bulkOverride(ctx, pdfIDs, date, reviewer, map[string]string{
		"EnrichedPropertyID":   propertyID,
		"EnrichedPropertyName": propertyName,
	})
}

// BulkAssignVendor writes vendor-override drafts for every line of the
// selected PDFs on a date.
func (b *Builder) BulkAssignVendor(ctx context.Context, pdfIDs []string, date time.Time, vendorID, vendorName, reviewer string) (int, error) {
	return b.bulkOverride(ctx, pdfIDs, date, reviewer, map[string]string{
		"EnrichedVendorID":   vendorID,
		"EnrichedVendorName": vendorName,
	})
}

func (b *Builder) bulkOverride(ctx context.Context, pdfIDs []string, date time.Time, reviewer string, overrides map[string]string) (int, error) {
	files, err := b.stage4FilesFor(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("review: list stage 4: %w", err)
	}
	selected := make(map[string]bool, len(pdfIDs))
	for _, id := range pdfIDs {
		selected[id] = true
	}

	updated := 0
	for _, info := range files {
		data, err := b.Store.Get(ctx, info.Key)
		if err != nil {
			return updated, fmt.Errorf("review: read %s: %w", info.Key, err)
		}
		recs := domain.DecodeRecords(data)
		pdfID := filePDFID(recs)
		if pdfID == "" || (len(selected) > 0 && !selected[pdfID]) {
			continue
		}
		for i := range recs {
			lineID := domain.LineID(pdfID, i)
			draft, err := b.Drafts.Get(ctx, lineID)
			if err != nil {
				return updated, err
			}
			if draft.Overrides == nil {
				draft.Overrides = make(map[string]string, len(overrides))
			}
			for f, v := range overrides {
				draft.Overrides[f] = v
			}
			draft.Reviewer = reviewer
			if err := b.Drafts.Put(ctx, draft); err != nil {
				return updated, err
			}
			updated++
		}
	}
	return updated, nil
}

// BulkRework re-queues the selected PDFs through the pipeline: the archived
// Stage 2 original goes back into Stage1_Pending/ with a .rework.json
// sidecar carrying the reviewer's hints.
func (b *Builder) BulkRework(ctx context.Context, pdfIDs []string, date time.Time, hints map[string]any) (int, error) {
	files, err := b.stage4FilesFor(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("review: list stage 4: %w", err)
	}
	selected := make(map[string]bool, len(pdfIDs))
	for _, id := range pdfIDs {
		selected[id] = true
	}

	reworked := 0
	for _, info := range files {
		data, err := b.Store.Get(ctx, info.Key)
		if err != nil {
			return reworked, fmt.Errorf("review: read %s: %w", info.Key, err)
		}
		recs := domain.DecodeRecords(data)
		pdfID := filePDFID(recs)
		if pdfID == "" || (len(selected) > 0 && !selected[pdfID]) {
			continue
		}
		srcKey := recs[0].Field("source_input_key")
		if srcKey == "" {
			continue
		}

		pendingKey := domain.StagePending + domain.BaseName(srcKey)
		sidecar := domain.SidecarKeys(pendingKey)[1] // .rework.json
		hintData, err := encodeHints(hints)
		if err != nil {
			return reworked, err
		}
		if err := b.Store.Put(ctx, sidecar, hintData); err != nil {
			return reworked, fmt.Errorf("review: write rework sidecar: %w", err)
		}
		if err := b.Store.Copy(ctx, srcKey, pendingKey); err != nil {
			return reworked, fmt.Errorf("review: requeue %s: %w", srcKey, err)
		}
		reworked++
	}

	b.log().Info("review: bulk rework", "pdfs", reworked)
	return reworked, nil
}

func encodeHints(hints map[string]any) ([]byte, error) {
	if hints == nil {
		hints = map[string]any{}
	}
	data, err := json.Marshal(hints)
	if err != nil {
		return nil, fmt.Errorf("review: encode hints: %w", err)
	}
	return data, nil
}
