package chunk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/pdfutil"
)

// Splitter slices large PDFs into page chunks and seeds the job record.
type Splitter struct {
	Store         blob.Store
	Jobs          *Jobs
	PagesPerChunk int
	Logger        *slog.Logger
	Now           func() time.Time
	// NewID overrides job id generation in tests.
	NewID func(time.Time) string
}

func (s *Splitter) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Splitter) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Splitter) newID(t time.Time) string {
	if s.NewID != nil {
		return s.NewID(t)
	}
	return NewJobID(t)
}

// sidecarHints are the reviewer hints carried in .rework.json/.notes.json.
type sidecarHints struct {
	ExpectedLineCount int    `json:"expected_line_count"`
	BillFrom          string `json:"bill_from"`
	BillFromAlt       string `json:"Bill From"`
}

func (h sidecarHints) billFrom() string {
	if h.BillFrom != "" {
		return h.BillFrom
	}
	return h.BillFromAlt
}

// Process splits one PDF under Stage1_LargeFile/:
//
//  1. read reviewer hints from adjacent sidecars
//  2. archive the original into Stage 2 and delete the large-file key
//  3. compute all chunks up front
//  4. write the job record
//  5. only then upload the chunk PDFs
//
// The job record must be visible before the first chunk event fires; a chunk
// processor that finds no record can only back off and look it up again.
func (s *Splitter) Process(ctx context.Context, key string) error {
	suffix := domain.KeySuffix(key, domain.StageLargeFile)
	archiveKey := domain.StageParsedInputs + suffix

	// Hints live next to the large-file key; read them before the move.
	hints := s.readHints(ctx, key)

	if err := s.Store.Copy(ctx, key, archiveKey); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			s.log().Info("splitter: large-file key gone, skipping", "key", key)
			return nil
		}
		return fmt.Errorf("splitter: archive %s: %w", key, err)
	}
	if err := s.Store.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
		s.log().Warn("splitter: delete large-file key failed", "key", key, "error", err)
	}

	pdf, err := s.Store.Get(ctx, archiveKey)
	if err != nil {
		return fmt.Errorf("splitter: download %s: %w", archiveKey, err)
	}

	chunks, ranges, err := pdfutil.Split(pdf, s.PagesPerChunk)
	if err != nil || len(chunks) == 0 {
		failedKey := domain.StageFailed + suffix
		if cpErr := s.Store.Copy(ctx, archiveKey, failedKey); cpErr != nil {
			return fmt.Errorf("splitter: park unsplittable %s: %w", archiveKey, cpErr)
		}
		diag, _ := json.Marshal(map[string]any{
			"message": "failed to split pdf",
			"error":   fmt.Sprintf("%v", err),
		})
		if putErr := s.Store.Put(ctx, domain.ErrorSidecarKey(failedKey), diag); putErr != nil {
			s.log().Warn("splitter: error sidecar write failed", "error", putErr)
		}
		s.log().Error("splitter: unsplittable pdf parked", "failed_key", failedKey, "error", err)
		return nil
	}

	now := s.now()
	jobID := s.newID(now)

	chunkKeys := make([]string, len(chunks))
	for i, r := range ranges {
		chunkKeys[i] = fmt.Sprintf("%s%s/chunk_%03d.pdf", domain.StageChunks, jobID, r.Num)
	}

	job := Job{
		JobID:           jobID,
		SourceFile:      archiveKey,
		TotalChunks:     len(chunks),
		ChunksCompleted: 0,
		Status:          StatusProcessing,
		CreatedAt:       now.UTC().Format(time.RFC3339),
		ChunkKeys:       chunkKeys,
		ChunkResults:    []string{},
		ExpectedLines:   hints.ExpectedLineCount,
		BillFrom:        hints.billFrom(),
		PagesPerChunk:   s.PagesPerChunk,
		TotalPages:      ranges[len(ranges)-1].EndPage,
	}
	if err := s.Jobs.Create(ctx, job); err != nil {
		return fmt.Errorf("splitter: create job %s: %w", jobID, err)
	}

	s.log().Info("splitter: splitting large pdf",
		"job_id", jobID, "source_file", suffix,
		"total_chunks", len(chunks), "pages_per_chunk", s.PagesPerChunk)

	for i, data := range chunks {
		if err := s.Store.Put(ctx, chunkKeys[i], data); err != nil {
			return fmt.Errorf("splitter: upload chunk %s: %w", chunkKeys[i], err)
		}
	}
	return nil
}

func (s *Splitter) readHints(ctx context.Context, pdfKey string) sidecarHints {
	var hints sidecarHints
	for _, sk := range domain.SidecarKeys(pdfKey) {
		data, err := s.Store.Get(ctx, sk)
		if err != nil {
			continue
		}
		var h sidecarHints
		if err := json.Unmarshal(data, &h); err != nil {
			continue
		}
		if h.ExpectedLineCount > 0 {
			hints.ExpectedLineCount = h.ExpectedLineCount
		}
		if h.billFrom() != "" {
			hints.BillFrom = h.billFrom()
		}
	}
	return hints
}
