package chunk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/engine/extract"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
)

// chunkKeyPattern matches Stage1_LargeFile_Chunks/<job_id>/chunk_NNN.pdf.
var chunkKeyPattern = regexp.MustCompile(`^` + domain.StageChunks + `([^/]+)/chunk_(\d{3})\.pdf$`)

// ParseChunkKey extracts the job id and 1-based chunk number from a chunk
// object key.
func ParseChunkKey(key string) (jobID string, chunkNum int, err error) {
	m := chunkKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", 0, fmt.Errorf("chunk: malformed chunk key %q", key)
	}
	n, _ := strconv.Atoi(m[2])
	return m[1], n, nil
}

// Result is the payload of one chunk-result object.
type Result struct {
	ChunkNum        int        `json:"chunk_num"`
	SourcePageStart int        `json:"source_page_start"`
	SourcePageEnd   int        `json:"source_page_end"`
	Rows            [][]string `json:"rows"`
}

// Processor parses one chunk PDF with the extraction engine and advances the
// job record.
type Processor struct {
	extract.Engine
	Store  blob.Store
	Jobs   *Jobs
	Errors kvtab.Table
	// Stagger spreads LLM load: chunk N sleeps N×Stagger before calling.
	Stagger time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
	// Sleep is swappable in tests.
	Sleep func(ctx context.Context, d time.Duration)
	// OnJobComplete fires after the CAS increment lands on
	// chunks_completed == total_chunks; the worker wires the aggregator here.
	OnJobComplete func(ctx context.Context, jobID string)
}

func (p *Processor) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	if p.Sleep != nil {
		p.Sleep(ctx, d)
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// jobLookupAttempts bounds the "job not found" backoff: the splitter writes
// the record before uploading chunks, so absence is a short race at worst.
const jobLookupAttempts = 8

func (p *Processor) lookupJob(ctx context.Context, jobID string) (Job, error) {
	var lastErr error
	for i := 0; i < jobLookupAttempts; i++ {
		job, _, err := p.Jobs.Get(ctx, jobID)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, kvtab.ErrNotFound) {
			return Job{}, err
		}
		lastErr = err
		p.sleep(ctx, 300*time.Millisecond)
	}
	return Job{}, domain.NewError(domain.KindNotFound, "chunk", lastErr)
}

// Process handles one chunk object-created event. Re-delivery recomputes and
// overwrites the same result key; CompleteChunk refuses to double-count it.
func (p *Processor) Process(ctx context.Context, chunkKey string) error {
	jobID, chunkNum, err := ParseChunkKey(chunkKey)
	if err != nil {
		return err
	}

	job, err := p.lookupJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("chunk: job %s: %w", jobID, err)
	}

	p.sleep(ctx, time.Duration(chunkNum)*p.Stagger)

	pdf, err := p.Store.Get(ctx, chunkKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			// Aggregator already cleaned this job up.
			p.log().Info("chunk: chunk object gone, skipping", "key", chunkKey)
			return nil
		}
		return fmt.Errorf("chunk: download %s: %w", chunkKey, err)
	}

	opts := extract.PromptOpts{
		ExpectedLines:   job.ExpectedLines,
		BillFrom:        job.BillFrom,
		PreviousContext: job.PreviousContext,
	}
	out, extractErr := p.Extract(ctx, pdf, opts)
	if extractErr != nil {
		p.recordFailure(ctx, chunkKey, extractErr)
		// Leave the job untouched: the event is requeued by the runtime.
		return extractErr
	}

	startPage := (chunkNum-1)*job.PagesPerChunk + 1
	endPage := chunkNum * job.PagesPerChunk
	if job.TotalPages > 0 && endPage > job.TotalPages {
		endPage = job.TotalPages
	}

	res := Result{
		ChunkNum:        chunkNum,
		SourcePageStart: startPage,
		SourcePageEnd:   endPage,
		Rows:            out.Rows,
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("chunk: marshal result: %w", err)
	}
	resultKey := fmt.Sprintf("%s%s/chunk_%03d.json", domain.StageChunkResults, jobID, chunkNum)
	if err := p.Store.Put(ctx, resultKey, payload); err != nil {
		return fmt.Errorf("chunk: write result %s: %w", resultKey, err)
	}

	summary := ""
	if len(out.Rows) > 0 {
		recs := extract.RowsToRecords(out.Rows, p.Schema, "", job.SourceFile, time.Now())
		summary = extract.ContextSummary(recs)
	}

	job, err = p.Jobs.CompleteChunk(ctx, jobID, resultKey, summary)
	if err != nil {
		return fmt.Errorf("chunk: complete chunk %d of %s: %w", chunkNum, jobID, err)
	}

	p.log().Info("chunk: processed",
		"job_id", jobID, "chunk", chunkNum,
		"rows", len(out.Rows), "completed", job.ChunksCompleted, "total", job.TotalChunks)

	if job.ChunksCompleted == job.TotalChunks && p.OnJobComplete != nil {
		p.OnJobComplete(ctx, jobID)
	}
	return nil
}

func (p *Processor) recordFailure(ctx context.Context, chunkKey string, cause error) {
	now := time.Now().UTC()
	if p.Now != nil {
		now = p.Now().UTC()
	}
	rec := domain.NewErrorRecord(
		now.Format("20060102T150405Z"), now.Format("2006-01-02"), now.Hour(),
		chunkKey, string(domain.KindOf(cause)), cause.Error(), chunkKey)
	if err := domain.PutErrorRecord(ctx, p.Errors, rec); err != nil {
		p.log().Warn("chunk: error record write failed", "error", err)
	}
}
