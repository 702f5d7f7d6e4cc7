package chunk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
)

func rowWithVendor(vendor, invoice string) []string {
	row := make([]string, 30)
	row[2] = vendor
	row[3] = invoice
	return row
}

// seedCompletedJob stores a job with all chunk results written and the
// counter at total, as the chunk processors leave it.
func seedCompletedJob(t *testing.T, store blob.Store, jobs *Jobs, results []Result) Job {
	t.Helper()
	ctx := context.Background()
	job := Job{
		JobID:         "20260105T120000Z_job00001",
		SourceFile:    "Stage2_ParsedInputs/big.pdf",
		TotalChunks:   len(results),
		Status:        StatusProcessing,
		ChunkResults:  []string{},
		PagesPerChunk: 2,
		TotalPages:    len(results) * 2,
	}
	var chunkKeys []string
	for _, res := range results {
		data, _ := json.Marshal(res)
		resultKey := fmt.Sprintf("Stage1_LargeFile_Results/%s/chunk_%03d.json", job.JobID, res.ChunkNum)
		store.Put(ctx, resultKey, data)
		chunkKey := fmt.Sprintf("Stage1_LargeFile_Chunks/%s/chunk_%03d.pdf", job.JobID, res.ChunkNum)
		store.Put(ctx, chunkKey, []byte("%PDF"))
		chunkKeys = append(chunkKeys, chunkKey)
		job.ChunkResults = append(job.ChunkResults, resultKey)
	}
	job.ChunkKeys = chunkKeys
	job.ChunksCompleted = len(results)
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatal(err)
	}
	return job
}

func newAggregator(store blob.Store, jobs *Jobs) *Aggregator {
	return &Aggregator{
		Store:  store,
		Jobs:   jobs,
		Schema: domain.UtilitySchema,
		Now:    func() time.Time { return time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC) },
	}
}

func TestAggregatorCombinesInChunkOrder(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory(nil)
	jobs := &Jobs{Table: kvtab.NewMemory()}

	// Results arrive out of order; chunk 2 lacks the vendor header.
	job := seedCompletedJob(t, store, jobs, []Result{
		{ChunkNum: 2, SourcePageStart: 3, SourcePageEnd: 4, Rows: [][]string{rowWithVendor("", "")}},
		{ChunkNum: 1, SourcePageStart: 1, SourcePageEnd: 2, Rows: [][]string{rowWithVendor("FPL", "INV1"), rowWithVendor("FPL", "INV1")}},
	})

	agg := newAggregator(store, jobs)
	if err := agg.ProcessJob(ctx, job.JobID); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	outKey := "Stage3_ParsedOutputs/yyyy=2026/mm=01/dd=05/source=s3/big.jsonl"
	data, err := store.Get(ctx, outKey)
	if err != nil {
		t.Fatalf("aggregate output missing: %v", err)
	}
	recs := domain.DecodeRecords(data)

	// Invariant: output row count equals the sum of chunk rows.
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	// Reordered by chunk number: chunk 1 rows first.
	if recs[0].Field("source_file_page") != "pages_1-2" {
		t.Errorf("rows not in page order: %v", recs[0].Field("source_file_page"))
	}
	// Header vote fills the vendor on the chunk-2 row.
	if recs[2].Field("Vendor Name") != "FPL" {
		t.Errorf("header vote did not fill chunk 2: %q", recs[2].Field("Vendor Name"))
	}

	// Artifacts deleted, job completed.
	infos, _ := store.List(ctx, domain.StageChunks)
	if len(infos) != 0 {
		t.Errorf("chunk PDFs not deleted: %v", infos)
	}
	infos, _ = store.List(ctx, domain.StageChunkResults)
	if len(infos) != 0 {
		t.Errorf("chunk results not deleted: %v", infos)
	}
	got, _, _ := jobs.Get(ctx, job.JobID)
	if got.Status != StatusCompleted || got.OutputKey != outKey {
		t.Errorf("job not completed: %+v", got)
	}
}

func TestAggregatorIncompleteJobIsNoop(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory(nil)
	jobs := &Jobs{Table: kvtab.NewMemory()}
	job := seedJob(t, jobs, 4) // chunks_completed = 0

	agg := newAggregator(store, jobs)
	if err := agg.ProcessJob(ctx, job.JobID); err != nil {
		t.Fatalf("incomplete job must be a silent no-op: %v", err)
	}
	infos, _ := store.List(ctx, domain.StageParsedOutputs)
	if len(infos) != 0 {
		t.Fatal("no output expected for an incomplete job")
	}
}

func TestAggregatorCompletedJobIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory(nil)
	jobs := &Jobs{Table: kvtab.NewMemory()}
	job := seedCompletedJob(t, store, jobs, []Result{
		{ChunkNum: 1, SourcePageStart: 1, SourcePageEnd: 2, Rows: [][]string{rowWithVendor("FPL", "INV1")}},
	})

	agg := newAggregator(store, jobs)
	if err := agg.ProcessJob(ctx, job.JobID); err != nil {
		t.Fatal(err)
	}
	// Second run: results are deleted, but status short-circuits first.
	if err := agg.ProcessJob(ctx, job.JobID); err != nil {
		t.Fatalf("re-running a completed job must be a no-op: %v", err)
	}
}

func TestAggregatorEmptyOutputFailsJob(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory(nil)
	jobs := &Jobs{Table: kvtab.NewMemory()}
	job := seedCompletedJob(t, store, jobs, []Result{
		{ChunkNum: 1, SourcePageStart: 1, SourcePageEnd: 2, Rows: nil},
	})

	agg := newAggregator(store, jobs)
	if err := agg.ProcessJob(ctx, job.JobID); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}
	got, _, _ := jobs.Get(ctx, job.JobID)
	if got.Status != StatusFailed {
		t.Fatalf("empty aggregate should fail the job, status=%q", got.Status)
	}
}

func TestProcessResultKeyParsesJob(t *testing.T) {
	agg := newAggregator(blob.NewMemory(nil), &Jobs{Table: kvtab.NewMemory()})
	err := agg.ProcessResultKey(context.Background(), "Stage1_LargeFile_Results/badkey")
	if err == nil || !strings.Contains(err.Error(), "malformed") {
		t.Fatalf("malformed result key should fail, got %v", err)
	}
}
