package chunk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
)

func seedJob(t *testing.T, jobs *Jobs, total int) Job {
	t.Helper()
	job := Job{
		JobID:         "20260105T120000Z_abcd1234",
		SourceFile:    "Stage2_ParsedInputs/big.pdf",
		TotalChunks:   total,
		Status:        StatusProcessing,
		ChunkResults:  []string{},
		PagesPerChunk: 2,
		TotalPages:    total * 2,
	}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestCompleteChunkIncrements(t *testing.T) {
	jobs := &Jobs{Table: kvtab.NewMemory()}
	job := seedJob(t, jobs, 3)

	got, err := jobs.CompleteChunk(context.Background(), job.JobID, "Stage1_LargeFile_Results/j/chunk_001.json", "ctx")
	if err != nil {
		t.Fatalf("CompleteChunk: %v", err)
	}
	if got.ChunksCompleted != 1 || len(got.ChunkResults) != 1 {
		t.Fatalf("after first chunk: %+v", got)
	}
	if got.PreviousContext != "ctx" {
		t.Errorf("context summary not stored: %q", got.PreviousContext)
	}
}

func TestCompleteChunkIdempotent(t *testing.T) {
	jobs := &Jobs{Table: kvtab.NewMemory()}
	job := seedJob(t, jobs, 3)
	key := "Stage1_LargeFile_Results/j/chunk_001.json"

	jobs.CompleteChunk(context.Background(), job.JobID, key, "")
	got, err := jobs.CompleteChunk(context.Background(), job.JobID, key, "")
	if err != nil {
		t.Fatalf("CompleteChunk redelivery: %v", err)
	}
	if got.ChunksCompleted != 1 {
		t.Fatalf("re-delivered chunk must not double-count: %+v", got)
	}
}

func TestCompleteChunkConcurrent(t *testing.T) {
	jobs := &Jobs{Table: kvtab.NewMemory()}
	job := seedJob(t, jobs, 8)

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := resultKeyFor(job.JobID, n)
			if _, err := jobs.CompleteChunk(context.Background(), job.JobID, key, ""); err != nil {
				t.Errorf("chunk %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	got, _, err := jobs.Get(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.ChunksCompleted != 8 {
		t.Fatalf("CAS increments lost updates: completed=%d", got.ChunksCompleted)
	}
	if len(got.ChunkResults) != 8 {
		t.Fatalf("result keys lost: %d", len(got.ChunkResults))
	}
}

func TestMarkCompletedAndFailed(t *testing.T) {
	jobs := &Jobs{Table: kvtab.NewMemory()}
	job := seedJob(t, jobs, 1)

	now := time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC)
	if err := jobs.MarkCompleted(context.Background(), job.JobID, "Stage3_ParsedOutputs/x.jsonl", now); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	got, _, _ := jobs.Get(context.Background(), job.JobID)
	if got.Status != StatusCompleted || got.OutputKey == "" || got.CompletedAt == "" {
		t.Fatalf("completed job malformed: %+v", got)
	}

	if err := jobs.MarkFailed(context.Background(), job.JobID); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, _, _ = jobs.Get(context.Background(), job.JobID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestJobsGetNotFound(t *testing.T) {
	jobs := &Jobs{Table: kvtab.NewMemory()}
	_, _, err := jobs.Get(context.Background(), "nope")
	if !errors.Is(err, kvtab.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewJobIDShape(t *testing.T) {
	id := NewJobID(time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC))
	if len(id) != len("20260105T120000Z")+1+8 {
		t.Fatalf("job id shape wrong: %q", id)
	}
	if id[:16] != "20260105T120000Z" {
		t.Fatalf("job id timestamp wrong: %q", id)
	}
}

func resultKeyFor(jobID string, n int) string {
	return fmt.Sprintf("Stage1_LargeFile_Results/%s/chunk_%03d.json", jobID, n)
}
