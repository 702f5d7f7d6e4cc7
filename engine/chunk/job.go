// Package chunk implements the large-file path: splitting a PDF into
// fixed-size page chunks, parsing each chunk independently, and aggregating
// the partial results into one Stage 3 document.
package chunk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
)

// Job statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job tracks one chunked-parse run. The record is written before the first
// chunk object is uploaded so every chunk processor finds it.
type Job struct {
	JobID           string   `json:"job_id"`
	SourceFile      string   `json:"source_file"`
	TotalChunks     int      `json:"total_chunks"`
	ChunksCompleted int      `json:"chunks_completed"`
	Status          string   `json:"status"`
	CreatedAt       string   `json:"created_at"`
	ChunkKeys       []string `json:"chunk_keys"`
	ChunkResults    []string `json:"chunk_results"`
	PreviousContext string   `json:"previous_context"`
	ExpectedLines   int      `json:"expected_lines,omitempty"`
	BillFrom        string   `json:"bill_from,omitempty"`
	PagesPerChunk   int      `json:"pages_per_chunk"`
	TotalPages      int      `json:"total_pages"`
	OutputKey       string   `json:"output_key,omitempty"`
	CompletedAt     string   `json:"completed_at,omitempty"`
}

// NewJobID builds "<UTC timestamp>_<8 hex>".
func NewJobID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "_" + uuid.NewString()[:8]
}

// Jobs persists Job records in a KV table with optimistic concurrency.
type Jobs struct {
	Table kvtab.Table
}

// Create writes a fresh job record; it must not already exist.
func (j *Jobs) Create(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("chunk: marshal job: %w", err)
	}
	return j.Table.Create(ctx, job.JobID, data)
}

// Get reads a job and its revision for CAS updates.
func (j *Jobs) Get(ctx context.Context, jobID string) (Job, uint64, error) {
	e, err := j.Table.Get(ctx, jobID)
	if err != nil {
		return Job{}, 0, err
	}
	var job Job
	if err := json.Unmarshal(e.Value, &job); err != nil {
		return Job{}, 0, fmt.Errorf("chunk: decode job %s: %w", jobID, err)
	}
	return job, e.Revision, nil
}

// CompleteChunk atomically increments chunks_completed and appends the
// chunk's result key, retrying on revision conflicts. Re-completing a chunk
// whose result key is already recorded is a no-op, which keeps re-delivered
// chunk events from double-counting.
func (j *Jobs) CompleteChunk(ctx context.Context, jobID, resultKey, contextSummary string) (Job, error) {
	for {
		job, rev, err := j.Get(ctx, jobID)
		if err != nil {
			return Job{}, err
		}

		seen := false
		for _, k := range job.ChunkResults {
			if k == resultKey {
				seen = true
				break
			}
		}
		if seen {
			return job, nil
		}

		job.ChunkResults = append(job.ChunkResults, resultKey)
		job.ChunksCompleted++
		if contextSummary != "" {
			job.PreviousContext = contextSummary
		}

		data, err := json.Marshal(job)
		if err != nil {
			return Job{}, fmt.Errorf("chunk: marshal job: %w", err)
		}
		err = j.Table.Update(ctx, jobID, data, rev)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, kvtab.ErrConflict) {
			return Job{}, err
		}
		// Another chunk processor landed first; re-read and retry.
	}
}

// MarkCompleted finalizes the job after the aggregator's commit write.
func (j *Jobs) MarkCompleted(ctx context.Context, jobID, outputKey string, completedAt time.Time) error {
	return j.mutate(ctx, jobID, func(job *Job) {
		job.Status = StatusCompleted
		job.OutputKey = outputKey
		job.CompletedAt = completedAt.UTC().Format(time.RFC3339)
	})
}

// MarkFailed records a job whose combined output was empty.
func (j *Jobs) MarkFailed(ctx context.Context, jobID string) error {
	return j.mutate(ctx, jobID, func(job *Job) {
		job.Status = StatusFailed
	})
}

func (j *Jobs) mutate(ctx context.Context, jobID string, f func(*Job)) error {
	for {
		job, rev, err := j.Get(ctx, jobID)
		if err != nil {
			return err
		}
		f(&job)
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("chunk: marshal job: %w", err)
		}
		err = j.Table.Update(ctx, jobID, data, rev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, kvtab.ErrConflict) {
			return err
		}
	}
}

// CheckSubject carries direct aggregation-check invocations: the chunk
// processor publishes one when its increment completes a job, and the
// aggregator worker consumes them alongside result-object events.
const CheckSubject = "bills.jobs.check"

// CheckMessage asks the aggregator to re-evaluate one job.
type CheckMessage struct {
	JobID string `json:"job_id"`
}
