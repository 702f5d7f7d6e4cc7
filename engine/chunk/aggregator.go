package chunk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/engine/extract"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/fn"
)

// Aggregator combines a completed job's chunk results into the final Stage 3
// NDJSON and cleans up the chunk artifacts.
type Aggregator struct {
	Store  blob.Store
	Jobs   *Jobs
	Schema domain.Schema
	Logger *slog.Logger
	Now    func() time.Time
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Aggregator) log() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// ProcessResultKey is the event-driven entry point: any chunk-result object
// landing triggers a completion check for its job.
func (a *Aggregator) ProcessResultKey(ctx context.Context, resultKey string) error {
	rest := domain.KeySuffix(resultKey, domain.StageChunkResults)
	jobID, _, ok := strings.Cut(rest, "/")
	if !ok || jobID == "" {
		return fmt.Errorf("chunk: malformed result key %q", resultKey)
	}
	return a.ProcessJob(ctx, jobID)
}

// ProcessJob aggregates one job. It runs exactly once per job in effect:
// incomplete jobs and already-completed jobs return without action, so both
// trigger paths (direct invocation and result-object events) are safe.
func (a *Aggregator) ProcessJob(ctx context.Context, jobID string) error {
	job, _, err := a.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("chunk: aggregator job %s: %w", jobID, err)
	}
	if job.Status != StatusProcessing {
		return nil
	}
	if job.ChunksCompleted < job.TotalChunks {
		return nil
	}

	results, err := a.readResults(ctx, job)
	if err != nil {
		return err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ChunkNum < results[j].ChunkNum })

	now := a.now()
	var recs []domain.Record
	for _, res := range results {
		chunkRecs := extract.RowsToRecords(res.Rows, a.Schema, pageRange(res), job.SourceFile, now)
		for _, rec := range chunkRecs {
			rec["source_page_start"] = res.SourcePageStart
			rec["source_page_end"] = res.SourcePageEnd
			rec["chunk_num"] = res.ChunkNum
		}
		recs = append(recs, chunkRecs...)
	}

	if len(recs) == 0 {
		if err := a.Jobs.MarkFailed(ctx, jobID); err != nil {
			return fmt.Errorf("chunk: mark failed %s: %w", jobID, err)
		}
		a.log().Error("chunk: aggregated output empty, job failed", "job_id", jobID)
		return nil
	}

	// Header normalization runs across the whole document, not per chunk.
	extract.FillHeaderFields(recs)

	outKey := extract.OutputKey(domain.Stem(job.SourceFile), now)
	if err := a.Store.Put(ctx, outKey, domain.EncodeRecords(recs)); err != nil {
		return fmt.Errorf("chunk: write aggregate %s: %w", outKey, err)
	}

	// The Stage 3 write above is the commit point; artifact cleanup failures
	// are logged, never unwound.
	a.deleteArtifacts(ctx, job)

	if err := a.Jobs.MarkCompleted(ctx, jobID, outKey, now); err != nil {
		return fmt.Errorf("chunk: mark completed %s: %w", jobID, err)
	}

	a.log().Info("chunk: aggregated",
		"job_id", jobID, "out_key", outKey,
		"rows", len(recs), "chunks", len(results))
	return nil
}

func (a *Aggregator) readResults(ctx context.Context, job Job) ([]Result, error) {
	keys := job.ChunkResults
	if len(keys) == 0 {
		// Fall back to listing the result prefix.
		infos, err := a.Store.List(ctx, domain.StageChunkResults+job.JobID+"/")
		if err != nil {
			return nil, fmt.Errorf("chunk: list results for %s: %w", job.JobID, err)
		}
		keys = fn.Map(
			fn.Filter(infos, func(i blob.Info) bool { return strings.HasSuffix(i.Key, ".json") }),
			func(i blob.Info) string { return i.Key })
	}

	var out []Result
	for _, key := range keys {
		data, err := a.Store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("chunk: read result %s: %w", key, err)
		}
		var res Result
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("chunk: decode result %s: %w", key, err)
		}
		out = append(out, res)
	}
	return out, nil
}

func (a *Aggregator) deleteArtifacts(ctx context.Context, job Job) {
	var keys []string
	keys = append(keys, job.ChunkKeys...)
	keys = append(keys, job.ChunkResults...)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, key := range keys {
		g.Go(func() error {
			if err := a.Store.Delete(ctx, key); err != nil {
				a.log().Warn("chunk: artifact delete failed", "key", key, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func pageRange(res Result) string {
	return fmt.Sprintf("pages_%d-%d", res.SourcePageStart, res.SourcePageEnd)
}
