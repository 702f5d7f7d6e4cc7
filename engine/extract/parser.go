package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
)

// Generator is the LLM call surface; satisfied by *gemini.Client and by test
// fakes.
type Generator interface {
	GenerateContent(ctx context.Context, apiKey, prompt string, pdf []byte) (string, error)
	Model() string
}

// Config holds the extraction tuning knobs (see the environment defaults in
// the worker mains).
type Config struct {
	MaxAttempts   int
	DropThreshold int
	BaseBackoff   time.Duration
}

// DefaultConfig mirrors the environment defaults.
var DefaultConfig = Config{
	MaxAttempts:   10,
	DropThreshold: 5,
	BaseBackoff:   2 * time.Second,
}

// Outcome is the result of one extraction loop.
type Outcome struct {
	Rows      [][]string
	Empty     bool
	LastReply string
	Attempts  int
}

// StandardParser extracts line items from whole PDFs on the standard path:
// archive to Stage 2, run the extraction engine, write Stage 3 NDJSON, park
// failures.
type StandardParser struct {
	Engine
	Store  blob.Store
	Errors kvtab.Table
	Log    *slog.Logger
	Now    func() time.Time
}

func (p *StandardParser) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *StandardParser) log() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

// Process handles one object-created event for a key under Stage1_Standard/.
// Re-delivery is safe: the archive copy overwrites itself and the Stage 3
// write lands on the same key.
func (p *StandardParser) Process(ctx context.Context, key string) error {
	suffix := domain.KeySuffix(key, domain.StageStandard)
	archiveKey := domain.StageParsedInputs + suffix

	if err := p.Store.Copy(ctx, key, archiveKey); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			// Already moved by an earlier delivery.
			if _, statErr := p.Store.Stat(ctx, archiveKey); statErr == nil {
				return p.parseArchived(ctx, suffix, archiveKey)
			}
			return domain.NewError(domain.KindNotFound, "parser", err)
		}
		return fmt.Errorf("parser: archive %s: %w", key, err)
	}
	if err := p.Store.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
		// Holding-zone policy: the archived copy is authoritative, duplicate
		// downstream work is absorbed by idempotent workers.
		p.log().Warn("parser: delete from standard failed", "key", key, "error", err)
	}
	return p.parseArchived(ctx, suffix, archiveKey)
}

func (p *StandardParser) parseArchived(ctx context.Context, suffix, archiveKey string) error {
	pdf, err := p.Store.Get(ctx, archiveKey)
	if err != nil {
		return fmt.Errorf("parser: download %s: %w", archiveKey, err)
	}

	out, extractErr := p.Extract(ctx, pdf, PromptOpts{})
	switch {
	case extractErr == nil && out.Empty:
		p.log().Info("parser: no line items", "source", suffix)
		return nil
	case extractErr == nil:
		now := p.now()
		recs := RowsToRecords(out.Rows, p.Schema, suffix, archiveKey, now)
		FillHeaderFields(recs)
		outKey := OutputKey(domain.Stem(archiveKey), now)
		if err := p.Store.Put(ctx, outKey, domain.EncodeRecords(recs)); err != nil {
			return fmt.Errorf("parser: write %s: %w", outKey, err)
		}
		p.log().Info("parser: wrote ndjson", "out_key", outKey, "rows", len(recs), "attempts", out.Attempts)
		return nil
	default:
		return p.park(ctx, suffix, archiveKey, out, extractErr)
	}
}

// park moves an exhausted PDF to Failed/ with a diagnostic sidecar and an
// error-table row.
func (p *StandardParser) park(ctx context.Context, suffix, archiveKey string, out Outcome, cause error) error {
	failedKey := domain.StageFailed + suffix
	if err := p.Store.Copy(ctx, archiveKey, failedKey); err != nil {
		return fmt.Errorf("parser: park %s: %w", archiveKey, err)
	}

	lastReply := out.LastReply
	if len(lastReply) > 2000 {
		lastReply = lastReply[:2000]
	}
	diag, _ := json.Marshal(map[string]any{
		"message":    "parsing failed after attempts",
		"error_kind": string(domain.KindOf(cause)),
		"last_error": cause.Error(),
		"attempts":   out.Attempts,
		"last_reply": lastReply,
	})
	if err := p.Store.Put(ctx, domain.ErrorSidecarKey(failedKey), diag); err != nil {
		p.log().Warn("parser: write error sidecar failed", "key", failedKey, "error", err)
	}

	now := p.now().UTC()
	rec := domain.NewErrorRecord(
		now.Format("20060102T150405Z"), now.Format("2006-01-02"), now.Hour(),
		failedKey, string(domain.KindOf(cause)), cause.Error(), archiveKey)
	if err := domain.PutErrorRecord(ctx, p.Errors, rec); err != nil {
		p.log().Warn("parser: error record write failed", "error", err)
	}

	p.log().Error("parser: parked failure", "failed_key", failedKey, "error", cause)
	return nil
}
