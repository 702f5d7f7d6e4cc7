package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
)

// FailureRouter consumes parser failure-destination payloads (worker
// timeouts, out-of-memory kills). Unmarked files are renamed with the
// large-file marker and retried on the chunked path; files that already
// carry the marker park in Failed/.
type FailureRouter struct {
	Store  blob.Store
	Errors kvtab.Table
	Logger *slog.Logger
	Now    func() time.Time
}

func (f *FailureRouter) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *FailureRouter) log() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// MarkLargeFile inserts the marker before the extension:
// "acme.pdf" → "acme_LARGEFILE_.pdf".
func MarkLargeFile(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i] + domain.LargeFileMarker + name[i:]
	}
	return name + domain.LargeFileMarker
}

// Process handles one failure payload.
func (f *FailureRouter) Process(ctx context.Context, payload blob.FailurePayload) error {
	originalKey := payload.RequestPayload.Key
	suffix := domain.BaseName(originalKey)

	sourceKey := f.findSource(ctx, originalKey, suffix)
	if sourceKey == "" {
		f.log().Warn("failrouter: source object gone", "key", originalKey)
		return nil
	}

	alreadyPromoted := strings.Contains(suffix, domain.LargeFileMarker)
	var destKey string
	if alreadyPromoted {
		destKey = domain.StageFailed + suffix
	} else {
		destKey = domain.StageLargeFile + MarkLargeFile(suffix)
	}

	if err := f.Store.Copy(ctx, sourceKey, destKey); err != nil {
		return fmt.Errorf("failrouter: copy %s to %s: %w", sourceKey, destKey, err)
	}
	if err := f.Store.Delete(ctx, sourceKey); err != nil {
		f.log().Warn("failrouter: delete source failed", "key", sourceKey, "error", err)
	}

	diag, _ := json.Marshal(map[string]any{
		"message":       "parser invocation failed",
		"error_type":    payload.ErrorType,
		"error_message": payload.ErrorMessage,
		"original_key":  originalKey,
		"escalated_to":  destKey,
		"promoted":      !alreadyPromoted,
	})
	if err := f.Store.Put(ctx, domain.ErrorSidecarKey(destKey), diag); err != nil {
		f.log().Warn("failrouter: error sidecar write failed", "error", err)
	}

	now := f.now().UTC()
	rec := domain.NewErrorRecord(
		now.Format("20060102T150405Z"), now.Format("2006-01-02"), now.Hour(),
		originalKey, payload.ErrorType, payload.ErrorMessage, sourceKey)
	if err := domain.PutErrorRecord(ctx, f.Errors, rec); err != nil {
		f.log().Warn("failrouter: error record write failed", "error", err)
	}

	f.log().Info("failrouter: escalated",
		"source_key", sourceKey, "dest_key", destKey, "promoted", !alreadyPromoted)
	return nil
}

// findSource locates the file among the places a dying parser can leave it:
// the original event key, Pending, and Parsed_Inputs.
func (f *FailureRouter) findSource(ctx context.Context, originalKey, suffix string) string {
	candidates := []string{
		originalKey,
		domain.StagePending + suffix,
		domain.StageParsedInputs + suffix,
	}
	for _, k := range candidates {
		if _, err := f.Store.Stat(ctx, k); err == nil {
			return k
		}
	}
	return ""
}
