// Package router classifies pending PDFs onto the standard or large-file
// path and handles parser failure-destination escalation.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
	"github.com/craigbeachjrk/billpipe/pkg/pdfutil"
)

// Routes.
const (
	RouteStandard  = "standard"
	RouteLargeFile = "largefile"
)

// Decide picks the route for a PDF. Both thresholds are strict: a document
// at exactly the limit stays standard. An unknown page count (pageCount < 0)
// defaults to standard.
func Decide(pageCount int, sizeMB float64, maxPages int, maxSizeMB int) (route, reason string) {
	switch {
	case pageCount < 0:
		return RouteStandard, "unknown_page_count_default_standard"
	case pageCount > maxPages:
		return RouteLargeFile, fmt.Sprintf("page_count_%d_exceeds_%d", pageCount, maxPages)
	case sizeMB > float64(maxSizeMB):
		return RouteLargeFile, fmt.Sprintf("file_size_%.1fMB_exceeds_%dMB", sizeMB, maxSizeMB)
	default:
		return RouteStandard, "within_thresholds"
	}
}

// Router moves PDFs out of Stage1_Pending/.
type Router struct {
	Store     blob.Store
	RouteLog  kvtab.Table
	MaxPages  int
	MaxSizeMB int
	Logger    *slog.Logger
	Now       func() time.Time
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Router) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Process routes one pending PDF: classify, copy PDF plus sidecars to the
// target prefix, delete the pending key, and audit the decision. Copy
// failures propagate for retry; delete failures are logged only (duplicate
// downstream processing is absorbed by idempotent workers).
func (r *Router) Process(ctx context.Context, key string) error {
	suffix := domain.KeySuffix(key, domain.StagePending)

	pdf, err := r.Store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			// Re-delivered event for an already-routed key.
			r.log().Info("router: pending key gone, skipping", "key", key)
			return nil
		}
		return fmt.Errorf("router: download %s: %w", key, err)
	}

	sizeMB := float64(len(pdf)) / (1024 * 1024)
	pageCount, err := pdfutil.PageCount(pdf)
	if err != nil {
		pageCount = -1
	}

	route, reason := Decide(pageCount, sizeMB, r.MaxPages, r.MaxSizeMB)
	destPrefix := domain.StageStandard
	if route == RouteLargeFile {
		destPrefix = domain.StageLargeFile
	}
	destKey := destPrefix + suffix

	if err := r.Store.Copy(ctx, key, destKey); err != nil {
		return fmt.Errorf("router: copy %s to %s: %w", key, destKey, err)
	}
	r.copySidecars(ctx, key, destKey)

	if err := r.Store.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
		r.log().Warn("router: delete pending failed", "key", key, "error", err)
	}

	now := r.now().UTC()
	rec := domain.RouteRecord{
		PK:         "ROUTE#" + domain.BaseName(key),
		Timestamp:  now.Format(time.RFC3339),
		PDFKey:     key,
		PageCount:  pageCount,
		FileSizeMB: float64(int(sizeMB*100)) / 100,
		Route:      route,
		Reason:     reason,
		Date:       now.Format("2006-01-02"),
	}
	if err := domain.PutRouteRecord(ctx, r.RouteLog, rec); err != nil {
		r.log().Warn("router: route log write failed", "error", err)
	}

	r.log().Info("router: routed",
		"source_key", key, "dest_key", destKey,
		"route", route, "page_count", pageCount,
		"file_size_mb", sizeMB, "reason", reason)
	return nil
}

// copySidecars carries the .notes.json / .rework.json companions that hold
// rework hints from the review UI. Missing sidecars are the normal case.
func (r *Router) copySidecars(ctx context.Context, srcKey, destKey string) {
	srcSidecars := domain.SidecarKeys(srcKey)
	destSidecars := domain.SidecarKeys(destKey)
	for i, src := range srcSidecars {
		if _, err := r.Store.Stat(ctx, src); err != nil {
			continue
		}
		if err := r.Store.Copy(ctx, src, destSidecars[i]); err != nil {
			r.log().Warn("router: sidecar copy failed", "sidecar", src, "error", err)
		}
	}
}
