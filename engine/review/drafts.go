// Package review implements the write side of human corrections: a draft
// store keyed by line id, override application, the Stage 6 batch builder,
// and the bulk edit operations.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
)

// Draft statuses.
const (
	StatusPending   = "Pending"
	StatusReviewed  = "Reviewed"
	StatusSubmitted = "Submitted"
)

// Draft holds a reviewer's tentative field overrides for one line. Overrides
// are applied on top of Stage 4 records at read time; they are never merged
// back into Stage 4.
type Draft struct {
	LineID      string            `json:"line_id"`
	Overrides   map[string]string `json:"overrides"`
	Status      string            `json:"status"`
	Reviewer    string            `json:"reviewer"`
	StartedAt   string            `json:"started_at,omitempty"`
	HeartbeatAt string            `json:"heartbeat_at,omitempty"`
	StoppedAt   string            `json:"stopped_at,omitempty"`
}

// Drafts persists Draft rows. Audit, when set, mirrors every write into the
// append-only Stage5_Overrides/ log: one object per edit, never rewritten.
type Drafts struct {
	Table kvtab.Table
	Audit blob.Store
	Now   func() time.Time
}

func (d *Drafts) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Get returns the draft for a line, or a zero draft when none exists.
func (d *Drafts) Get(ctx context.Context, lineID string) (Draft, error) {
	e, err := d.Table.Get(ctx, lineID)
	if err != nil {
		if errors.Is(err, kvtab.ErrNotFound) {
			return Draft{LineID: lineID, Status: StatusPending}, nil
		}
		return Draft{}, err
	}
	var out Draft
	if err := json.Unmarshal(e.Value, &out); err != nil {
		return Draft{}, fmt.Errorf("review: decode draft %s: %w", lineID, err)
	}
	return out, nil
}

// Put upserts a draft. Missing timing fields are stamped.
func (d *Drafts) Put(ctx context.Context, draft Draft) error {
	if draft.LineID == "" {
		return fmt.Errorf("review: draft without line id")
	}
	if draft.Status == "" {
		draft.Status = StatusPending
	}
	now := d.now().UTC().Format(time.RFC3339)
	if draft.StartedAt == "" {
		draft.StartedAt = now
	}
	draft.HeartbeatAt = now

	data, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("review: marshal draft: %w", err)
	}
	if err := d.Table.Put(ctx, draft.LineID, data); err != nil {
		return err
	}

	if d.Audit != nil {
		auditKey := fmt.Sprintf("%s%s/%s_%s.json",
			domain.StageOverrides, kvtab.SafeKey(draft.LineID),
			d.now().UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
		if err := d.Audit.Put(ctx, auditKey, data); err != nil {
			return fmt.Errorf("review: override audit write: %w", err)
		}
	}
	return nil
}

// Stop stamps the reviewer's stop time and advances the status.
func (d *Drafts) Stop(ctx context.Context, lineID, status string) error {
	draft, err := d.Get(ctx, lineID)
	if err != nil {
		return err
	}
	draft.Status = status
	draft.StoppedAt = d.now().UTC().Format(time.RFC3339)
	return d.Put(ctx, draft)
}

// Apply layers a draft's overrides over a Stage 4 record, returning a copy.
// The underlying record is never mutated, even for empty drafts: callers
// annotate the result (line_id, pdf_id) and must not reach the original.
func Apply(rec domain.Record, draft Draft) domain.Record {
	out := rec.Clone()
	for field, value := range draft.Overrides {
		out[field] = value
	}
	return out
}
