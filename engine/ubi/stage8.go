package ubi

import (
	"context"
	"errors"
	"fmt"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
)

// writeStage8 refreshes the Stage 8 twin (and its Stage 99 mirror) of one
// Stage 7 file from the current assignment state. Only lines whose hash has
// live assignments appear; each carries the full ubi_assignments array, a
// ubi_period_count for cheap filtering, and the legacy single-period fields
// populated from the earliest-period row. When no line is assigned the twins
// are removed, which keeps unassign honest.
func (e *Engine) writeStage8(ctx context.Context, stage7Key string) error {
	data, err := e.Store.Get(ctx, stage7Key)
	if err != nil {
		return fmt.Errorf("ubi: read %s: %w", stage7Key, err)
	}
	recs := domain.DecodeRecords(data)

	var assigned []domain.Record
	for _, rec := range recs {
		hash := domain.StableHash(rec)
		rows, err := assignmentsFor(ctx, e.Assignments, hash)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			continue
		}

		out := rec.Clone()
		asn := make([]map[string]any, 0, len(rows))
		for _, a := range rows {
			asn = append(asn, map[string]any{
				"period":        a.Period,
				"amount":        a.Amount,
				"months":        a.MonthsTotal,
				"assigned_by":   a.AssignedBy,
				"assigned_date": a.AssignedDate,
			})
		}
		first := rows[0] // rows are period-sorted; earliest feeds the legacy fields
		out["ubi_assignments"] = asn
		out["ubi_period_count"] = len(rows)
		out["ubi_period"] = first.Period
		out["ubi_amount"] = first.Amount
		out["ubi_months_total"] = first.MonthsTotal
		out["ubi_assigned_by"] = first.AssignedBy
		out["ubi_assigned_date"] = first.AssignedDate
		assigned = append(assigned, out)
	}

	suffix := domain.KeySuffix(stage7Key, domain.StagePostEntrata)
	stage8Key := domain.StageUBIAssigned + suffix
	archiveKey := domain.StageArchive + suffix

	if len(assigned) == 0 {
		for _, k := range []string{stage8Key, archiveKey} {
			if err := e.Store.Delete(ctx, k); err != nil && !errors.Is(err, blob.ErrNotFound) {
				return fmt.Errorf("ubi: remove stale %s: %w", k, err)
			}
		}
		return nil
	}

	payload := domain.EncodeRecords(assigned)
	if err := e.Store.Put(ctx, stage8Key, payload); err != nil {
		return fmt.Errorf("ubi: write %s: %w", stage8Key, err)
	}
	if err := e.Store.Put(ctx, archiveKey, payload); err != nil {
		return fmt.Errorf("ubi: write %s: %w", archiveKey, err)
	}
	return nil
}
