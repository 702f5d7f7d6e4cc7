// Package ubi maintains the content-addressed Utility-Bill-Inback state:
// which Stage 7 lines are assigned to billback periods, which are archived,
// and the property-level aggregates derived from them. Line identity is the
// stable line hash; assignments survive re-enrichment because volatile
// annotations never feed the hash.
package ubi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/engine/extract"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/fn"
	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
)

// Assignment is one (line_hash, period) row. A line carries one row per
// billback period.
type Assignment struct {
	LineHash      string  `json:"line_hash"`
	S3Key         string  `json:"s3_key"`
	Period        string  `json:"ubi_period"` // YYYY-MM
	Amount        float64 `json:"amount"`
	MonthsTotal   int     `json:"months_total"`
	AssignedBy    string  `json:"assigned_by"`
	AssignedDate  string  `json:"assigned_date"`
	PropertyID    string  `json:"property_id"`
	AccountNumber string  `json:"account_number,omitempty"`
}

func assignmentKey(hash, period string) string {
	return hash + "/" + period
}

// Engine serves the UBI operations over the Stage 7 corpus and the two
// assignment tables (live and archive).
type Engine struct {
	Store       blob.Store
	Assignments kvtab.Table
	Archived    kvtab.Table
	Logger      *slog.Logger
	Now         func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Line is one Stage 7 row with its UBI identity attached.
type Line struct {
	S3Key       string              `json:"s3_key"`
	LineIndex   int                 `json:"line_index"`
	LineID      string              `json:"line_id"`
	Hash        string              `json:"line_hash"`
	Record      domain.Record       `json:"record"`
	Assignments []Assignment        `json:"assignments,omitempty"`
}

// hashState is which table (if any) knows a hash.
type hashState int

const (
	stateUnassigned hashState = iota
	stateAssigned
	stateArchived
)

// hashStates loads the hash membership of both tables. Exclusion scans
// consult live AND archive: an archived line must stay invisible to
// assignment.
func (e *Engine) hashStates(ctx context.Context) (map[string]hashState, error) {
	out := make(map[string]hashState)
	for _, t := range []struct {
		table kvtab.Table
		state hashState
	}{
		{e.Assignments, stateAssigned},
		{e.Archived, stateArchived},
	} {
		keys, err := t.table.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("ubi: list table keys: %w", err)
		}
		for _, k := range keys {
			hash, _, ok := strings.Cut(k, "/")
			if !ok {
				continue
			}
			if _, seen := out[hash]; !seen {
				out[hash] = t.state
			}
		}
	}
	return out, nil
}

// assignmentsFor reads every period row of a hash from one table.
func assignmentsFor(ctx context.Context, table kvtab.Table, hash string) ([]Assignment, error) {
	keys, err := table.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []Assignment
	for _, k := range keys {
		if !strings.HasPrefix(k, kvtab.SafeKey(hash)+"/") {
			continue
		}
		e, err := table.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		var a Assignment
		if err := json.Unmarshal(e.Value, &a); err != nil {
			return nil, fmt.Errorf("ubi: decode assignment %s: %w", k, err)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out, nil
}

// scanStage7 reads every Stage 7 line in a date window, bounded-parallel.
func (e *Engine) scanStage7(ctx context.Context, from, to time.Time) ([]Line, error) {
	var keys []string
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		infos, err := e.Store.List(ctx, domain.StagePostEntrata+extract.DatePrefix(day))
		if err != nil {
			return nil, fmt.Errorf("ubi: list stage 7: %w", err)
		}
		for _, info := range infos {
			if strings.HasSuffix(info.Key, ".jsonl") {
				keys = append(keys, info.Key)
			}
		}
	}

	var mu sync.Mutex
	var lines []Line
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, key := range keys {
		g.Go(func() error {
			data, err := e.Store.Get(gctx, key)
			if err != nil {
				return err
			}
			recs := domain.DecodeRecords(data)
			pdfID := ""
			for _, rec := range recs {
				if src := rec.Field("source_input_key"); src != "" {
					pdfID = domain.PDFID(src)
					break
				}
			}
			fileLines := make([]Line, 0, len(recs))
			for i, rec := range recs {
				lineID := rec.Field("line_id")
				if lineID == "" && pdfID != "" {
					lineID = domain.LineID(pdfID, i)
				}
				fileLines = append(fileLines, Line{
					S3Key:     key,
					LineIndex: i,
					LineID:    lineID,
					Hash:      domain.StableHash(rec),
					Record:    rec,
				})
			}
			mu.Lock()
			lines = append(lines, fileLines...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].S3Key != lines[j].S3Key {
			return lines[i].S3Key < lines[j].S3Key
		}
		return lines[i].LineIndex < lines[j].LineIndex
	})
	return lines, nil
}

func excluded(rec domain.Record) bool {
	for _, f := range []string{"Is Excluded From UBI", "is_excluded_from_ubi"} {
		switch v := rec[f].(type) {
		case bool:
			if v {
				return true
			}
		case float64:
			if v != 0 {
				return true
			}
		case string:
			if v != "" && v != "0" && !strings.EqualFold(v, "false") {
				return true
			}
		}
	}
	return false
}

// ListUnassigned returns the Stage 7 lines in the window whose hash is in
// neither table and that are not excluded.
func (e *Engine) ListUnassigned(ctx context.Context, from, to time.Time) ([]Line, error) {
	states, err := e.hashStates(ctx)
	if err != nil {
		return nil, err
	}
	lines, err := e.scanStage7(ctx, from, to)
	if err != nil {
		return nil, err
	}
	var out []Line
	for _, ln := range lines {
		if _, known := states[ln.Hash]; known || excluded(ln.Record) {
			continue
		}
		out = append(out, ln)
	}
	return out, nil
}

// ListAssigned returns the window's lines with live assignments attached.
func (e *Engine) ListAssigned(ctx context.Context, from, to time.Time) ([]Line, error) {
	return e.listInState(ctx, from, to, stateAssigned, e.Assignments)
}

// ListArchived returns the window's lines whose hash was archived.
func (e *Engine) ListArchived(ctx context.Context, from, to time.Time) ([]Line, error) {
	return e.listInState(ctx, from, to, stateArchived, e.Archived)
}

func (e *Engine) listInState(ctx context.Context, from, to time.Time, want hashState, table kvtab.Table) ([]Line, error) {
	states, err := e.hashStates(ctx)
	if err != nil {
		return nil, err
	}
	lines, err := e.scanStage7(ctx, from, to)
	if err != nil {
		return nil, err
	}
	var out []Line
	for _, ln := range lines {
		if states[ln.Hash] != want {
			continue
		}
		asn, err := assignmentsFor(ctx, table, ln.Hash)
		if err != nil {
			return nil, err
		}
		ln.Assignments = asn
		out = append(out, ln)
	}
	return out, nil
}

// PeriodSpec is one requested billback period.
type PeriodSpec struct {
	Period string  `json:"period"` // YYYY-MM
	Amount float64 `json:"amount"`
}

// AssignRequest binds one Stage 7 line to one or more periods.
type AssignRequest struct {
	S3Key      string       `json:"s3_key"`
	LineIndex  int          `json:"line_index"`
	PropertyID string       `json:"property_id"`
	Periods    []PeriodSpec `json:"periods"`
	AssignedBy string       `json:"assigned_by"`
}

// Assign inserts one row per period under the line's stable hash and dual-
// writes the enriched Stage 8 copy. Rows are keyed (hash, period), so a
// re-delivered assign is a no-op per period.
func (e *Engine) Assign(ctx context.Context, req AssignRequest) ([]Assignment, error) {
	if len(req.Periods) == 0 {
		return nil, domain.NewError(domain.KindValidation, "ubi", fmt.Errorf("no periods"))
	}
	ln, err := e.lineAt(ctx, req.S3Key, req.LineIndex)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	made := make([]Assignment, 0, len(req.Periods))
	for _, p := range req.Periods {
		if !validPeriod(p.Period) {
			return nil, domain.NewError(domain.KindValidation, "ubi", fmt.Errorf("bad period %q", p.Period))
		}
		a := Assignment{
			LineHash:      ln.Hash,
			S3Key:         req.S3Key,
			Period:        p.Period,
			Amount:        p.Amount,
			MonthsTotal:   len(req.Periods),
			AssignedBy:    req.AssignedBy,
			AssignedDate:  now,
			PropertyID:    req.PropertyID,
			AccountNumber: ln.Record.Field("Account Number"),
		}
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("ubi: marshal assignment: %w", err)
		}
		err = e.Assignments.Create(ctx, assignmentKey(ln.Hash, p.Period), data)
		if err != nil && !errors.Is(err, kvtab.ErrExists) {
			return nil, err
		}
		made = append(made, a)
	}

	if err := e.writeStage8(ctx, req.S3Key); err != nil {
		return nil, err
	}
	e.log().Info("ubi: assigned", "hash", ln.Hash, "periods", len(req.Periods), "s3_key", req.S3Key)
	return made, nil
}

// Unassign removes every period row for the line's hash from the live table
// and refreshes the Stage 8 twin.
func (e *Engine) Unassign(ctx context.Context, s3Key string, lineIndex int) error {
	ln, err := e.lineAt(ctx, s3Key, lineIndex)
	if err != nil {
		return err
	}
	if err := e.deleteRows(ctx, e.Assignments, ln.Hash); err != nil {
		return err
	}
	if err := e.writeStage8(ctx, s3Key); err != nil {
		return err
	}
	e.log().Info("ubi: unassigned", "hash", ln.Hash, "s3_key", s3Key)
	return nil
}

// Reassign is delete-then-put under the same hash with the new period set.
func (e *Engine) Reassign(ctx context.Context, req AssignRequest) ([]Assignment, error) {
	ln, err := e.lineAt(ctx, req.S3Key, req.LineIndex)
	if err != nil {
		return nil, err
	}
	if err := e.deleteRows(ctx, e.Assignments, ln.Hash); err != nil {
		return nil, err
	}
	return e.Assign(ctx, req)
}

// Archive moves every row for the line's hash from the live table to the
// archive table in one pass. This is the formalized migration rule: an
// archived hash stays excluded from assignment but leaves the live table.
func (e *Engine) Archive(ctx context.Context, s3Key string, lineIndex int) error {
	ln, err := e.lineAt(ctx, s3Key, lineIndex)
	if err != nil {
		return err
	}
	rows, err := assignmentsFor(ctx, e.Assignments, ln.Hash)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return domain.NewError(domain.KindNotFound, "ubi", fmt.Errorf("no live assignments for %s", ln.Hash))
	}
	for _, a := range rows {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("ubi: marshal assignment: %w", err)
		}
		if err := e.Archived.Put(ctx, assignmentKey(a.LineHash, a.Period), data); err != nil {
			return err
		}
	}
	if err := e.deleteRows(ctx, e.Assignments, ln.Hash); err != nil {
		return err
	}
	e.log().Info("ubi: archived", "hash", ln.Hash, "rows", len(rows))
	return nil
}

// Suggestion is a candidate period/property pairing from history.
type Suggestion struct {
	PropertyID string `json:"property_id"`
	Period     string `json:"period"`
	Count      int    `json:"count"`
}

// Suggest returns candidate periods and properties from historical
// account-level assignments (live and archived).
func (e *Engine) Suggest(ctx context.Context, rec domain.Record) ([]Suggestion, error) {
	account := rec.Field("Account Number")
	if account == "" {
		return nil, nil
	}
	counts := make(map[string]*Suggestion)
	for _, table := range []kvtab.Table{e.Assignments, e.Archived} {
		keys, err := table.Keys(ctx)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			entry, err := table.Get(ctx, k)
			if err != nil {
				return nil, err
			}
			var a Assignment
			if err := json.Unmarshal(entry.Value, &a); err != nil {
				continue
			}
			if a.AccountNumber != account {
				continue
			}
			id := a.PropertyID + "|" + a.Period
			if s, ok := counts[id]; ok {
				s.Count++
			} else {
				counts[id] = &Suggestion{PropertyID: a.PropertyID, Period: a.Period, Count: 1}
			}
		}
	}
	out := make([]Suggestion, 0, len(counts))
	for _, s := range counts {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Period > out[j].Period
	})
	return out, nil
}

// PropertyStats counts, per property, the files containing at least one
// unassigned line in the window.
func (e *Engine) PropertyStats(ctx context.Context, from, to time.Time) (map[string]int, error) {
	unassigned, err := e.ListUnassigned(ctx, from, to)
	if err != nil {
		return nil, err
	}
	byProp := fn.GroupBy(unassigned, func(ln Line) string {
		if prop := ln.Record.Field("EnrichedPropertyID", "Property ID"); prop != "" {
			return prop
		}
		return "unknown"
	})
	out := make(map[string]int, len(byProp))
	for prop, lines := range byProp {
		files := make(map[string]bool, len(lines))
		for _, ln := range lines {
			files[ln.S3Key] = true
		}
		out[prop] = len(files)
	}
	return out, nil
}

func (e *Engine) lineAt(ctx context.Context, s3Key string, index int) (Line, error) {
	data, err := e.Store.Get(ctx, s3Key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return Line{}, domain.NewError(domain.KindNotFound, "ubi", err)
		}
		return Line{}, err
	}
	recs := domain.DecodeRecords(data)
	if index < 0 || index >= len(recs) {
		return Line{}, domain.NewError(domain.KindValidation, "ubi",
			fmt.Errorf("line index %d out of range for %s", index, s3Key))
	}
	rec := recs[index]
	return Line{
		S3Key:     s3Key,
		LineIndex: index,
		LineID:    rec.Field("line_id"),
		Hash:      domain.StableHash(rec),
		Record:    rec,
	}, nil
}

func (e *Engine) deleteRows(ctx context.Context, table kvtab.Table, hash string) error {
	keys, err := table.Keys(ctx)
	if err != nil {
		return err
	}
	prefix := kvtab.SafeKey(hash) + "/"
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if err := table.Delete(ctx, k); err != nil && !errors.Is(err, kvtab.ErrNotFound) {
			return err
		}
	}
	return nil
}

func validPeriod(p string) bool {
	if len(p) != 7 || p[4] != '-' {
		return false
	}
	_, err := time.Parse("2006-01", p)
	return err == nil
}
