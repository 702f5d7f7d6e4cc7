package ubi

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/engine/extract"
)

// MasterBill is one property×GL×utility×period roll-up row.
type MasterBill struct {
	Key          string  `json:"key"` // "<property>|<gl>|<utility>|<month_start>|<month_end>"
	PropertyID   string  `json:"property_id"`
	PropertyName string  `json:"property_name"`
	Period       string  `json:"ubi_period"`
	GLCode       string  `json:"gl_code"`
	UtilityType  string  `json:"utility_type"`
	MonthStart   string  `json:"month_start"`
	MonthEnd     string  `json:"month_end"`
	TotalAmount  float64 `json:"total_amount"`
	LineCount    int     `json:"line_count"`
}

// MasterBills scans Stage8_UBI_Assigned/ for the window, groups by
// (property, GL code, utility type, period start month, period end month),
// and sums Line Item Charge preferring ubi_amount. The output order and keys are deterministic.
func (e *Engine) MasterBills(ctx context.Context, from, to time.Time) ([]MasterBill, error) {
	var keys []string
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		infos, err := e.Store.List(ctx, domain.StageUBIAssigned+extract.DatePrefix(day))
		if err != nil {
			return nil, fmt.Errorf("ubi: list stage 8: %w", err)
		}
		for _, info := range infos {
			if strings.HasSuffix(info.Key, ".jsonl") {
				keys = append(keys, info.Key)
			}
		}
	}

	var mu sync.Mutex
	bills := make(map[string]*MasterBill)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, key := range keys {
		g.Go(func() error {
			data, err := e.Store.Get(gctx, key)
			if err != nil {
				return err
			}
			for _, rec := range domain.DecodeRecords(data) {
				period := rec.Field("ubi_period")
				if period == "" || excluded(rec) {
					continue
				}

				amount := rec.Amount("ubi_amount")
				if amount == 0 {
					amount = rec.Amount("Line Item Charge")
				}

				prop := rec.Field("EnrichedPropertyID", "Property ID")
				gl := rec.Field("EnrichedGLAccountNumber")
				utility := rec.Field("Mapped Utility Name", "Utility Type")
				monthStart, monthEnd := periodBounds(period)
				billKey := strings.Join([]string{prop, gl, utility, monthStart, monthEnd}, "|")

				mu.Lock()
				b, ok := bills[billKey]
				if !ok {
					b = &MasterBill{
						Key:          billKey,
						PropertyID:   prop,
						PropertyName: rec.Field("EnrichedPropertyName", "Property Name"),
						Period:       period,
						GLCode:       gl,
						UtilityType:  utility,
						MonthStart:   monthStart,
						MonthEnd:     monthEnd,
					}
					bills[billKey] = b
				}
				b.TotalAmount += amount
				b.LineCount++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]MasterBill, 0, len(bills))
	for _, b := range bills {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// periodBounds expands a YYYY-MM period into its month's first and last day
// as MM/DD/YYYY.
func periodBounds(period string) (start, end string) {
	t, err := time.Parse("2006-01", period)
	if err != nil {
		return "", ""
	}
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)
	return first.Format("01/02/2006"), last.Format("01/02/2006")
}
