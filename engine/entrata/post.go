package entrata

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
	"github.com/craigbeachjrk/billpipe/pkg/resilience"
)

// maxSuffixEscalations bounds the duplicate retry ladder: -A through -Z.
const maxSuffixEscalations = 26

// EscalateInvoice appends or advances the duplicate-defeating suffix:
// "INV777" → "INV777-A" → "INV777-B" … Returns an error past -Z.
func EscalateInvoice(inv string) (string, error) {
	if i := strings.LastIndex(inv, "-"); i > 0 && i == len(inv)-2 {
		c := inv[len(inv)-1]
		if c >= 'A' && c < 'Z' {
			return inv[:len(inv)-1] + string(c+1), nil
		}
		if c == 'Z' {
			return "", fmt.Errorf("entrata: suffix escalation exhausted for %q", inv)
		}
	}
	return inv + "-A", nil
}

// Submitter is the API call surface; satisfied by *Client and test fakes.
type Submitter interface {
	SendInvoices(ctx context.Context, params any) (string, error)
}

// KeyResult reports what happened to one Stage 6 key.
type KeyResult struct {
	Key           string `json:"key"`
	Posted        bool   `json:"posted"`
	InvoiceNumber string `json:"invoice_number,omitempty"`
	Escalations   int    `json:"escalations,omitempty"`
	Error         string `json:"error,omitempty"`
	Stage7Key     string `json:"stage7_key,omitempty"`
}

// PostOpts carries reviewer-supplied overrides for one posting run.
type PostOpts struct {
	VendorOverrides map[string]string // pdf stem → vendor id
	PostMonth       string            // MM/YYYY accounting month
}

// Poster validates, submits, and archives Stage 6 batches. Limit, when set,
// paces submissions against the tenant API.
type Poster struct {
	Store  blob.Store
	Client Submitter
	Errors kvtab.Table
	Limit  *resilience.Limiter
	Logger *slog.Logger
	Now    func() time.Time
}

func (p *Poster) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Poster) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// PostBatch runs the full orchestration for a set of Stage 6 keys. Each key
// is one invoice document: validated, submitted (with duplicate-suffix
// escalation), and on success moved to Stage 7 with a .posted.json sidecar.
// Failures stay in Stage 6 with a sanitized error in the result.
func (p *Poster) PostBatch(ctx context.Context, keys []string, opts PostOpts) []KeyResult {
	out := make([]KeyResult, 0, len(keys))
	for _, key := range keys {
		out = append(out, p.postOne(ctx, key, opts))
	}
	return out
}

func (p *Poster) postOne(ctx context.Context, key string, opts PostOpts) KeyResult {
	res := KeyResult{Key: key}

	data, err := p.Store.Get(ctx, key)
	if err != nil {
		res.Error = domain.Sanitize(err)
		p.recordError(ctx, key, "not_found", err)
		return res
	}
	recs := domain.DecodeRecords(data)

	if stem := domain.Stem(key); opts.VendorOverrides != nil {
		if vendorID, ok := opts.VendorOverrides[stem]; ok {
			for _, rec := range recs {
				rec["EnrichedVendorID"] = vendorID
			}
		}
	}

	if err := domain.ValidateForPost(recs); err != nil {
		res.Error = domain.Sanitize(err)
		p.recordError(ctx, key, string(domain.KindValidation), err)
		return res
	}

	invoice := recs[0].Field("Invoice Number")
	escalations := 0
	var lastResp string

	for {
		if p.Limit != nil {
			if err := p.Limit.Wait(ctx); err != nil {
				res.Error = domain.Sanitize(err)
				return res
			}
		}
		params := buildInvoiceParams(recs, invoice, opts.PostMonth)
		resp, err := p.Client.SendInvoices(ctx, params)
		lastResp = resp
		if err != nil {
			res.Error = domain.Sanitize(err)
			p.recordError(ctx, key, string(domain.KindTransport), err)
			return res
		}

		ok, status := PostSucceeded(resp)
		if ok {
			break
		}
		if status != StatusDuplicate {
			err := fmt.Errorf("entrata: post rejected: %s", status)
			res.Error = domain.Sanitize(err)
			p.recordError(ctx, key, status, fmt.Errorf("%s: %s", status, resp))
			return res
		}

		next, err := EscalateInvoice(invoice)
		if err != nil || escalations >= maxSuffixEscalations {
			res.Error = "Duplicate invoice"
			p.recordError(ctx, key, StatusDuplicate, fmt.Errorf("suffix escalation exhausted at %s", invoice))
			return res
		}
		invoice = next
		escalations++
		p.log().Info("entrata: duplicate invoice, escalating",
			"key", key, "invoice", invoice, "escalations", escalations)
	}

	// Rewrite the records with the final invoice number before archival so
	// Stage 7 carries what Entrata accepted.
	for _, rec := range recs {
		rec["Invoice Number"] = invoice
	}

	stage7Key := domain.StagePostEntrata + domain.KeySuffix(key, domain.StagePreEntrata)
	if err := p.Store.Put(ctx, stage7Key, domain.EncodeRecords(recs)); err != nil {
		res.Error = domain.Sanitize(err)
		p.recordError(ctx, key, string(domain.KindTransport), err)
		return res
	}
	sidecar, _ := json.Marshal(map[string]any{
		"posted_at":      p.now().UTC().Format(time.RFC3339),
		"invoice_number": invoice,
		"escalations":    escalations,
		"response":       json.RawMessage(normalizeJSON(lastResp)),
	})
	if err := p.Store.Put(ctx, stage7Key+".posted.json", sidecar); err != nil {
		p.log().Warn("entrata: posted sidecar write failed", "key", stage7Key, "error", err)
	}
	if err := p.Store.Delete(ctx, key); err != nil {
		p.log().Warn("entrata: stage 6 delete failed", "key", key, "error", err)
	}

	res.Posted = true
	res.InvoiceNumber = invoice
	res.Escalations = escalations
	res.Stage7Key = stage7Key
	p.log().Info("entrata: posted", "key", key, "stage7_key", stage7Key, "invoice", invoice)
	return res
}

// buildInvoiceParams shapes one invoice document for sendInvoices.
func buildInvoiceParams(recs []domain.Record, invoice, postMonth string) map[string]any {
	header := recs[0]
	lines := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		lines = append(lines, map[string]any{
			"glAccountNumber": rec.Field("EnrichedGLAccountNumber"),
			"description":     rec.Field("GL_LINE_DESC", "Line Item Description"),
			"amount":          rec.Amount("Line Item Charge"),
		})
	}
	params := map[string]any{
		"vendorId":      header.Field("EnrichedVendorID"),
		"propertyId":    header.Field("EnrichedPropertyID"),
		"invoiceNumber": invoice,
		"invoiceDate":   header.Field("Bill Date"),
		"dueDate":       header.Field("Due Date"),
		"accountNumber": header.Field("Account Number"),
		"lines":         lines,
	}
	if postMonth != "" {
		params["postMonth"] = postMonth
	}
	return params
}

func (p *Poster) recordError(ctx context.Context, key, errorType string, cause error) {
	now := p.now().UTC()
	rec := domain.NewErrorRecord(
		now.Format("20060102T150405Z"), now.Format("2006-01-02"), now.Hour(),
		key, errorType, cause.Error(), key)
	if err := domain.PutErrorRecord(ctx, p.Errors, rec); err != nil {
		p.log().Warn("entrata: error record write failed", "error", err)
	}
}

// normalizeJSON keeps the sidecar valid when the tenant returns non-JSON.
func normalizeJSON(s string) string {
	if json.Valid([]byte(s)) {
		return s
	}
	quoted, _ := json.Marshal(s)
	return string(quoted)
}
