// Command api is the review service: the HTTP surface the review UI talks
// to for invoice listing, submission, posting, UBI billback, and master
// bills. The UI itself lives elsewhere; this serves JSON only.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/engine/entrata"
	"github.com/craigbeachjrk/billpipe/engine/review"
	"github.com/craigbeachjrk/billpipe/engine/ubi"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
	"github.com/craigbeachjrk/billpipe/pkg/mid"
	"github.com/craigbeachjrk/billpipe/pkg/natsutil"
	"github.com/craigbeachjrk/billpipe/pkg/resilience"
)

type config struct {
	Port           string
	NATSURL        string
	Bucket         string
	EntrataBaseURL string
	EntrataAPIKey  string
	CORSOrigin     string
}

func loadConfig() config {
	return config{
		Port:           envOr("PORT", "8080"),
		NATSURL:        envOr("NATS_URL", nats.DefaultURL),
		Bucket:         envOr("BILLS_BUCKET", "bills"),
		EntrataBaseURL: envOr("ENTRATA_BASE_URL", "https://apis.entrata.com"),
		EntrataAPIKey:  envOr("ENTRATA_API_KEY", ""),
		CORSOrigin:     envOr("CORS_ORIGIN", "*"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(loadConfig(), logger); err != nil {
		logger.Error("api exited with error", "err", err)
		os.Exit(1)
	}
}

// server bundles the handler dependencies.
type server struct {
	store   blob.Store
	drafts  *review.Drafts
	builder *review.Builder
	poster  *entrata.Poster
	engine  *ubi.Engine
	config  kvtab.Table
	logger  *slog.Logger
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	js, err := jetstream.New(nc)
	if err != nil {
		return err
	}

	store, err := blob.NewJetStream(ctx, js, cfg.Bucket, func(ctx context.Context, ev blob.CreatedEvent) {
		if err := natsutil.Publish(ctx, nc, blob.SubjectForKey(ev.Key), ev); err != nil {
			logger.Warn("event publish failed", "key", ev.Key, "err", err)
		}
	})
	if err != nil {
		return err
	}

	tables := map[string]kvtab.Table{}
	for _, bucket := range []string{"bills-drafts", "bills-errors", "bills-ubi-assignments", "bills-ubi-archived", "bills-config"} {
		t, err := kvtab.NewJetStream(ctx, js, bucket)
		if err != nil {
			return err
		}
		tables[bucket] = t
	}

	drafts := &review.Drafts{Table: tables["bills-drafts"], Audit: store}
	s := &server{
		store:   store,
		drafts:  drafts,
		builder: &review.Builder{Store: store, Drafts: drafts, Logger: logger},
		poster: &entrata.Poster{
			Store:  store,
			Client: entrata.NewClient(cfg.EntrataBaseURL, cfg.EntrataAPIKey),
			Errors: tables["bills-errors"],
			Limit:  resilience.NewLimiter(resilience.LimiterOpts{Rate: 2, Burst: 4}),
			Logger: logger,
		},
		engine: &ubi.Engine{
			Store:       store,
			Assignments: tables["bills-ubi-assignments"],
			Archived:    tables["bills-ubi-archived"],
			Logger:      logger,
		},
		config: tables["bills-config"],
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/dates", s.handleDates)
	mux.HandleFunc("GET /api/invoices", s.handleInvoices)
	mux.HandleFunc("POST /api/submit", s.handleSubmit)
	mux.HandleFunc("POST /api/post_to_entrata", s.handlePostToEntrata)
	mux.HandleFunc("POST /api/bulk_assign_property", s.handleBulkAssignProperty)
	mux.HandleFunc("POST /api/bulk_assign_vendor", s.handleBulkAssignVendor)
	mux.HandleFunc("POST /api/bulk_rework", s.handleBulkRework)
	mux.HandleFunc("GET /api/drafts/{line_id}", s.handleGetDraft)
	mux.HandleFunc("POST /api/drafts", s.handlePutDraft)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config", s.handlePutConfig)
	mux.HandleFunc("POST /api/billback/ubi/assign", s.handleUBIAssign)
	mux.HandleFunc("POST /api/billback/ubi/unassign", s.handleUBIUnassign)
	mux.HandleFunc("POST /api/billback/ubi/reassign", s.handleUBIReassign)
	mux.HandleFunc("POST /api/billback/ubi/archive", s.handleUBIArchive)
	mux.HandleFunc("POST /api/billback/ubi/suggest", s.handleUBISuggest)
	mux.HandleFunc("GET /api/billback/ubi/unassigned", s.handleUBIList(s.engineListUnassigned))
	mux.HandleFunc("GET /api/billback/ubi/assigned", s.handleUBIList(s.engineListAssigned))
	mux.HandleFunc("GET /api/billback/ubi/archived", s.handleUBIList(s.engineListArchived))
	mux.HandleFunc("GET /api/billback/ubi/stats", s.handleUBIStats)
	mux.HandleFunc("POST /api/master-bills/generate", s.handleMasterBills)

	handler := mid.Chain(mux,
		mid.RequestID(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("billpipe-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError sanitizes before echoing; full detail goes to the log only.
func (s *server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Error("request failed", "err", err)
	writeJSON(w, status, map[string]string{"error": domain.Sanitize(err)})
}

func parseDay(q string) (time.Time, error) {
	return time.Parse("2006-01-02", q)
}

// dateWindow reads ?date= (required) and optional ?end= into a day range.
func dateWindow(r *http.Request) (from, to time.Time, err error) {
	from, err = parseDay(r.URL.Query().Get("date"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("validation: bad date: %w", err)
	}
	to = from
	if end := r.URL.Query().Get("end"); end != "" {
		to, err = parseDay(end)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("validation: bad end date: %w", err)
		}
	}
	return from, to, nil
}

// --- Handlers ---

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var partitionPattern = strings.NewReplacer("yyyy=", "", "mm=", "", "dd=", "")

func (s *server) handleDates(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.List(r.Context(), domain.StageEnriched)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	seen := map[string]bool{}
	type dateEntry struct {
		YYYY string `json:"yyyy"`
		MM   string `json:"mm"`
		DD   string `json:"dd"`
	}
	var out []dateEntry
	for _, info := range infos {
		parts := strings.Split(domain.KeySuffix(info.Key, domain.StageEnriched), "/")
		if len(parts) < 4 {
			continue
		}
		y, m, d := partitionPattern.Replace(parts[0]), partitionPattern.Replace(parts[1]), partitionPattern.Replace(parts[2])
		key := y + "-" + m + "-" + d
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, dateEntry{YYYY: y, MM: m, DD: d})
	}
	sort.Slice(out, func(i, j int) bool {
		a := out[i].YYYY + out[i].MM + out[i].DD
		b := out[j].YYYY + out[j].MM + out[j].DD
		return a < b
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleInvoices(w http.ResponseWriter, r *http.Request) {
	day, err := parseDay(r.URL.Query().Get("date"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("validation: bad date: %w", err))
		return
	}
	lines, err := s.builder.Lines(r.Context(), day)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PDFIDs []string `json:"pdf_ids"`
		Date   string   `json:"date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("validation: %w", err))
		return
	}
	day, err := parseDay(req.Date)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("validation: bad date: %w", err))
		return
	}
	keys, err := s.builder.BuildBatch(r.Context(), req.PDFIDs, day)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *server) handlePostToEntrata(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keys            []string          `json:"keys"`
		VendorOverrides map[string]string `json:"vendor_overrides"`
		PostMonth       string            `json:"post_month"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("validation: %w", err))
		return
	}
	// The write allow-list: posting only consumes Stage 6 keys.
	for _, k := range req.Keys {
		if !domain.AllowedKey(k) || !strings.HasPrefix(k, domain.StagePreEntrata) {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("validation: key outside Stage 6: %s", k))
			return
		}
	}
	results := s.poster.PostBatch(r.Context(), req.Keys, entrata.PostOpts{
		VendorOverrides: req.VendorOverrides,
		PostMonth:       req.PostMonth,
	})
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type bulkRequest struct {
	PDFIDs       []string       `json:"pdf_ids"`
	Date         string         `json:"date"`
	PropertyID   string         `json:"property_id"`
	PropertyName string         `json:"property_name"`
	VendorID     string         `json:"vendor_id"`
	VendorName   string         `json:"vendor_name"`
	Reviewer     string         `json:"reviewer"`
	Hints        map[string]any `json:"hints"`
}

func decodeBulk(r *http.Request) (bulkRequest, time.Time, error) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, time.Time{}, fmt.Errorf("validation: %w", err)
	}
	day, err := parseDay(req.Date)
	if err != nil {
		return req, time.Time{}, fmt.Errorf("validation: bad date: %w", err)
	}
	return req, day, nil
}

func (s *server) handleBulkAssignProperty(w http.ResponseWriter, r *http.Request) {
	req, day, err := decodeBulk(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.builder.BulkAssignProperty(r.Context(), req.PDFIDs, day, req.PropertyID, req.PropertyName, req.Reviewer)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (s *server) handleBulkAssignVendor(w http.ResponseWriter, r *http.Request) {
	req, day, err := decodeBulk(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.builder.BulkAssignVendor(r.Context(), req.PDFIDs, day, req.VendorID, req.VendorName, req.Reviewer)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (s *server) handleBulkRework(w http.ResponseWriter, r *http.Request) {
	req, day, err := decodeBulk(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.builder.BulkRework(r.Context(), req.PDFIDs, day, req.Hints)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reworked": n})
}

func (s *server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	draft, err := s.drafts.Get(r.Context(), r.PathValue("line_id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *server) handlePutDraft(w http.ResponseWriter, r *http.Request) {
	var draft review.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("validation: %w", err))
		return
	}
	if err := s.drafts.Put(r.Context(), draft); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	entry, err := domain.GetConfig(r.Context(), s.config,
		r.URL.Query().Get("type"), r.URL.Query().Get("key"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var entry domain.ConfigEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("validation: %w", err))
		return
	}
	if err := domain.PutConfig(r.Context(), s.config, entry); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// --- UBI handlers ---

func (s *server) handleUBIAssign(w http.ResponseWriter, r *http.Request) {
	var req ubi.AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("validation: %w", err))
		return
	}
	made, err := s.engine.Assign(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": made})
}

type lineRef struct {
	S3Key     string `json:"s3_key"`
	LineIndex int    `json:"line_index"`
}

func (s *server) handleUBIUnassign(w http.ResponseWriter, r *http.Request) {
	var req lineRef
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("validation: %w", err))
		return
	}
	if err := s.engine.Unassign(r.Context(), req.S3Key, req.LineIndex); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unassigned"})
}

func (s *server) handleUBIReassign(w http.ResponseWriter, r *http.Request) {
	var req ubi.AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("validation: %w", err))
		return
	}
	made, err := s.engine.Reassign(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": made})
}

func (s *server) handleUBIArchive(w http.ResponseWriter, r *http.Request) {
	var req lineRef
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("validation: %w", err))
		return
	}
	if err := s.engine.Archive(r.Context(), req.S3Key, req.LineIndex); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (s *server) handleUBISuggest(w http.ResponseWriter, r *http.Request) {
	var rec domain.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("validation: %w", err))
		return
	}
	suggestions, err := s.engine.Suggest(r.Context(), rec)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

type ubiLister func(ctx context.Context, from, to time.Time) ([]ubi.Line, error)

func (s *server) engineListUnassigned(ctx context.Context, from, to time.Time) ([]ubi.Line, error) {
	return s.engine.ListUnassigned(ctx, from, to)
}

func (s *server) engineListAssigned(ctx context.Context, from, to time.Time) ([]ubi.Line, error) {
	return s.engine.ListAssigned(ctx, from, to)
}

func (s *server) engineListArchived(ctx context.Context, from, to time.Time) ([]ubi.Line, error) {
	return s.engine.ListArchived(ctx, from, to)
}

func (s *server) handleUBIList(list ubiLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, err := dateWindow(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		lines, err := list(r.Context(), from, to)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"lines": lines, "count": len(lines)})
	}
}

func (s *server) handleUBIStats(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateWindow(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	stats, err := s.engine.PropertyStats(r.Context(), from, to)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleMasterBills(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("validation: %w", err))
		return
	}
	from, err := parseDay(req.Start)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("validation: bad start: %w", err))
		return
	}
	to, err := parseDay(req.End)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("validation: bad end: %w", err))
		return
	}
	bills, err := s.engine.MasterBills(r.Context(), from, to)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"master_bills": bills, "count": len(bills)})
}
