package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/fn"
)

// Enricher turns Stage 3 raw extraction files into Stage 4 enriched files.
// Re-running on the same Stage 3 input overwrites the same Stage 4 key.
type Enricher struct {
	Store   blob.Store
	Dims    *Dims
	Matcher *Matcher
	Logger  *slog.Logger
}

func (e *Enricher) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Stage4Key maps a Stage 3 key onto its enriched twin, keeping the date
// partition path.
func Stage4Key(stage3Key string) string {
	return domain.StageEnriched + domain.KeySuffix(stage3Key, domain.StageParsedOutputs)
}

// pipeline composes the per-record enrichment stages. Every stage mutates
// the open record and passes it through; dimension matching is the only
// stage that needs the context (LLM matcher calls).
func (e *Enricher) pipeline() fn.Stage[domain.Record, domain.Record] {
	return fn.Pipeline(
		fn.TracedStage("enrich.dimensions", e.dimensionStage()),
		fn.TracedStage("enrich.gl", fn.MapStage(glStage)),
		fn.TracedStage("enrich.consumption", fn.MapStage(consumptionStage)),
		fn.TracedStage("enrich.annotations", fn.MapStage(annotationStage)),
	)
}

// Process enriches one Stage 3 file.
func (e *Enricher) Process(ctx context.Context, stage3Key string) error {
	// Missing dimension snapshots are a configuration failure, surfaced
	// before any record work.
	if err := e.Dims.load(ctx); err != nil {
		return err
	}

	data, err := e.Store.Get(ctx, stage3Key)
	if err != nil {
		return fmt.Errorf("enrich: read %s: %w", stage3Key, err)
	}
	recs := domain.DecodeRecords(data)
	if len(recs) == 0 {
		e.log().Warn("enrich: empty stage 3 file", "key", stage3Key)
		return nil
	}

	pipe := e.pipeline()
	for i, rec := range recs {
		result := pipe(ctx, rec)
		if result.IsErr() {
			_, perr := result.Unwrap()
			return fmt.Errorf("enrich: %s line %d: %w", stage3Key, i, perr)
		}
	}

	outKey := Stage4Key(stage3Key)
	if err := e.Store.Put(ctx, outKey, domain.EncodeRecords(recs)); err != nil {
		return fmt.Errorf("enrich: write %s: %w", outKey, err)
	}
	e.log().Info("enrich: wrote enriched file", "out_key", outKey, "rows", len(recs))
	return nil
}

// dimensionStage matches vendor and property names against the snapshots,
// falling back to the LLM matcher when exact normalized equality misses.
func (e *Enricher) dimensionStage() fn.Stage[domain.Record, domain.Record] {
	return func(ctx context.Context, rec domain.Record) fn.Result[domain.Record] {
		if vendor := rec.Field("Vendor Name"); vendor != "" {
			if v, ok := e.Dims.MatchVendor(ctx, e.Matcher, vendor); ok {
				rec["EnrichedVendorID"] = v.ID
				rec["EnrichedVendorName"] = v.Name
			}
		}
		if prop := rec.Field("Bill To Name First Line", "Bill To Name Second Line"); prop != "" {
			if p, ok := e.Dims.MatchProperty(ctx, e.Matcher, prop); ok {
				rec["EnrichedPropertyID"] = p.ID
				rec["EnrichedPropertyName"] = p.Name
			}
		}
		return fn.Ok(rec)
	}
}

// glStage resolves the GL account from utility type and occupancy and
// composes the line description.
func glStage(rec domain.Record) domain.Record {
	glCode, glName := ResolveGL(rec.Field("Utility Type"), rec.Field("House Or Vacant"))
	if glCode != "" {
		rec["EnrichedGLAccountNumber"] = glCode
		rec["EnrichedGLAccountName"] = glName
		rec["GL_LINE_DESC"] = TrimGLDesc(BuildGLDesc(glCode, rec))
	}
	return rec
}

// consumptionStage converts consumption to gallons where the unit converts.
func consumptionStage(rec domain.Record) domain.Record {
	if amt := rec.Field("Consumption Amount"); amt != "" {
		gallons := ToGallons(amt, rec.Field("Unit of Measure"))
		if gallons != 0 {
			rec["ENRICHED CONSUMPTION"] = gallons
			rec["ENRICHED UOM"] = "gallons"
		}
	}
	return rec
}

// annotationStage attaches the service-address fragments, the legacy
// inferred-fields view, and the mapped utility name.
func annotationStage(rec domain.Record) domain.Record {
	// Keep the legacy hyphen view of Inferred Fields alongside the canonical
	// array for consumers that still read the string form.
	if legacy := domain.InferredFieldsLegacy(rec); legacy != "" {
		rec["Inferred Fields Legacy"] = legacy
	}

	addr := ParseAddress(rec.Field("Service Address"))
	if addr.StreetNum != "" || addr.Unit != "" || addr.Building != "" {
		rec["service_street_num"] = addr.StreetNum
		rec["service_street_letter"] = addr.StreetLetter
		if addr.Unit != "" {
			rec["service_unit"] = addr.Unit
		}
		if addr.Building != "" {
			rec["service_building"] = addr.Building
		}
	}

	// Normalized utility name used by charge-code mapping downstream; this
	// annotation is volatile and never feeds the stable hash.
	if ut := rec.Field("Utility Type"); ut != "" {
		rec["Mapped Utility Name"] = strings.ToUpper(ut)
	}
	return rec
}
