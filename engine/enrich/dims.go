package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/engine/extract"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/keypool"
)

// Dim is one dimension candidate (vendor, property, or GL account).
type Dim struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Dims holds the loaded snapshots, keyed by normalized name for exact
// matching. Snapshots load once per process and are cached for its lifetime.
type Dims struct {
	mu         sync.Mutex
	store      blob.Store
	vendors    []Dim
	properties []Dim
	byNormV    map[string]Dim
	byNormP    map[string]Dim
	loaded     bool
}

// NewDims creates a lazy snapshot loader over the store.
func NewDims(store blob.Store) *Dims {
	return &Dims{store: store}
}

// load reads the latest object under each dimension prefix. Missing
// snapshots are a configuration failure: the enricher cannot run blind.
func (d *Dims) load(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return nil
	}

	vendors, err := loadDim(ctx, d.store, domain.DimVendorPrefix, "vendor_name", "Vendor Name", "name")
	if err != nil {
		return err
	}
	properties, err := loadDim(ctx, d.store, domain.DimPropertyPrefix, "property_name", "Property Name", "name")
	if err != nil {
		return err
	}

	d.vendors, d.properties = vendors, properties
	d.byNormV = make(map[string]Dim, len(vendors))
	for _, v := range vendors {
		d.byNormV[NormName(v.Name)] = v
	}
	d.byNormP = make(map[string]Dim, len(properties))
	for _, p := range properties {
		d.byNormP[NormName(p.Name)] = p
	}
	d.loaded = true
	return nil
}

func loadDim(ctx context.Context, store blob.Store, prefix string, nameFields ...string) ([]Dim, error) {
	infos, err := store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("enrich: list %s: %w", prefix, err)
	}
	if len(infos) == 0 {
		return nil, domain.NewError(domain.KindConfiguration, "enrich",
			fmt.Errorf("no dimension snapshot under %s", prefix))
	}
	// Snapshot keys embed export timestamps; the lexicographically last key
	// is the latest export.
	latest := infos[0].Key
	for _, info := range infos[1:] {
		if info.Key > latest {
			latest = info.Key
		}
	}

	data, err := store.Get(ctx, latest)
	if err != nil {
		return nil, fmt.Errorf("enrich: read snapshot %s: %w", latest, err)
	}

	var out []Dim
	for _, rec := range domain.DecodeRecords(data) {
		name := rec.Field(nameFields...)
		if name == "" {
			continue
		}
		id := rec.Field("id", "ID")
		if id == "" {
			id = name
		}
		out = append(out, Dim{ID: id, Name: name})
	}
	return out, nil
}

// MatchVendor finds the vendor for a raw name: exact normalized equality
// first, then the LLM matcher if one is configured.
func (d *Dims) MatchVendor(ctx context.Context, m *Matcher, raw string) (Dim, bool) {
	if err := d.load(ctx); err != nil {
		return Dim{}, false
	}
	if v, ok := d.byNormV[NormName(raw)]; ok {
		return v, true
	}
	if m != nil {
		if v, ok := m.Match(ctx, raw, d.vendors); ok {
			return v, true
		}
	}
	return Dim{}, false
}

// MatchProperty is MatchVendor for properties.
func (d *Dims) MatchProperty(ctx context.Context, m *Matcher, raw string) (Dim, bool) {
	if err := d.load(ctx); err != nil {
		return Dim{}, false
	}
	if p, ok := d.byNormP[NormName(raw)]; ok {
		return p, true
	}
	if m != nil {
		if p, ok := m.Match(ctx, raw, d.properties); ok {
			return p, true
		}
	}
	return Dim{}, false
}

// Matcher delegates fuzzy matching to the LLM on the dedicated matcher key
// pool. Matching is best-effort: errors and sub-threshold scores return no
// match and never block enrichment.
type Matcher struct {
	LLM       extract.Generator
	Keys      *keypool.Pool
	Threshold float64
}

// matcherCandidateCap keeps the task payload small.
const matcherCandidateCap = 500

type matchTask struct {
	Task          string  `json:"task"`
	Threshold     float64 `json:"threshold"`
	MaxAlternates int     `json:"max_alternates"`
	Target        string  `json:"target"`
	Candidates    []Dim   `json:"candidates"`
	Instructions  string  `json:"instructions"`
}

type matchReply struct {
	Best *struct {
		ID    string  `json:"id"`
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	} `json:"best"`
}

// Match asks the model to pick the best candidate for target.
func (m *Matcher) Match(ctx context.Context, target string, candidates []Dim) (Dim, bool) {
	if strings.TrimSpace(target) == "" || len(candidates) == 0 {
		return Dim{}, false
	}
	threshold := m.Threshold
	if threshold == 0 {
		threshold = 0.85
	}
	capped := candidates
	if len(capped) > matcherCandidateCap {
		capped = capped[:matcherCandidateCap]
	}

	task := matchTask{
		Task:          "fuzzy_match",
		Threshold:     threshold,
		MaxAlternates: 2,
		Target:        target,
		Candidates:    capped,
		Instructions:  `Compare target to candidates by semantics and normalization. Respond ONLY JSON: {"best":{"id":str,"name":str,"score":float}}. If no match >= threshold, return {}.`,
	}
	prompt, err := json.Marshal(task)
	if err != nil {
		return Dim{}, false
	}

	// Rotate the matcher pool deterministically per target.
	h := fnv.New32a()
	h.Write([]byte(target))
	apiKey := m.Keys.KeyFor(int(h.Sum32()))

	reply, err := m.LLM.GenerateContent(ctx, apiKey, string(prompt), nil)
	if err != nil {
		return Dim{}, false
	}
	var parsed matchReply
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil || parsed.Best == nil {
		return Dim{}, false
	}
	if parsed.Best.Score < threshold {
		return Dim{}, false
	}
	return Dim{ID: parsed.Best.ID, Name: parsed.Best.Name}, true
}
