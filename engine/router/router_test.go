package router

import (
	"context"
	"strings"
	"testing"

	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
)

func TestDecide(t *testing.T) {
	cases := []struct {
		name      string
		pages     int
		sizeMB    float64
		wantRoute string
		wantWhy   string
	}{
		{"small", 3, 1.5, RouteStandard, "within_thresholds"},
		{"exactly max pages", 10, 1, RouteStandard, "within_thresholds"},
		{"one over max pages", 11, 1, RouteLargeFile, "page_count_11_exceeds_10"},
		{"exactly max size", 5, 10.0, RouteStandard, "within_thresholds"},
		{"over max size", 5, 10.1, RouteLargeFile, "file_size_10.1MB_exceeds_10MB"},
		{"unknown pages", -1, 50, RouteStandard, "unknown_page_count_default_standard"},
		{"pages win over size", 11, 50, RouteLargeFile, "page_count_11_exceeds_10"},
	}
	for _, c := range cases {
		route, reason := Decide(c.pages, c.sizeMB, 10, 10)
		if route != c.wantRoute {
			t.Errorf("%s: route = %q, want %q", c.name, route, c.wantRoute)
		}
		if reason != c.wantWhy {
			t.Errorf("%s: reason = %q, want %q", c.name, reason, c.wantWhy)
		}
	}
}

func TestRouterProcessMovesAndAudits(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory(nil)
	// Not a parseable PDF: page count unknown, defaults to standard.
	store.Put(ctx, "Stage1_Pending/acme.pdf", []byte("not a pdf"))
	store.Put(ctx, "Stage1_Pending/acme.rework.json", []byte(`{"expected_line_count":4}`))

	routeLog := kvtab.NewMemory()
	r := &Router{Store: store, RouteLog: routeLog, MaxPages: 10, MaxSizeMB: 10}

	if err := r.Process(ctx, "Stage1_Pending/acme.pdf"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if _, err := store.Get(ctx, "Stage1_Standard/acme.pdf"); err != nil {
		t.Fatal("PDF not copied to Standard/")
	}
	if _, err := store.Get(ctx, "Stage1_Standard/acme.rework.json"); err != nil {
		t.Fatal("sidecar not carried to Standard/")
	}
	if _, err := store.Get(ctx, "Stage1_Pending/acme.pdf"); err == nil {
		t.Fatal("pending key should be deleted")
	}

	keys, _ := routeLog.Keys(ctx)
	if len(keys) != 1 || !strings.HasPrefix(keys[0], "ROUTE_") && !strings.HasPrefix(keys[0], "ROUTE") {
		t.Fatalf("routing decision not audited: %v", keys)
	}
}

func TestRouterProcessGoneKeyIsNoop(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory(nil)
	r := &Router{Store: store, RouteLog: kvtab.NewMemory(), MaxPages: 10, MaxSizeMB: 10}
	if err := r.Process(ctx, "Stage1_Pending/gone.pdf"); err != nil {
		t.Fatalf("re-delivered event for a routed key must be a no-op, got %v", err)
	}
}

func TestRouterSizeRouting(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory(nil)
	big := make([]byte, 11*1024*1024)
	store.Put(ctx, "Stage1_Pending/big.pdf", big)

	r := &Router{Store: store, RouteLog: kvtab.NewMemory(), MaxPages: 10, MaxSizeMB: 10}
	if err := r.Process(ctx, "Stage1_Pending/big.pdf"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	// Unknown page count would default standard, but size pushes largefile
	// only when the page count is known; unparseable big files stay standard.
	if _, err := store.Get(ctx, "Stage1_Standard/big.pdf"); err != nil {
		t.Fatal("unparseable PDF must default to Standard/ regardless of size")
	}
}
