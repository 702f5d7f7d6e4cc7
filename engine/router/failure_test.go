package router

import (
	"context"
	"testing"

	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
)

func TestMarkLargeFile(t *testing.T) {
	cases := []struct{ in, want string }{
		{"acme.pdf", "acme_LARGEFILE_.pdf"},
		{"noext", "noext_LARGEFILE_"},
		{"two.dots.pdf", "two.dots_LARGEFILE_.pdf"},
	}
	for _, c := range cases {
		if got := MarkLargeFile(c.in); got != c.want {
			t.Errorf("MarkLargeFile(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFailureRouterPromotesUnmarkedFile(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory(nil)
	store.Put(ctx, "Stage2_ParsedInputs/acme.pdf", []byte("%PDF"))

	fr := &FailureRouter{Store: store, Errors: kvtab.NewMemory()}
	payload := blob.FailurePayload{
		RequestPayload: blob.CreatedEvent{Bucket: "bills", Key: "Stage1_Standard/acme.pdf"},
		ErrorType:      "InvocationTimeout",
		ErrorMessage:   "task timed out after 840s",
	}
	if err := fr.Process(ctx, payload); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if _, err := store.Get(ctx, "Stage1_LargeFile/acme_LARGEFILE_.pdf"); err != nil {
		t.Fatal("file should be promoted to LargeFile/ with marker")
	}
	if _, err := store.Get(ctx, "Stage1_LargeFile/acme_LARGEFILE_.error.json"); err != nil {
		t.Fatal("error sidecar missing next to promoted file")
	}
	if _, err := store.Get(ctx, "Stage2_ParsedInputs/acme.pdf"); err == nil {
		t.Fatal("source should be removed after escalation")
	}
}

func TestFailureRouterParksMarkedFile(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory(nil)
	store.Put(ctx, "Stage1_Pending/acme_LARGEFILE_.pdf", []byte("%PDF"))

	fr := &FailureRouter{Store: store, Errors: kvtab.NewMemory()}
	payload := blob.FailurePayload{
		RequestPayload: blob.CreatedEvent{Key: "Stage1_Pending/acme_LARGEFILE_.pdf"},
		ErrorType:      "InvocationTimeout",
	}
	if err := fr.Process(ctx, payload); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if _, err := store.Get(ctx, "Failed/acme_LARGEFILE_.pdf"); err != nil {
		t.Fatal("already-promoted file must park in Failed/, not loop")
	}
}

func TestFailureRouterSourceGone(t *testing.T) {
	ctx := context.Background()
	fr := &FailureRouter{Store: blob.NewMemory(nil), Errors: kvtab.NewMemory()}
	payload := blob.FailurePayload{RequestPayload: blob.CreatedEvent{Key: "Stage1_Standard/ghost.pdf"}}
	if err := fr.Process(ctx, payload); err != nil {
		t.Fatalf("missing source should be a logged no-op, got %v", err)
	}
}
