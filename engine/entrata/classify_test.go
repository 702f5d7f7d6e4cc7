package entrata

import "testing"

func TestPostSucceededClassification(t *testing.T) {
	cases := []struct {
		name       string
		resp       string
		wantOK     bool
		wantStatus string
	}{
		{"clean success", `{"status":"success"}`, true, "success"},
		{"ok status", `{"status":"ok"}`, true, "ok"},
		{"nested response result", `{"response":{"result":{"status":"success"}}}`, true, "success"},
		{"plain error", `{"status":"error","message":"bad vendor"}`, false, "error"},
		{"duplicate with error status", `{"status":"error","message":"duplicate invoice"}`, false, StatusDuplicate},
		{"duplicate in status", `{"status":"duplicate"}`, false, StatusDuplicate},
		{"already exists", `{"status":"error","message":"invoice already exists"}`, false, StatusDuplicate},
		{"already posted", `{"status":"ok","message":"already posted"}`, false, StatusDuplicate},
		{"invoice exists", `{"status":"fail","message":"invoice exists"}`, false, StatusDuplicate},
		{"empty body", "", false, StatusEmpty},
		{"non-json duplicate", "DUPLICATE INVOICE REJECTED", false, StatusDuplicate},
		{"non-json error", "request failed", false, StatusError},
		{"non-json success", "posted fine", true, StatusOK},
		{"failed status", `{"status":"failed"}`, false, "failed"},
	}
	for _, c := range cases {
		ok, status := PostSucceeded(c.resp)
		if ok != c.wantOK || status != c.wantStatus {
			t.Errorf("%s: PostSucceeded(%q) = (%v, %q), want (%v, %q)",
				c.name, c.resp, ok, status, c.wantOK, c.wantStatus)
		}
	}
}

// Duplicate indicators must win over the generic error status: some tenants
// return status="error" with message="duplicate invoice", and classifying
// that as a plain error silently disables suffix escalation.
func TestDuplicateCheckedBeforeErrorStatus(t *testing.T) {
	ok, status := PostSucceeded(`{"status":"error","message":"Duplicate Invoice Number"}`)
	if ok || status != StatusDuplicate {
		t.Fatalf("got (%v, %q), want (false, duplicate)", ok, status)
	}
}

func TestEscalateInvoice(t *testing.T) {
	cases := []struct{ in, want string }{
		{"INV777", "INV777-A"},
		{"INV777-A", "INV777-B"},
		{"INV777-Y", "INV777-Z"},
		{"INV-2024", "INV-2024-A"}, // inner dash is not a suffix
	}
	for _, c := range cases {
		got, err := EscalateInvoice(c.in)
		if err != nil || got != c.want {
			t.Errorf("EscalateInvoice(%q) = (%q, %v), want %q", c.in, got, err, c.want)
		}
	}

	if _, err := EscalateInvoice("INV777-Z"); err == nil {
		t.Error("escalation past -Z must fail")
	}
}
