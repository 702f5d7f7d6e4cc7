package domain

import "testing"

func TestSidecarKeys(t *testing.T) {
	keys := SidecarKeys("Stage1_Pending/acme.pdf")
	want := []string{"Stage1_Pending/acme.notes.json", "Stage1_Pending/acme.rework.json"}
	if len(keys) != 2 || keys[0] != want[0] || keys[1] != want[1] {
		t.Fatalf("SidecarKeys = %v, want %v", keys, want)
	}
}

func TestSidecarKeysNoExtension(t *testing.T) {
	keys := SidecarKeys("Stage1_Pending/acme")
	if keys[0] != "Stage1_Pending/acme.notes.json" {
		t.Fatalf("SidecarKeys without extension = %v", keys)
	}
}

func TestErrorSidecarKey(t *testing.T) {
	if got := ErrorSidecarKey("Failed/acme.pdf"); got != "Failed/acme.error.json" {
		t.Errorf("ErrorSidecarKey = %q", got)
	}
	if got := ErrorSidecarKey("Failed/acme.PDF"); got != "Failed/acme.error.json" {
		t.Errorf("ErrorSidecarKey uppercase ext = %q", got)
	}
	if got := ErrorSidecarKey("Failed/readme"); got != "Failed/readme.error.json" {
		t.Errorf("ErrorSidecarKey no ext = %q", got)
	}
}

func TestAllowedKey(t *testing.T) {
	allowed := []string{
		"Stage1_Pending/a.pdf",
		"Stage6_PreEntrata/yyyy=2026/mm=01/dd=05/source=s3/a.jsonl",
		"Enrichment/exports/dim_vendor/latest.jsonl",
		"Failed/a.pdf",
	}
	for _, k := range allowed {
		if !AllowedKey(k) {
			t.Errorf("AllowedKey(%q) = false", k)
		}
	}
	denied := []string{"tmp/a.pdf", "Stage1Pending/a.pdf", "", "../Stage1_Pending/x"}
	for _, k := range denied {
		if AllowedKey(k) {
			t.Errorf("AllowedKey(%q) = true", k)
		}
	}
}

func TestStemAndBaseName(t *testing.T) {
	if got := Stem("Stage2_ParsedInputs/dir/acme.pdf"); got != "acme" {
		t.Errorf("Stem = %q", got)
	}
	if got := BaseName("a/b/c.pdf"); got != "c.pdf" {
		t.Errorf("BaseName = %q", got)
	}
}
