package keypool

import (
	"context"
	"errors"
	"testing"
)

func TestParseKeysFormats(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{"keys object", `{"keys":["k1","k2","k3"]}`, []string{"k1", "k2", "k3"}},
		{"bare list", `["k1","k2"]`, []string{"k1", "k2"}},
		{"key1 key2 key3", `{"key1":"a","key2":"b","key3":"c"}`, []string{"a", "b", "c"}},
		{"comma plaintext", "k1, k2 ,k3", []string{"k1", "k2", "k3"}},
		{"newline plaintext", "k1\nk2\n", []string{"k1", "k2"}},
		{"quoted plaintext", `"k1"`, []string{"k1"}},
		{"empty", "", nil},
		{"over cap", `{"keys":["a","b","c","d"]}`, []string{"a", "b", "c"}},
	}
	for _, c := range cases {
		got := ParseKeys(c.raw)
		if len(got) != len(c.want) {
			t.Errorf("%s: ParseKeys = %v, want %v", c.name, got, c.want)
			continue
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("%s: key %d = %q, want %q", c.name, i, got[i], c.want[i])
			}
		}
	}
}

func TestParseKeysExtractsTokens(t *testing.T) {
	raw := "prefix AIzaSyA1234567890abcdefghijk suffix"
	got := ParseKeys(raw)
	if len(got) != 1 || got[0] != "AIzaSyA1234567890abcdefghijk" {
		t.Fatalf("token extraction = %v", got)
	}
}

type fakeSource struct {
	raw string
	err error
}

func (f fakeSource) Fetch(context.Context, string) (string, error) { return f.raw, f.err }

func TestLoadEmptySecretFailsFast(t *testing.T) {
	_, err := Load(context.Background(), fakeSource{raw: "  "}, "gemini/parser-keys")
	if !errors.Is(err, ErrNoKeys) {
		t.Fatalf("expected ErrNoKeys, got %v", err)
	}
}

func TestKeyForRotation(t *testing.T) {
	p, err := Load(context.Background(), fakeSource{raw: "k1,k2,k3"}, "x")
	if err != nil {
		t.Fatal(err)
	}
	seq := []string{"k1", "k2", "k3", "k1", "k2"}
	for attempt, want := range seq {
		if got := p.KeyFor(attempt); got != want {
			t.Errorf("KeyFor(%d) = %q, want %q", attempt, got, want)
		}
	}
	if p.KeyFor(-1) != "k1" {
		t.Error("negative attempt should clamp to the first key")
	}
}
