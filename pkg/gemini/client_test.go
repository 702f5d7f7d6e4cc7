package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New("gemini-2.5-pro", WithBaseURL(srv.URL), WithRate(1000, 1000), WithTimeout(5*time.Second))
	return c, srv
}

func TestGenerateContentParsesCandidates(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-2.5-pro:generateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "k1" {
			t.Errorf("key = %q", r.URL.Query().Get("key"))
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if _, ok := req["contents"]; !ok {
			t.Error("request missing contents")
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"row1"},{"text":"\nrow2"}]}}]}`))
	})

	got, err := c.GenerateContent(context.Background(), "k1", "prompt", []byte("%PDF"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "row1\nrow2" {
		t.Fatalf("reply = %q", got)
	}
}

func TestGenerateContentRateLimit(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("quota exhausted"))
	})

	_, err := c.GenerateContent(context.Background(), "k1", "prompt", nil)
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
}

func TestGenerateContentStatusError(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})

	_, err := c.GenerateContent(context.Background(), "k1", "prompt", nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != 500 {
		t.Fatalf("expected StatusError 500, got %v", err)
	}
}

func TestGenerateContentNoCandidates(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	})
	got, err := c.GenerateContent(context.Background(), "k1", "prompt", nil)
	if err != nil || got != "" {
		t.Fatalf("empty candidates = (%q, %v)", got, err)
	}
}

func TestGenerateContentDeadline(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	})
	c.timeout = 20 * time.Millisecond

	_, err := c.GenerateContent(context.Background(), "k1", "prompt", nil)
	if err == nil {
		t.Fatal("expected deadline error")
	}
}
