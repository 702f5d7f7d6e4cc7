// Package gemini is a minimal client for the Gemini generateContent REST
// endpoint. The API key travels in the query string and is rotated by the
// caller between attempts; a 429 surfaces as RateLimitError so the retry
// loop rotates immediately.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the production Gemini API endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// DefaultTimeout bounds one generateContent call.
const DefaultTimeout = 90 * time.Second

// RateLimitError signals a 429; the caller must rotate keys before retrying.
type RateLimitError struct {
	Body string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("gemini: rate limited (429): %s", e.Body)
}

// StatusError is any other non-200 reply.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gemini: status %d: %s", e.Status, e.Body)
}

// Client calls one Gemini model.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

// Option tweaks a Client.
type Option func(*Client)

// WithBaseURL points the client at a non-default endpoint (tests).
func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = u } }

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithRate bounds outbound calls per second across one worker process.
func WithRate(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// New creates a client for the given model.
func New(model string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		model:   model,
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		limiter: rate.NewLimiter(rate.Limit(2), 2),
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	InlineData *inlineData `json:"inline_data,omitempty"`
	Text       string      `json:"text,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// GenerateContent sends the prompt (and optional inline PDF) and returns the
// concatenated candidate text, trimmed.
func (c *Client) GenerateContent(ctx context.Context, apiKey, prompt string, pdf []byte) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var parts []part
	if len(pdf) > 0 {
		parts = append(parts, part{InlineData: &inlineData{
			MimeType: "application/pdf",
			Data:     base64.StdEncoding.EncodeToString(pdf),
		}})
	}
	parts = append(parts, part{Text: prompt})

	body, err := json.Marshal(generateRequest{Contents: []content{{Role: "user", Parts: parts}}})
	if err != nil {
		return "", fmt.Errorf("gemini: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini: generate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		if resp.StatusCode == http.StatusTooManyRequests {
			return "", &RateLimitError{Body: string(raw)}
		}
		return "", &StatusError{Status: resp.StatusCode, Body: string(raw)}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("gemini: decode reply: %w", err)
	}
	if len(out.Candidates) == 0 {
		return "", nil
	}
	var text bytes.Buffer
	for _, p := range out.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return strings.TrimSpace(text.String()), nil
}
