package entrata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/craigbeachjrk/billpipe/pkg/resilience"
)

// Client speaks the Entrata JSON-RPC-style API: an auth block, a request id,
// and method:{name,params}. Calls run through a circuit breaker so a broken
// tenant endpoint does not burn the whole batch.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *resilience.Breaker
}

// NewClient creates an Entrata client for one tenant endpoint.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   60 * time.Second,
		},
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}

type apiRequest struct {
	Auth      apiAuth   `json:"auth"`
	RequestID string    `json:"requestId"`
	Method    apiMethod `json:"method"`
}

type apiAuth struct {
	Type string `json:"type"`
}

type apiMethod struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Params  any    `json:"params"`
}

// Call posts one API method and returns the raw response body for the
// duplicate-aware classifier.
func (c *Client) Call(ctx context.Context, endpoint, method string, params any) (string, error) {
	body, err := json.Marshal(apiRequest{
		Auth:      apiAuth{Type: "apikey"},
		RequestID: uuid.NewString(),
		Method:    apiMethod{Name: method, Version: "r1", Params: params},
	})
	if err != nil {
		return "", fmt.Errorf("entrata: marshal request: %w", err)
	}

	var respText string
	err = c.breaker.Call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Api-Key", c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("entrata: %s: %w", method, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("entrata: read response: %w", err)
		}
		respText = string(raw)

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("entrata: %s: status %d", method, resp.StatusCode)
		}
		return nil
	})
	return respText, err
}

// SendInvoices submits one invoice batch.
func (c *Client) SendInvoices(ctx context.Context, params any) (string, error) {
	return c.Call(ctx, "/api/v1/vendors", "sendInvoices", params)
}
