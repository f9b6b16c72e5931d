package js

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ratchet/pkg/validation"
)

// FetchResponse is the JSON shape fetch returns to task code.
type FetchResponse struct {
	OK         bool              `json:"ok"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Body       interface{}       `json:"body"`
}

// HTTPClient is the capability the runtime uses to satisfy fetch calls.
// Injecting it keeps the sandbox free of ambient network access and lets
// tests substitute a recorder.
type HTTPClient interface {
	Do(ctx context.Context, url string, params, body json.RawMessage) (*FetchResponse, error)
}

// FetchParams are the recognised fields of fetch's second argument.
type FetchParams struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

// StdHTTPClient satisfies fetch calls with net/http, enforcing the
// outbound URL policy before any connection is made.
type StdHTTPClient struct {
	client *http.Client
}

// NewStdHTTPClient creates a client with the given per-request timeout.
func NewStdHTTPClient(timeout time.Duration) *StdHTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StdHTTPClient{client: &http.Client{Timeout: timeout}}
}

func (c *StdHTTPClient) Do(ctx context.Context, rawURL string, params, body json.RawMessage) (*FetchResponse, error) {
	if _, err := validation.ValidateURL(rawURL); err != nil {
		return nil, err
	}

	var parsed FetchParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &parsed); err != nil {
			return nil, fmt.Errorf("invalid fetch params: %w", err)
		}
	}
	method := parsed.Method
	if method == "" {
		if len(body) > 0 {
			method = http.MethodPost
		} else {
			method = http.MethodGet
		}
	}

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, err
	}
	for k, v := range parsed.Headers {
		req.Header.Set(k, v)
	}
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, validation.MaxJSONSize))
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	// Response bodies that parse as JSON are handed to tasks as values;
	// anything else stays a string.
	var bodyValue interface{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &bodyValue); err != nil {
			bodyValue = string(data)
		}
	}

	return &FetchResponse{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    headers,
		Body:       bodyValue,
	}, nil
}
