package heuristic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxResponseBytes bounds the service answer read into memory.
const maxResponseBytes = 1 << 20

// HTTPTransport posts the summary as JSON to a scoring endpoint.
type HTTPTransport struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPTransport creates a transport for endpoint. A nil client uses
// http.DefaultClient; the per-call timeout comes from the request context.
func NewHTTPTransport(endpoint, apiKey string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{endpoint: endpoint, apiKey: apiKey, client: client}
}

// Call implements Transport.
func (t *HTTPTransport) Call(ctx context.Context, summary Summary) (Response, error) {
	body, err := json.Marshal(summary)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode summary: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("heuristic request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Response{}, &StatusError{Code: resp.StatusCode}
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return out, nil
}
