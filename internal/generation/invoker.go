package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Artifact is one generated output unit returned by the backend. Providers
// disagree on the field carrying the artifact location, so both url and
// location are accepted.
type Artifact struct {
	URL      string          `json:"url,omitempty"`
	Location string          `json:"location,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Ref returns the artifact's addressable location, preferring url.
func (a Artifact) Ref() string {
	if a.URL != "" {
		return a.URL
	}
	return a.Location
}

// InvokeRequest carries the generation parameters forwarded to the backend.
type InvokeRequest struct {
	Prompt   string         `json:"prompt"`
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Options  map[string]any `json:"options,omitempty"`
}

// Invoker performs the external generation call. It blocks for the full
// duration of the generation; the state machine imposes no timeout of its
// own beyond the client's.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) ([]Artifact, error)
}

// HTTPInvokerOptions configures the HTTP invoker.
type HTTPInvokerOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// HTTPInvoker calls a generation backend over HTTP.
type HTTPInvoker struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewHTTPInvoker creates an invoker for the configured backend.
func NewHTTPInvoker(opts HTTPInvokerOptions) *HTTPInvoker {
	base := strings.TrimRight(opts.BaseURL, "/")
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPInvoker{
		httpClient: client,
		baseURL:    base,
		token:      strings.TrimSpace(opts.APIKey),
	}
}

type invokeResponse struct {
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Details string          `json:"details,omitempty"`
}

// Invoke posts the request to the backend and decodes the artifact list.
// The backend may respond with a bare artifact array, a single artifact
// object, or a {success, data} envelope around either.
func (c *HTTPInvoker) Invoke(ctx context.Context, req InvokeRequest) ([]Artifact, error) {
	if c == nil || c.baseURL == "" {
		return nil, errors.New("invoker: backend not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoker: %w", err)
	}
	defer resp.Body.Close()

	var out invokeResponse
	raw := json.RawMessage{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("invoker: http %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("invoker: decode response: %w", err)
	}

	payload := raw
	if err := json.Unmarshal(raw, &out); err == nil && out.Success != nil {
		if !*out.Success || resp.StatusCode >= http.StatusBadRequest {
			return nil, errors.New(invokeErrorMessage(out, resp.StatusCode))
		}
		payload = out.Data
	} else if resp.StatusCode >= http.StatusBadRequest {
		return nil, errors.New(invokeErrorMessage(out, resp.StatusCode))
	}

	artifacts, err := decodeArtifacts(payload)
	if err != nil {
		return nil, fmt.Errorf("invoker: %w", err)
	}
	return artifacts, nil
}

func invokeErrorMessage(out invokeResponse, status int) string {
	if out.Details != "" {
		return out.Details
	}
	if out.Error != "" {
		return out.Error
	}
	return fmt.Sprintf("generation failed: http %d", status)
}

func decodeArtifacts(payload json.RawMessage) ([]Artifact, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty response")
	}
	var list []Artifact
	if err := json.Unmarshal(payload, &list); err == nil {
		return list, nil
	}
	var single Artifact
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, fmt.Errorf("unexpected response shape: %w", err)
	}
	return []Artifact{single}, nil
}

// resultURLs extracts the addressable artifact locations, dropping
// artifacts that carry inline data only.
func resultURLs(artifacts []Artifact) []string {
	urls := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		if ref := a.Ref(); ref != "" {
			urls = append(urls, ref)
		}
	}
	return urls
}
