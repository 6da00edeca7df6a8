package consistency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// HTTPEngine reads calculation results from the engine's HTTP API.
// It never retries: a slow or failing engine surfaces as missing data, and
// the checker's timeout bounds every call.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEngine creates an engine client against baseURL. A nil client uses
// http.DefaultClient; the caller's context carries the deadline.
func NewHTTPEngine(baseURL string, client *http.Client) *HTTPEngine {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEngine{baseURL: baseURL, client: client}
}

// Result fetches the engine output for one calculation reference.
func (e *HTTPEngine) Result(ctx context.Context, engineRef string) (*contracts.EngineResult, error) {
	endpoint := fmt.Sprintf("%s/v1/results/%s", e.baseURL, url.PathEscape(engineRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("engine: unexpected status %d: %s", resp.StatusCode, body)
	}

	var result contracts.EngineResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return nil, fmt.Errorf("engine: decode result: %w", err)
	}
	return &result, nil
}
