// Package llm provides the completion and analysis backends behind the
// gateway's Completer and Analyzer seams. The gateway itself never generates
// text; everything flows through these clients.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"mimo/internal/gateway"
)

// HTTPCompleter posts prompts to a completion endpoint.
type HTTPCompleter struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCompleter builds a completer for baseURL; the endpoint is
// baseURL + "/complete".
func NewHTTPCompleter(baseURL string) *HTTPCompleter {
	return &HTTPCompleter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

type completeRequest struct {
	Prompt string `json:"prompt"`
}

type completeResponse struct {
	Completion string `json:"completion"`
}

// Complete implements gateway.Completer.
func (c *HTTPCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(completeRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/complete", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", gateway.Wrap(gateway.KindDependencyUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", gateway.Errorf(gateway.KindDependencyUnavailable, "completion endpoint returned %d", resp.StatusCode)
	}
	var out completeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", gateway.Wrap(gateway.KindDependencyUnavailable, err)
	}
	return out.Completion, nil
}

// JSONAnalyzer adapts a Completer into the Analyzer seam: the completion is
// expected to be a JSON object, with a repair pass for near-JSON output.
type JSONAnalyzer struct {
	completer gateway.Completer
}

// NewJSONAnalyzer wraps a completer.
func NewJSONAnalyzer(completer gateway.Completer) *JSONAnalyzer {
	return &JSONAnalyzer{completer: completer}
}

// Analyze implements gateway.Analyzer.
func (a *JSONAnalyzer) Analyze(ctx context.Context, prompt string) (map[string]any, error) {
	raw, err := a.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var verdict map[string]any
	if err := json.Unmarshal([]byte(raw), &verdict); err == nil {
		return verdict, nil
	}
	repaired, rerr := jsonrepair.JSONRepair(raw)
	if rerr != nil {
		return nil, fmt.Errorf("analyzer returned non-JSON output: %w", rerr)
	}
	if err := json.Unmarshal([]byte(repaired), &verdict); err != nil {
		return nil, fmt.Errorf("analyzer output unparseable after repair: %w", err)
	}
	return verdict, nil
}
