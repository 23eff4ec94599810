// Package agent provides the client for the external Canvas agent service.
// The bridge treats the agent as an opaque question-answering capability.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrEmptyQuery is returned for blank chat queries.
var ErrEmptyQuery = errors.New("query must not be empty")

// Responder answers natural-language queries about Canvas content.
type Responder interface {
	Answer(ctx context.Context, query string) (string, error)
}

// HTTPResponder implements Responder against the agent's HTTP endpoint.
type HTTPResponder struct {
	baseURL string
	client  *http.Client
}

// NewHTTPResponder creates a client for the agent service at baseURL.
func NewHTTPResponder(baseURL string) *HTTPResponder {
	return &HTTPResponder{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			// Agent runs can take a while when tools are involved.
			Timeout: 120 * time.Second,
		},
	}
}

type answerRequest struct {
	Query string `json:"query"`
}

type answerResponse struct {
	Answer string `json:"answer"`
	Error  string `json:"error,omitempty"`
}

// Answer posts the query to the agent and returns its text response.
func (r *HTTPResponder) Answer(ctx context.Context, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", ErrEmptyQuery
	}

	body, err := json.Marshal(answerRequest{Query: query})
	if err != nil {
		return "", fmt.Errorf("encode agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/answer", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var decoded answerResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode agent response: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("agent error: %s", decoded.Error)
	}

	return decoded.Answer, nil
}
