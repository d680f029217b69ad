package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPCrossEncoder calls a text-embeddings-inference style /rerank endpoint
// returning raw logits.
type HTTPCrossEncoder struct {
	baseURL string
	client  *http.Client
}

func NewHTTPCrossEncoder(baseURL string, timeout time.Duration) *HTTPCrossEncoder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCrossEncoder{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
}

type rerankHit struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

func (h *HTTPCrossEncoder) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	payload, err := json.Marshal(rerankRequest{Query: query, Texts: docs, RawScores: true})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rerank response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("rerank endpoint returned status %d", resp.StatusCode)
	}

	var hits []rerankHit
	if err := json.Unmarshal(body, &hits); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	scores := make([]float64, len(docs))
	seen := make([]bool, len(docs))
	for _, hit := range hits {
		if hit.Index < 0 || hit.Index >= len(docs) {
			return nil, fmt.Errorf("rerank response index %d out of range", hit.Index)
		}
		scores[hit.Index] = hit.Score
		seen[hit.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("rerank response missing document %d", i)
		}
	}
	return scores, nil
}

func (h *HTTPCrossEncoder) Close() error {
	return nil
}
