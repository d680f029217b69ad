package detectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// AnalyzerDetector calls an external analyzer service that speaks the
// Presidio /analyze contract: {"text", "language"} in, a list of
// {"entity_type", "start", "end", "score"} out, with offsets counted in
// Unicode code points.
type AnalyzerDetector struct {
	baseURL        string
	language       string
	scoreThreshold float64
	client         *http.Client
}

type analyzeRequest struct {
	Text           string  `json:"text"`
	Language       string  `json:"language"`
	ScoreThreshold float64 `json:"score_threshold,omitempty"`
}

type analyzerResult struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

func NewAnalyzerDetector(baseURL, language string, scoreThreshold float64, timeout time.Duration) *AnalyzerDetector {
	if language == "" {
		language = "en"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AnalyzerDetector{
		baseURL:        strings.TrimRight(baseURL, "/"),
		language:       language,
		scoreThreshold: scoreThreshold,
		client:         &http.Client{Timeout: timeout},
	}
}

func (a *AnalyzerDetector) GetName() string {
	return DetectorNameAnalyzer
}

func (a *AnalyzerDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	if input.Text == "" {
		return DetectorOutput{Text: input.Text, Entities: []Entity{}}, nil
	}

	language := input.Language
	if language == "" {
		language = a.language
	}

	body, err := json.Marshal(analyzeRequest{Text: input.Text, Language: language, ScoreThreshold: a.scoreThreshold})
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("failed to encode analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("failed to build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("analyze request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return DetectorOutput{}, fmt.Errorf("analyzer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var results []analyzerResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return DetectorOutput{}, fmt.Errorf("failed to decode analyze response: %w", err)
	}

	runeToByte := runeOffsets(input.Text)
	entities := make([]Entity, 0, len(results))
	for _, r := range results {
		if r.Start < 0 || r.End > len(runeToByte)-1 || r.Start >= r.End {
			continue
		}
		start, end := runeToByte[r.Start], runeToByte[r.End]
		entities = append(entities, Entity{
			Text:       input.Text[start:end],
			Label:      NormalizeLabel(r.EntityType),
			StartPos:   start,
			EndPos:     end,
			Confidence: r.Score,
		})
	}

	return DetectorOutput{Text: input.Text, Entities: mergeChunkEntities([][]Entity{entities})}, nil
}

func (a *AnalyzerDetector) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// runeOffsets maps each code point index (and the end position) to its byte offset
func runeOffsets(s string) []int {
	offsets := make([]int, 0, utf8.RuneCountInString(s)+1)
	for i := range s {
		offsets = append(offsets, i)
	}
	return append(offsets, len(s))
}
