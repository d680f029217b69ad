package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	ProviderTypeAnthropic    ProviderType = "anthropic"
	ProviderSubpathAnthropic string       = "/v1/messages"
	ProviderBaseURLAnthropic string       = "https://api.anthropic.com"

	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 1024
)

type AnthropicProvider struct {
	baseURL         string
	apiKey          string
	model           string
	requiredHeaders map[string]string
	client          *http.Client
}

func NewAnthropicProvider(baseURL, apiKey, model string, requiredHeaders map[string]string, client *http.Client) *AnthropicProvider {
	headers := map[string]string{"anthropic-version": anthropicVersion}
	for k, v := range requiredHeaders {
		headers[k] = v
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &AnthropicProvider{
		baseURL:         resolveBaseURL(baseURL, ProviderBaseURLAnthropic),
		apiKey:          apiKey,
		model:           model,
		requiredHeaders: headers,
		client:          client,
	}
}

func (p *AnthropicProvider) GetName() string {
	return "Anthropic"
}

func (p *AnthropicProvider) GetType() ProviderType {
	return ProviderTypeAnthropic
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float32  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Anthropic response format:
//
//	{"content": [{"type": "text", "text": "..."}], "role": "assistant"}
type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) SetAuthHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range p.requiredHeaders {
		req.Header.Set(key, value)
	}
}

func (p *AnthropicProvider) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	system := req.System
	if req.JSON {
		system = strings.TrimSpace(system + "\nRespond with a single JSON object and nothing else.")
	}
	body := anthropicRequest{
		Model:     p.model,
		System:    system,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = anthropicDefaultMaxTokens
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+ProviderSubpathAnthropic, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.SetAuthHeaders(httpReq)
	return httpReq, nil
}

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (string, error) {
	httpReq, err := p.newRequest(ctx, req, false)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", statusError("Anthropic", resp, body)
	}
	return p.ExtractResponseText(body)
}

// ExtractResponseText concatenates the text blocks of a messages response
func (p *AnthropicProvider) ExtractResponseText(body []byte) (string, error) {
	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return "", fmt.Errorf("no content in response: %w", ErrEmptyResponse)
	}

	var result strings.Builder
	for _, item := range parsed.Content {
		if item.Type == "text" {
			result.WriteString(item.Text)
		}
	}
	return result.String(), nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, req Request, onDelta func(string) error) error {
	httpReq, err := p.newRequest(ctx, req, true)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("anthropic request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return statusError("Anthropic", resp, body)
	}

	err = readSSE(resp.Body, func(event, data string) error {
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("failed to decode stream event: %w", err)
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				return onDelta(ev.Delta.Text)
			}
		case "error":
			if ev.Error != nil {
				return fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}
			return fmt.Errorf("anthropic stream error")
		case "message_stop":
			return errStreamDone
		}
		return nil
	})
	if err == errStreamDone {
		return nil
	}
	return err
}

func (p *AnthropicProvider) ValidateConfig() error {
	if p.baseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if p.apiKey == "" {
		return fmt.Errorf("API key is required")
	}
	if p.model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}
