package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const (
	ProviderTypeOpenAI    ProviderType = "openai"
	ProviderSubpathOpenAI string       = "/v1/chat/completions"
	ProviderBaseURLOpenAI string       = "https://api.openai.com"
)

// errStreamDone stops SSE reading at the [DONE] marker
var errStreamDone = errors.New("stream done")

// OpenAIProvider talks to the chat completions API. Any OpenAI compatible
// server (vLLM, Ollama, LiteLLM) works through BaseURL.
type OpenAIProvider struct {
	name              string
	baseURL           string
	apiKey            string
	model             string
	additionalHeaders map[string]string
	client            *http.Client
}

func NewOpenAIProvider(baseURL, apiKey, model string, additionalHeaders map[string]string, client *http.Client) *OpenAIProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAIProvider{
		name:              "OpenAI",
		baseURL:           resolveBaseURL(baseURL, ProviderBaseURLOpenAI),
		apiKey:            apiKey,
		model:             model,
		additionalHeaders: additionalHeaders,
		client:            client,
	}
}

func (p *OpenAIProvider) GetName() string {
	return p.name
}

func (p *OpenAIProvider) GetType() ProviderType {
	return ProviderTypeOpenAI
}

func (p *OpenAIProvider) GetBaseURL() string {
	return p.baseURL
}

type openAIChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float32        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
		Delta   struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (p *OpenAIProvider) buildBody(req Request, stream bool) ([]byte, error) {
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	body := openAIChatRequest{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return json.Marshal(body)
}

func (p *OpenAIProvider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+ProviderSubpathOpenAI, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.SetAuthHeaders(httpReq)
	p.SetAddlHeaders(httpReq)
	return httpReq, nil
}

func (p *OpenAIProvider) SetAuthHeaders(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

func (p *OpenAIProvider) SetAddlHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.additionalHeaders {
		req.Header.Set(k, v)
	}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	body, err := p.buildBody(req, false)
	if err != nil {
		return "", err
	}
	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return "", err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", p.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", statusError(p.name, resp, respBody)
	}
	return p.ExtractResponseText(respBody)
}

// ExtractResponseText returns the content of the first choice
func (p *OpenAIProvider) ExtractResponseText(body []byte) (string, error) {
	var parsed openAIChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("no choices in response: %w", ErrEmptyResponse)
	}
	return parsed.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request, onDelta func(string) error) error {
	body, err := p.buildBody(req, true)
	if err != nil {
		return err
	}
	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", p.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(resp.Body)
		return statusError(p.name, resp, respBody)
	}

	err = readSSE(resp.Body, func(_, data string) error {
		if data == "[DONE]" {
			return errStreamDone
		}
		var chunk openAIChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("failed to decode stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			return nil
		}
		return onDelta(chunk.Choices[0].Delta.Content)
	})
	if errors.Is(err, errStreamDone) {
		return nil
	}
	return err
}

func (p *OpenAIProvider) ValidateConfig() error {
	if p.baseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if p.model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}
