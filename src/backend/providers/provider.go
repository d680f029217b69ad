package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type ProviderType string

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of chat history. Content is always masked text.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider independent chat completion request
type Request struct {
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
	// JSON asks the model for a single JSON object
	JSON bool
}

// Provider defines the interface all LLM providers must implement
type Provider interface {
	GetType() ProviderType
	GetName() string

	// Complete returns the full completion text
	Complete(ctx context.Context, req Request) (string, error)

	// Stream calls onDelta for every text fragment as it arrives. An error
	// returned by onDelta aborts the stream and is returned.
	Stream(ctx context.Context, req Request, onDelta func(delta string) error) error

	// ValidateConfig checks if provider configuration is valid
	ValidateConfig() error
}

// Config selects and configures one provider
type Config struct {
	Type              ProviderType      `json:"type" yaml:"type"`
	BaseURL           string            `json:"base_url" yaml:"base_url"`
	APIKey            string            `json:"-" yaml:"-"`
	Model             string            `json:"model" yaml:"model"`
	AdditionalHeaders map[string]string `json:"additional_headers" yaml:"additional_headers"`
	Timeout           time.Duration     `json:"timeout" yaml:"timeout"`
	RequestsPerSecond float64           `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int               `json:"burst" yaml:"burst"`
}

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrEmptyResponse   = errors.New("empty response from provider")
)

// New builds the configured provider, wrapped in a rate limiter when
// RequestsPerSecond is set.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.Timeout <= 0 {
		client.Timeout = 120 * time.Second
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Type {
	case ProviderTypeOpenAI:
		p = NewOpenAIProvider(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.AdditionalHeaders, client)
	case ProviderTypeMistral:
		p = NewMistralProvider(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.AdditionalHeaders, client)
	case ProviderTypeAnthropic:
		p = NewAnthropicProvider(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.AdditionalHeaders, client)
	case ProviderTypeGemini:
		p, err = NewGeminiProvider(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Type)
	}

	if err := p.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("invalid %s configuration: %w", p.GetName(), err)
	}
	logger.Named("providers").Info("provider configured",
		zap.String("type", string(cfg.Type)),
		zap.String("model", cfg.Model))

	if cfg.RequestsPerSecond > 0 {
		return NewRateLimited(p, cfg.RequestsPerSecond, cfg.Burst), nil
	}
	return p, nil
}

// normalizeBaseURL accepts a bare domain or a full URL and returns a URL with
// the requested scheme and no trailing slash
func normalizeBaseURL(apiDomain string, useHttps bool) string {
	scheme := "http://"
	if useHttps {
		scheme = "https://"
	}
	rest := apiDomain
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	return scheme + strings.TrimRight(rest, "/")
}

// resolveBaseURL applies a default and keeps the scheme of a configured URL
func resolveBaseURL(configured, fallback string) string {
	if configured == "" {
		configured = fallback
	}
	return normalizeBaseURL(configured, !strings.HasPrefix(configured, "http://"))
}

// statusError turns a non-2xx response into an error with a body excerpt
func statusError(provider string, resp *http.Response, body []byte) error {
	excerpt := string(body)
	if len(excerpt) > 512 {
		excerpt = excerpt[:512]
	}
	return fmt.Errorf("%s returned status %d: %s", provider, resp.StatusCode, excerpt)
}
