package providers

import "net/http"

const (
	ProviderTypeMistral    ProviderType = "mistral"
	ProviderBaseURLMistral string       = "https://api.mistral.ai"
)

// MistralProvider uses the OpenAI compatible chat completions endpoint that
// Mistral serves under the same path.
type MistralProvider struct {
	*OpenAIProvider
}

func NewMistralProvider(baseURL, apiKey, model string, additionalHeaders map[string]string, client *http.Client) *MistralProvider {
	if baseURL == "" {
		baseURL = ProviderBaseURLMistral
	}
	p := NewOpenAIProvider(baseURL, apiKey, model, additionalHeaders, client)
	p.name = "Mistral"
	return &MistralProvider{OpenAIProvider: p}
}

func (p *MistralProvider) GetType() ProviderType {
	return ProviderTypeMistral
}
