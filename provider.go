package tokenquota

import "context"

// Provider is the interface that generative-model adapters implement.
// A provider performs one call and reports what it consumed afterwards.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string

	// ChatCompletion performs a synchronous completion.
	ChatCompletion(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}

// Auth holds authentication credentials for a provider.
type Auth struct {
	APIKey string `yaml:"api_key" json:"api_key"`
}

// ProviderRequest is the request sent to a provider adapter.
type ProviderRequest struct {
	Auth     Auth
	Model    string
	Messages []Message

	Temperature *float64
	MaxTokens   *int
}

// ProviderResponse is the response from a provider adapter.
type ProviderResponse struct {
	ID           string
	Content      string
	FinishReason string
	Usage        Usage
	Model        string
}
