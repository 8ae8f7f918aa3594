package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/tokenquota"
)

// Provider is a universal OpenAI-compatible API adapter.
// Works with Grok/xAI, Cerebras, Together, Ollama, vLLM and others.
type Provider struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

var _ tokenquota.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new OpenAI-compatible provider.
func New(name, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewGrok creates a provider for Grok/xAI.
func NewGrok(opts ...Option) *Provider {
	return New("grok", "https://api.x.ai/v1", opts...)
}

func (p *Provider) Name() string { return p.name }

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// apiResponse is the OpenAI chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *Provider) ChatCompletion(ctx context.Context, req tokenquota.ProviderRequest) (tokenquota.ProviderResponse, error) {
	httpResp, err := p.doRequest(ctx, req.Auth, p.buildRequest(req))
	if err != nil {
		return tokenquota.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return tokenquota.ProviderResponse{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return tokenquota.ProviderResponse{}, fmt.Errorf("tokenquota: decode response: %w", err)
	}

	if len(resp.Choices) == 0 {
		return tokenquota.ProviderResponse{}, fmt.Errorf("tokenquota: empty choices in response")
	}
	// Without a usage report the call cannot be metered.
	if resp.Usage == nil {
		return tokenquota.ProviderResponse{}, fmt.Errorf("tokenquota: response carries no usage")
	}

	return tokenquota.ProviderResponse{
		ID:           resp.ID,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Model:        resp.Model,
		Usage: tokenquota.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (p *Provider) buildRequest(req tokenquota.ProviderRequest) apiRequest {
	msgs := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = apiMessage{Role: m.Role, Content: m.Content}
	}
	return apiRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

func (p *Provider) doRequest(ctx context.Context, auth tokenquota.Auth, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("tokenquota: marshal request: %w", err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("tokenquota: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if auth.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+auth.APIKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tokenquota.ErrProviderUnavailable, err)
	}

	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return tokenquota.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return tokenquota.ErrAuthFailed
	case http.StatusNotFound:
		return tokenquota.ErrModelNotFound
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", tokenquota.ErrInvalidRequest, string(body))
	default:
		return tokenquota.ErrProviderUnavailable
	}
}
