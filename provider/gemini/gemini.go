package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider is the Gemini API adapter.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

var _ tokenquota.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new Gemini provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "gemini" }

// Gemini API types.
type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (p *Provider) ChatCompletion(ctx context.Context, req tokenquota.ProviderRequest) (tokenquota.ProviderResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, req.Model)

	httpResp, err := p.doRequest(ctx, url, req.Auth, p.buildRequest(req))
	if err != nil {
		return tokenquota.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return tokenquota.ProviderResponse{}, err
	}

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return tokenquota.ProviderResponse{}, fmt.Errorf("tokenquota: decode gemini response: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return tokenquota.ProviderResponse{}, fmt.Errorf("tokenquota: empty candidates in gemini response")
	}

	var content strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		content.WriteString(part.Text)
	}

	model := resp.ModelVersion
	if model == "" {
		model = req.Model
	}

	return tokenquota.ProviderResponse{
		Content:      content.String(),
		FinishReason: strings.ToLower(resp.Candidates[0].FinishReason),
		Model:        model,
		Usage: tokenquota.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}

func (p *Provider) buildRequest(req tokenquota.ProviderRequest) geminiRequest {
	var contents []geminiContent
	for _, m := range req.Messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	gr := geminiRequest{Contents: contents}

	if req.Temperature != nil || req.MaxTokens != nil {
		gr.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	return gr
}

func (p *Provider) doRequest(ctx context.Context, url string, auth tokenquota.Auth, body geminiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("tokenquota: marshal gemini request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("tokenquota: create gemini request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", auth.APIKey)

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
