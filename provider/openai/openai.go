// Package openai adapts the OpenAI Chat Completions API to
// tokenquota.Provider using the official SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/ineyio/tokenquota"
)

// Provider calls OpenAI chat models.
type Provider struct {
	client openai.Client
}

var _ tokenquota.Provider = (*Provider)(nil)

// New creates an OpenAI provider. Retries are disabled so every failed call
// surfaces to the Invoker once.
func New(opts ...option.RequestOption) *Provider {
	opts = append([]option.RequestOption{option.WithMaxRetries(0)}, opts...)
	return &Provider{client: openai.NewClient(opts...)}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) ChatCompletion(ctx context.Context, req tokenquota.ProviderRequest) (tokenquota.ProviderResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	var callOpts []option.RequestOption
	if req.Auth.APIKey != "" {
		callOpts = append(callOpts, option.WithAPIKey(req.Auth.APIKey))
	}

	completion, err := p.client.Chat.Completions.New(ctx, params, callOpts...)
	if err != nil {
		return tokenquota.ProviderResponse{}, mapError(err)
	}
	if len(completion.Choices) == 0 {
		return tokenquota.ProviderResponse{}, fmt.Errorf("tokenquota: empty choices in response")
	}

	return tokenquota.ProviderResponse{
		ID:           completion.ID,
		Content:      completion.Choices[0].Message.Content,
		FinishReason: completion.Choices[0].FinishReason,
		Model:        completion.Model,
		Usage: tokenquota.Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}, nil
}

func mapError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", tokenquota.ErrProviderUnavailable, err)
	}
	switch apiErr.StatusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", tokenquota.ErrRateLimited, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", tokenquota.ErrAuthFailed, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", tokenquota.ErrModelNotFound, err)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %w", tokenquota.ErrInvalidRequest, err)
	default:
		return fmt.Errorf("%w: %w", tokenquota.ErrProviderUnavailable, err)
	}
}
