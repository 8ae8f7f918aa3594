// Package anthropic adapts the Anthropic Messages API, directly or through
// AWS Bedrock, to tokenquota.Provider.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ineyio/tokenquota"
)

// defaultMaxTokens is sent when the request carries no limit; the Messages
// API requires one.
const defaultMaxTokens = 1024

// Provider calls Claude models through the Anthropic SDK.
type Provider struct {
	name   string
	client anthropic.Client
	// Bedrock requests are signed with AWS credentials and carry no API key.
	signed bool
}

var _ tokenquota.Provider = (*Provider)(nil)

// New creates a provider for the Anthropic API. Retries are disabled: a
// failed call is reported to the caller and never debited.
func New(opts ...option.RequestOption) *Provider {
	opts = append([]option.RequestOption{option.WithMaxRetries(0)}, opts...)
	return &Provider{
		name:   "anthropic",
		client: anthropic.NewClient(opts...),
	}
}

// NewBedrock creates a provider that reaches Claude through AWS Bedrock,
// using the default AWS credential chain. region overrides the configured
// AWS region when non-empty.
func NewBedrock(ctx context.Context, region string, opts ...option.RequestOption) *Provider {
	var awsOpts []func(*config.LoadOptions) error
	if region != "" {
		awsOpts = append(awsOpts, config.WithRegion(region))
	}
	opts = append([]option.RequestOption{
		option.WithMaxRetries(0),
		bedrock.WithLoadDefaultConfig(ctx, awsOpts...),
	}, opts...)
	return &Provider{
		name:   "bedrock",
		client: anthropic.NewClient(opts...),
		signed: true,
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) ChatCompletion(ctx context.Context, req tokenquota.ProviderRequest) (tokenquota.ProviderResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: defaultMaxTokens,
	}
	if req.MaxTokens != nil {
		params.MaxTokens = int64(*req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	var callOpts []option.RequestOption
	if !p.signed && req.Auth.APIKey != "" {
		callOpts = append(callOpts, option.WithAPIKey(req.Auth.APIKey))
	}

	msg, err := p.client.Messages.New(ctx, params, callOpts...)
	if err != nil {
		return tokenquota.ProviderResponse{}, mapError(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return tokenquota.ProviderResponse{
		ID:           msg.ID,
		Content:      text.String(),
		FinishReason: string(msg.StopReason),
		Model:        string(msg.Model),
		Usage: tokenquota.Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}, nil
}

func mapError(err error) error {
	var apiErr *anthropic.Error
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
