package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/tokenquota"
)

// Provider is a mock model provider for testing.
type Provider struct {
	name         string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	usage        tokenquota.Usage
	responseFunc func(tokenquota.ProviderRequest) (tokenquota.ProviderResponse, error)

	mu       sync.Mutex
	requests []tokenquota.ProviderRequest
}

var _ tokenquota.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name: "mock",
		usage: tokenquota.Usage{
			InputTokens:  10,
			OutputTokens: 20,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithUsage sets the token counts reported by the mock.
func WithUsage(input, output int64) Option {
	return func(p *Provider) {
		p.usage = tokenquota.Usage{InputTokens: input, OutputTokens: output}
	}
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(tokenquota.ProviderRequest) (tokenquota.ProviderResponse, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

// CallCount returns the number of calls that reached the provider.
func (p *Provider) CallCount() int {
	return int(p.callCount.Load())
}

// Requests returns a copy of every request received so far.
func (p *Provider) Requests() []tokenquota.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tokenquota.ProviderRequest(nil), p.requests...)
}

func (p *Provider) ChatCompletion(ctx context.Context, req tokenquota.ProviderRequest) (tokenquota.ProviderResponse, error) {
	count := p.callCount.Add(1)
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return tokenquota.ProviderResponse{}, ctx.Err()
		}
	}

	if p.staticErr != nil {
		return tokenquota.ProviderResponse{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return tokenquota.ProviderResponse{}, tokenquota.ErrProviderUnavailable
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	return tokenquota.ProviderResponse{
		ID:           "mock-response-id",
		Content:      "Hello from mock provider",
		FinishReason: "stop",
		Usage:        p.usage,
		Model:        req.Model,
	}, nil
}
