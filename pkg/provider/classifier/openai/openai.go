// Package openai provides an expression classifier backed by the OpenAI chat
// completions API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/moodwire/pkg/provider/classifier"
)

const defaultMaxTokens = 256

// Provider implements classifier.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

var _ classifier.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// OpenAI-compatible servers.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI classifier.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Classify implements classifier.Provider.
func (p *Provider) Classify(ctx context.Context, req classifier.Request) (classifier.Result, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return classifier.Result{}, fmt.Errorf("%w: openai: chat completion: %v", classifier.ErrClassifier, err)
	}
	if len(resp.Choices) == 0 {
		return classifier.Result{}, fmt.Errorf("%w: openai: empty choices in response", classifier.ErrClassifier)
	}
	return classifier.ParseResult(resp.Choices[0].Message.Content)
}

// buildParams converts a classification request into OpenAI SDK params.
func (p *Provider) buildParams(req classifier.Request) oai.ChatCompletionNewParams {
	return oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(classifier.SystemPrompt),
			oai.UserMessage(classifier.BuildPrompt(req)),
		},
		Temperature:         param.NewOpt(0.0),
		MaxCompletionTokens: param.NewOpt(int64(defaultMaxTokens)),
	}
}
