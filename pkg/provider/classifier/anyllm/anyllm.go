// Package anyllm provides an expression classifier backed by
// github.com/mozilla-ai/any-llm-go, so any of its supported vendors (OpenAI,
// Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, llama.cpp, llamafile)
// can label expression batches.
//
// Usage:
//
//	p, err := anyllm.New("ollama", "llama3.1", anyllmlib.WithBaseURL("http://localhost:11434"))
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/moodwire/pkg/provider/classifier"
)

const defaultMaxTokens = 256

// Provider implements classifier.Provider by wrapping any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

var _ classifier.Provider = (*Provider)(nil)

// New creates a classifier backed by the named any-llm-go provider.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". Without an API key
// option the backend falls back to its usual environment variable.
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", providerName)
	}
}

// Classify implements classifier.Provider.
func (p *Provider) Classify(ctx context.Context, req classifier.Request) (classifier.Result, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return classifier.Result{}, fmt.Errorf("%w: anyllm: completion: %v", classifier.ErrClassifier, err)
	}
	if len(resp.Choices) == 0 {
		return classifier.Result{}, fmt.Errorf("%w: anyllm: empty choices in response", classifier.ErrClassifier)
	}
	return classifier.ParseResult(resp.Choices[0].Message.ContentString())
}

func (p *Provider) buildParams(req classifier.Request) anyllmlib.CompletionParams {
	temp := 0.0
	maxTokens := defaultMaxTokens
	return anyllmlib.CompletionParams{
		Model: p.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: classifier.SystemPrompt},
			{Role: "user", Content: classifier.BuildPrompt(req)},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}
}
