// Package analysis wraps generative transcription-and-analysis providers
// behind a provider-neutral client. The capability is consumed as opaque:
// it may time out, return malformed output, or be transiently unavailable.
package analysis

import (
	"context"
	"fmt"
	"strings"
)

// Request carries the merged audio artifact plus the instruction prompt.
type Request struct {
	Audio    []byte
	MimeType string
	Prompt   string
}

// Client submits one analysis request and returns the model's raw text.
type Client interface {
	Analyze(ctx context.Context, req Request) (string, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL string
}

func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

// ParseModel splits a provider/model_name spec.
func ParseModel(model string) (provider, modelName string, err error) {
	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model format %q: expected provider/model_name", model)
	}
	return parts[0], parts[1], nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	switch provider {
	case "gemini":
		return newGeminiClient(apiKey, model, o)
	case "openai":
		return newOpenAIClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unknown analysis provider %q: supported providers are gemini, openai", provider)
	}
}
