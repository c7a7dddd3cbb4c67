// Package llm defines the provider abstraction for script generation.
// Providers are thin chat-completion clients; everything capibara-specific
// (prompting, header parsing, fallbacks) lives in the generator layer.
package llm

import "context"

// Provider is a chat-completion backend.
type Provider interface {
	// Complete sends one prompt and returns the model's text completion.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "groq").
	Name() string
}

// Request is a single-turn completion request.
type Request struct {
	SystemPrompt string
	Prompt       string
	MaxTokens    int     // 0 = provider default.
	Temperature  float64 // 0 = provider default.
}

// Response is the model's completion plus usage accounting.
type Response struct {
	Content string
	Usage   Usage
}

// Usage reports token consumption for a request.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
