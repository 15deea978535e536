// Package provider defines the vision model provider interface and shared types.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/abdhe/chart-signal/pkg/resilience"
)

// Request represents a chart analysis request to a vision model provider.
type Request struct {
	Model       string
	Prompt      string
	Image       []byte
	MIMEType    string // e.g. "image/png"
	Temperature float32
	MaxTokens   int32
	APIKey      string // Injected by the key pool
}

// Response represents a complete model response.
type Response struct {
	Text         string
	PromptTokens int32
	OutputTokens int32
}

// Provider is the interface that all model backends must implement.
type Provider interface {
	// Name returns a human-readable identifier for this provider (e.g. "openai", "gemini").
	Name() string

	// Analyze sends the image and prompt to the model and returns its text answer.
	// Throttling errors match resilience.ErrRateLimited or resilience.ErrQuotaExceeded;
	// every other failure matches resilience.ErrTransport.
	Analyze(ctx context.Context, req Request) (Response, error)
}

// APIError is a non-2xx answer from a provider API.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.StatusCode, truncate(e.Body, 512))
}

// Is classifies the error for errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case resilience.ErrQuotaExceeded:
		return e.quota()
	case resilience.ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests && !e.quota()
	case resilience.ErrTransport:
		return e.StatusCode != http.StatusTooManyRequests && !e.quota()
	}
	return false
}

// quota reports whether the body names an exhausted quota. Gemini answers
// RESOURCE_EXHAUSTED with 429; OpenAI uses insufficient_quota with 429 or 403.
func (e *APIError) quota() bool {
	if e.StatusCode != http.StatusTooManyRequests && e.StatusCode != http.StatusForbidden {
		return false
	}
	body := strings.ToLower(e.Body)
	return strings.Contains(body, "insufficient_quota") ||
		(strings.Contains(body, "quota") && (strings.Contains(body, "exceeded") || strings.Contains(body, "resource_exhausted")))
}

// transportError wraps a network or decoding failure so it matches resilience.ErrTransport.
func transportError(provider, op string, err error) error {
	return fmt.Errorf("%s: %s: %w: %w", provider, op, resilience.ErrTransport, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// New returns the provider registered under name.
func New(name, baseURL string, client *http.Client) (Provider, error) {
	switch name {
	case "gemini":
		return NewGeminiProvider(baseURL, client), nil
	case "openai":
		return NewOpenAIProvider(baseURL, client), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
