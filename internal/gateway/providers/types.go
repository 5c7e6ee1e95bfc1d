package providers

import (
	"context"
	"fmt"

	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
	"github.com/sashabaranov/go-openai"
)

// ChatRequest represents a chat completion request
type ChatRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
	TopP        *float32                       `json:"top_p,omitempty"`
}

// ChatResponse is the provider-neutral shape every adapter normalizes into
type ChatResponse struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Content      string       `json:"content"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Usage        openai.Usage `json:"usage"`
}

// Provider is the interface all LLM providers must implement.
// The credential is supplied per call; connection setup is shared.
type Provider interface {
	ChatCompletion(ctx context.Context, apiKey string, req ChatRequest) (*ChatResponse, error)
	Name() models.Provider
}

// StatusError is a non-2xx reply from a provider's HTTP API
type StatusError struct {
	Provider   models.Provider
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}
