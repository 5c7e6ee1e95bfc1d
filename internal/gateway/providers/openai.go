package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"

	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
	"github.com/sashabaranov/go-openai"
)

const defaultMistralBaseURL = "https://api.mistral.ai/v1"

// OpenAIProvider handles OpenAI-compatible chat APIs. Mistral speaks the
// same wire format, so it is served by this type under its own name.
// System messages stay inline in the message list.
type OpenAIProvider struct {
	name       models.Provider
	baseURL    string
	httpClient *http.Client

	// one go-openai client per credential, built on first use
	clients sync.Map
}

// NewOpenAIProvider creates a new OpenAI provider. An empty baseURL uses the
// go-openai default.
func NewOpenAIProvider(baseURL string, httpClient *http.Client) *OpenAIProvider {
	return &OpenAIProvider{
		name:       models.ProviderOpenAI,
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// NewMistralProvider creates a provider for Mistral's OpenAI-compatible API
func NewMistralProvider(baseURL string, httpClient *http.Client) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultMistralBaseURL
	}
	return &OpenAIProvider{
		name:       models.ProviderMistral,
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() models.Provider {
	return p.name
}

func (p *OpenAIProvider) client(apiKey string) *openai.Client {
	sum := sha256.Sum256([]byte(apiKey))
	id := hex.EncodeToString(sum[:])

	if c, ok := p.clients.Load(id); ok {
		return c.(*openai.Client)
	}

	cfg := openai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	if p.httpClient != nil {
		cfg.HTTPClient = p.httpClient
	}

	c, _ := p.clients.LoadOrStore(id, openai.NewClientWithConfig(cfg))
	return c.(*openai.Client)
}

// ChatCompletion makes a chat completion request
func (p *OpenAIProvider) ChatCompletion(ctx context.Context, apiKey string, req ChatRequest) (*ChatResponse, error) {
	// Build OpenAI request
	openaiReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: req.Messages,
	}

	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		openaiReq.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		openaiReq.TopP = *req.TopP
	}

	// Make request
	resp, err := p.client(apiKey).CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		return nil, fmt.Errorf("%s API error: %w", p.name, err)
	}

	out := &ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: resp.Usage,
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = string(resp.Choices[0].FinishReason)
	}
	if out.Usage.TotalTokens == 0 {
		out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
	}

	return out, nil
}
