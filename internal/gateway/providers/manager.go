package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mrmushfiq/llm0-gates/internal/gateway/pricing"
	"github.com/mrmushfiq/llm0-gates/internal/shared/config"
	"github.com/mrmushfiq/llm0-gates/internal/shared/errs"
	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
	"github.com/sashabaranov/go-openai"
)

var (
	ErrProviderUnavailable = errs.New(errs.KindProviderUnavailable, "provider unavailable")
	ErrProviderError       = errs.New(errs.KindProviderError, "provider returned an error")
)

// Completion is the normalized result of one provider call, priced
type Completion struct {
	ID               string          `json:"id"`
	Model            string          `json:"model"`
	Provider         models.Provider `json:"provider"`
	Content          string          `json:"content"`
	FinishReason     string          `json:"finish_reason,omitempty"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	CostUSD          float64         `json:"cost_usd"`
}

// Registry owns one adapter per provider, built once at startup, and prices
// every completion from the static pricing table
type Registry struct {
	providers map[models.Provider]Provider
	prices    *pricing.Registry
}

// NewRegistry creates every provider adapter over one shared HTTP client
func NewRegistry(cfg *config.Config, prices *pricing.Registry) *Registry {
	httpClient := &http.Client{
		Timeout: 60 * time.Second,
	}
	if cfg.ProviderTimeout > 0 && cfg.ProviderTimeout*2 > httpClient.Timeout {
		httpClient.Timeout = cfg.ProviderTimeout * 2
	}

	return NewRegistryWith(prices,
		NewOpenAIProvider(cfg.OpenAIBaseURL, httpClient),
		NewAnthropicProvider(cfg.AnthropicBaseURL, httpClient),
		NewGeminiProvider(cfg.GeminiBaseURL, httpClient),
		NewMistralProvider(cfg.MistralBaseURL, httpClient),
	)
}

// NewRegistryWith builds a registry from explicit adapters
func NewRegistryWith(prices *pricing.Registry, adapters ...Provider) *Registry {
	r := &Registry{
		providers: make(map[models.Provider]Provider, len(adapters)),
		prices:    prices,
	}
	for _, a := range adapters {
		r.providers[a.Name()] = a
	}
	return r
}

// Price returns the pricing entry for a model, failing with unknown_model
func (r *Registry) Price(model string) (pricing.Entry, error) {
	return r.prices.Lookup(model)
}

// CreateCompletion sends req to the provider that owns req.Model using apiKey
func (r *Registry) CreateCompletion(ctx context.Context, apiKey string, req ChatRequest) (*Completion, error) {
	entry, err := r.prices.Lookup(req.Model)
	if err != nil {
		return nil, err
	}

	provider, ok := r.providers[entry.Provider]
	if !ok {
		return nil, errs.Wrap(errs.KindProviderUnavailable, fmt.Sprintf("provider %s is not configured", entry.Provider), ErrProviderUnavailable)
	}

	resp, err := provider.ChatCompletion(ctx, apiKey, req)
	if err != nil {
		return nil, classifyError(entry.Provider, err)
	}

	return &Completion{
		ID:               resp.ID,
		Model:            req.Model,
		Provider:         entry.Provider,
		Content:          resp.Content,
		FinishReason:     resp.FinishReason,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostUSD:          entry.Cost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}, nil
}

// classifyError maps a raw provider failure onto a stable kind. The raw
// error stays reachable through Unwrap for logging.
func classifyError(provider models.Provider, err error) error {
	if isUnavailable(err) {
		return errs.Wrap(errs.KindProviderUnavailable, fmt.Sprintf("%s is unavailable", provider), err)
	}
	return errs.Wrap(errs.KindProviderError, fmt.Sprintf("%s returned an error", provider), err)
}

// isUnavailable reports timeouts, transport failures, rate limits and 5xx
func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return retryableStatus(statusErr.StatusCode)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "status 5")
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
