package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 4096
)

// AnthropicProvider handles Anthropic Claude API requests
type AnthropicProvider struct {
	baseURL    string
	httpClient *http.Client
}

// AnthropicRequest represents a request to Anthropic's Messages API
type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	System      string             `json:"system,omitempty"`
}

// AnthropicMessage represents a message in Anthropic format
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicResponse represents a response from Anthropic's API
type AnthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []AnthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      AnthropicUsage          `json:"usage"`
}

// AnthropicContentBlock represents a content block
type AnthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AnthropicUsage represents token usage
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(baseURL string, httpClient *http.Client) *AnthropicProvider {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() models.Provider {
	return models.ProviderAnthropic
}

// ChatCompletion makes a chat completion request to Anthropic
func (p *AnthropicProvider) ChatCompletion(ctx context.Context, apiKey string, req ChatRequest) (*ChatResponse, error) {
	reqBody, err := json.Marshal(p.convertRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Anthropic API error: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: models.ProviderAnthropic, StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	var anthropicResp AnthropicResponse
	if err := json.Unmarshal(respBody, &anthropicResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return p.convertResponse(anthropicResp), nil
}

// convertRequest converts to Anthropic format. System messages move to the
// top-level system field; several are joined in order.
func (p *AnthropicProvider) convertRequest(req ChatRequest) AnthropicRequest {
	anthropicReq := AnthropicRequest{
		Model:       req.Model,
		Messages:    []AnthropicMessage{},
		MaxTokens:   anthropicMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		anthropicReq.MaxTokens = *req.MaxTokens
	}

	var system []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			system = append(system, msg.Content)
			continue
		}
		anthropicReq.Messages = append(anthropicReq.Messages, AnthropicMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	anthropicReq.System = strings.Join(system, "\n\n")

	return anthropicReq
}

// convertResponse converts Anthropic response to standard format
func (p *AnthropicProvider) convertResponse(resp AnthropicResponse) *ChatResponse {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	out := &ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content.String(),
		FinishReason: resp.StopReason,
	}
	out.Usage.PromptTokens = resp.Usage.InputTokens
	out.Usage.CompletionTokens = resp.Usage.OutputTokens
	out.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
	return out
}
