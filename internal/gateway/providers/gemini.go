package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// GeminiProvider handles Google Gemini API requests
type GeminiProvider struct {
	baseURL    string
	httpClient *http.Client
}

// GeminiRequest represents a request to Gemini's API
type GeminiRequest struct {
	Contents          []GeminiContent         `json:"contents"`
	SystemInstruction *GeminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

// GeminiContent represents content in Gemini format
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart represents a part of the content
type GeminiPart struct {
	Text string `json:"text"`
}

// GeminiGenerationConfig represents generation parameters
type GeminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

// GeminiResponse represents a response from Gemini API
type GeminiResponse struct {
	Candidates    []GeminiCandidate `json:"candidates"`
	UsageMetadata GeminiUsage       `json:"usageMetadata"`
	ModelVersion  string            `json:"modelVersion"`
	ResponseID    string            `json:"responseId"`
}

// GeminiCandidate represents a candidate response
type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
	Index        int           `json:"index"`
}

// GeminiUsage represents token usage
type GeminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(baseURL string, httpClient *http.Client) *GeminiProvider {
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Name returns the provider name
func (p *GeminiProvider) Name() models.Provider {
	return models.ProviderGoogle
}

// ChatCompletion makes a chat completion request to Gemini
func (p *GeminiProvider) ChatCompletion(ctx context.Context, apiKey string, req ChatRequest) (*ChatResponse, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, url.PathEscape(req.Model))

	reqBody, err := json.Marshal(p.convertRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Gemini API error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: models.ProviderGoogle, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var geminiResp GeminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return p.convertResponse(geminiResp, req.Model), nil
}

// convertRequest converts to Gemini format. System messages become the
// systemInstruction; assistant turns use the "model" role.
func (p *GeminiProvider) convertRequest(req ChatRequest) GeminiRequest {
	geminiReq := GeminiRequest{
		Contents: make([]GeminiContent, 0, len(req.Messages)),
	}

	var system []GeminiPart
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, GeminiPart{Text: msg.Content})
			continue
		case "assistant":
			geminiReq.Contents = append(geminiReq.Contents, GeminiContent{Role: "model", Parts: []GeminiPart{{Text: msg.Content}}})
		default:
			geminiReq.Contents = append(geminiReq.Contents, GeminiContent{Role: "user", Parts: []GeminiPart{{Text: msg.Content}}})
		}
	}
	if len(system) > 0 {
		geminiReq.SystemInstruction = &GeminiContent{Parts: system}
	}

	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil {
		geminiReq.GenerationConfig = &GeminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	return geminiReq
}

// convertResponse converts Gemini response to standard format
func (p *GeminiProvider) convertResponse(resp GeminiResponse, model string) *ChatResponse {
	out := &ChatResponse{
		ID:    resp.ResponseID,
		Model: model,
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}

	if len(resp.Candidates) > 0 {
		var content strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			content.WriteString(part.Text)
		}
		out.Content = content.String()
		out.FinishReason = strings.ToLower(resp.Candidates[0].FinishReason)
	}

	out.Usage.PromptTokens = resp.UsageMetadata.PromptTokenCount
	out.Usage.CompletionTokens = resp.UsageMetadata.CandidatesTokenCount
	out.Usage.TotalTokens = resp.UsageMetadata.TotalTokenCount
	if out.Usage.TotalTokens == 0 {
		out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
	}
	return out
}
