package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mrmushfiq/llm0-gates/internal/gateway/pricing"
	"github.com/mrmushfiq/llm0-gates/internal/shared/errs"
	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatMessages() []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
		{Role: "user", Content: "how are you?"},
	}
}

func TestOpenAIKeepsSystemInline(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-tenant", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"fine"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, srv.Client())
	maxTokens := 64
	resp, err := p.ChatCompletion(context.Background(), "sk-tenant", ChatRequest{
		Model:     "gpt-4o-mini",
		Messages:  chatMessages(),
		MaxTokens: &maxTokens,
	})
	require.NoError(t, err)

	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, 64, got.MaxTokens)
	assert.Equal(t, "fine", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestOpenAIClientsAreMemoizedPerCredential(t *testing.T) {
	p := NewOpenAIProvider("http://localhost", nil)

	a := p.client("sk-a")
	assert.Same(t, a, p.client("sk-a"))
	assert.NotSame(t, a, p.client("sk-b"))
}

func TestMistralUsesOpenAIWireFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"m-1","model":"mistral-small-latest",
			"choices":[{"index":0,"message":{"role":"assistant","content":"bonjour"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	}))
	defer srv.Close()

	p := NewMistralProvider(srv.URL, srv.Client())
	assert.Equal(t, models.ProviderMistral, p.Name())

	resp, err := p.ChatCompletion(context.Background(), "mk", ChatRequest{Model: "mistral-small-latest", Messages: chatMessages()})
	require.NoError(t, err)
	assert.Equal(t, "bonjour", resp.Content)
}

func TestAnthropicSeparatesSystemPrompt(t *testing.T) {
	var got AnthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-haiku-4-5-20251001",
			"content":[{"type":"text","text":"doing "},{"type":"text","text":"well"}],
			"stop_reason":"end_turn","usage":{"input_tokens":20,"output_tokens":4}}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider(srv.URL, srv.Client())
	resp, err := p.ChatCompletion(context.Background(), "sk-ant", ChatRequest{Model: "claude-haiku-4-5-20251001", Messages: chatMessages()})
	require.NoError(t, err)

	assert.Equal(t, "be brief", got.System)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, anthropicMaxTokens, got.MaxTokens)

	assert.Equal(t, "doing well", resp.Content)
	assert.Equal(t, 20, resp.Usage.PromptTokens)
	assert.Equal(t, 4, resp.Usage.CompletionTokens)
	assert.Equal(t, 24, resp.Usage.TotalTokens)
}

func TestGeminiUsesSystemInstruction(t *testing.T) {
	var got GeminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]},"finishReason":"STOP","index":0}],
			"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":1,"totalTokenCount":10}}`)
	}))
	defer srv.Close()

	p := NewGeminiProvider(srv.URL, srv.Client())
	temp := float32(0.1)
	resp, err := p.ChatCompletion(context.Background(), "g-key", ChatRequest{Model: "gemini-2.5-flash", Messages: chatMessages(), Temperature: &temp})
	require.NoError(t, err)

	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, "be brief", got.SystemInstruction.Parts[0].Text)
	require.Len(t, got.Contents, 3)
	assert.Equal(t, "model", got.Contents[1].Role)
	require.NotNil(t, got.GenerationConfig)
	assert.InDelta(t, 0.1, *got.GenerationConfig.Temperature, 1e-6)

	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

type stubProvider struct {
	name models.Provider
	resp *ChatResponse
	err  error
}

func (s *stubProvider) Name() models.Provider { return s.name }

func (s *stubProvider) ChatCompletion(ctx context.Context, apiKey string, req ChatRequest) (*ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func TestRegistryPricesCompletion(t *testing.T) {
	stub := &stubProvider{name: models.ProviderAnthropic, resp: &ChatResponse{
		Content: "hi",
		Usage:   openai.Usage{PromptTokens: 1000, CompletionTokens: 2000, TotalTokens: 3000},
	}}
	r := NewRegistryWith(pricing.Default(), stub)

	c, err := r.CreateCompletion(context.Background(), "k", ChatRequest{Model: "claude-sonnet-4-5-20250929"})
	require.NoError(t, err)

	assert.Equal(t, models.ProviderAnthropic, c.Provider)
	assert.InDelta(t, 0.003+0.030, c.CostUSD, 1e-12)
	assert.Equal(t, 3000, c.TotalTokens)
}

func TestRegistryUnknownModelIsNotPricedAsZero(t *testing.T) {
	r := NewRegistryWith(pricing.Default(), &stubProvider{name: models.ProviderOpenAI, resp: &ChatResponse{}})

	_, err := r.CreateCompletion(context.Background(), "k", ChatRequest{Model: "gpt-unknown"})
	assert.Equal(t, errs.KindUnknownModel, errs.KindOf(err))
}

func TestRegistryClassifiesFailures(t *testing.T) {
	cases := []struct {
		err  error
		want errs.Kind
	}{
		{&StatusError{Provider: models.ProviderGoogle, StatusCode: 503}, errs.KindProviderUnavailable},
		{&StatusError{Provider: models.ProviderGoogle, StatusCode: 429}, errs.KindProviderUnavailable},
		{&StatusError{Provider: models.ProviderGoogle, StatusCode: 400}, errs.KindProviderError},
		{context.DeadlineExceeded, errs.KindProviderUnavailable},
		{&openai.APIError{HTTPStatusCode: 401, Message: "bad key"}, errs.KindProviderError},
	}
	for _, tc := range cases {
		r := NewRegistryWith(pricing.Default(), &stubProvider{name: models.ProviderGoogle, err: tc.err})
		_, err := r.CreateCompletion(context.Background(), "k", ChatRequest{Model: "gemini-2.5-pro"})
		assert.Equal(t, tc.want, errs.KindOf(err), "%v", tc.err)
		assert.ErrorIs(t, err, tc.err)
	}
}

func TestRegistryMissingAdapterIsUnavailable(t *testing.T) {
	r := NewRegistryWith(pricing.Default())

	_, err := r.CreateCompletion(context.Background(), "k", ChatRequest{Model: "gpt-4o"})
	assert.Equal(t, errs.KindProviderUnavailable, errs.KindOf(err))
}
