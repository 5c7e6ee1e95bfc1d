package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/router"
	"github.com/mrmushfiq/llm0-gates/internal/shared/errs"
	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 20

type Completions interface {
	HandleCompletion(ctx context.Context, gateName, tenantID string, messages []openai.ChatCompletionMessage, overrides *router.Overrides) (*router.Result, error)
	TestGate(ctx context.Context, gateName, tenantID string, messages []openai.ChatCompletionMessage) (*router.Result, error)
}

type KeyRegistry interface {
	Register(ctx context.Context, tenantID string, provider models.Provider, plaintext string) (*models.ProviderKeyRecord, error)
	Revoke(ctx context.Context, tenantID string, provider models.Provider) (bool, error)
}

type GateCache interface {
	Invalidate(ctx context.Context, tenantID, name string)
	InvalidateTenant(ctx context.Context, tenantID string)
}

type GateHandler struct {
	router Completions
	keys   KeyRegistry
	gates  GateCache
	log    *zap.Logger
}

func NewGateHandler(r Completions, keys KeyRegistry, gates GateCache, log *zap.Logger) *GateHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &GateHandler{router: r, keys: keys, gates: gates, log: log.Named("http")}
}

// CompletionRequest is the body of POST /v1/gates/{gate}/completions
type CompletionRequest struct {
	Messages []openai.ChatCompletionMessage `json:"messages"`
	router.Overrides
}

type CompletionResponse struct {
	ID           string                        `json:"id"`
	Object       string                        `json:"object"`
	Model        string                        `json:"model"`
	Provider     models.Provider               `json:"provider"`
	Gate         string                        `json:"gate"`
	Choices      []openai.ChatCompletionChoice `json:"choices"`
	Usage        openai.Usage                  `json:"usage"`
	CostUSD      float64                       `json:"cost_usd"`
	FailoverUsed bool                          `json:"failover_used"`
	Attempts     int                           `json:"attempts"`
	Spend        *SpendSummary                 `json:"spend,omitempty"`
}

type SpendSummary struct {
	Total    float64 `json:"total_usd"`
	Exceeded bool    `json:"exceeded"`
}

// TestReport is the body returned by the test endpoint
type TestReport struct {
	Success   bool                       `json:"success"`
	Model     string                     `json:"model,omitempty"`
	Content   string                     `json:"content,omitempty"`
	CostUSD   float64                    `json:"cost_usd"`
	LatencyMs int64                      `json:"latency_ms"`
	Attempts  []models.CompletionAttempt `json:"attempts"`
	Error     *ErrorBody                 `json:"error,omitempty"`
}

type ErrorBody struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

// HandleCompletion handles POST /v1/gates/{gate}/completions
func (h *GateHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	apiKey, ok := APIKeyFrom(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, errs.KindUnauthorized, "unauthorized")
		return
	}

	var req CompletionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errs.KindInvalidRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, errs.KindInvalidRequest, "messages must not be empty")
		return
	}

	gateName := chi.URLParam(r, "gate")
	res, err := h.router.HandleCompletion(ctx, gateName, apiKey.TenantID, req.Messages, &req.Overrides)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	c := res.Completion
	resp := CompletionResponse{
		ID:       res.RequestID,
		Object:   "chat.completion",
		Model:    c.Model,
		Provider: c.Provider,
		Gate:     gateName,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: c.Content},
			FinishReason: openai.FinishReason(c.FinishReason),
		}},
		Usage: openai.Usage{
			PromptTokens:     c.PromptTokens,
			CompletionTokens: c.CompletionTokens,
			TotalTokens:      c.TotalTokens,
		},
		CostUSD:      c.CostUSD,
		FailoverUsed: res.FailoverUsed,
		Attempts:     len(res.Attempts),
	}
	if res.Spend.Known {
		resp.Spend = &SpendSummary{Total: res.Spend.NewSpending, Exceeded: res.Spend.Exceeded}
	}

	w.Header().Set("X-Request-Id", res.RequestID)
	w.Header().Set("X-Cost-USD", fmt.Sprintf("%.6f", c.CostUSD))
	w.Header().Set("X-Provider", string(c.Provider))
	w.Header().Set("X-Latency-Ms", fmt.Sprintf("%d", res.LatencyMs))
	if res.FailoverUsed {
		w.Header().Set("X-Failover", "true")
	}
	if res.Spend.Exceeded {
		w.Header().Set("X-Spend-Limit-Exceeded", "true")
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleTestGate handles POST /v1/gates/{gate}/test. The body is optional.
// The report is returned with 200 whether or not a candidate succeeded;
// only failures before any attempt use an error status.
func (h *GateHandler) HandleTestGate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	apiKey, ok := APIKeyFrom(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, errs.KindUnauthorized, "unauthorized")
		return
	}

	var req CompletionRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, errs.KindInvalidRequest, "invalid request body")
			return
		}
	}

	res, err := h.router.TestGate(ctx, chi.URLParam(r, "gate"), apiKey.TenantID, req.Messages)

	var failed *router.AllProvidersFailedError
	if err != nil && !errors.As(err, &failed) {
		h.fail(w, r, err)
		return
	}

	report := TestReport{
		Success:   err == nil,
		LatencyMs: res.LatencyMs,
		Attempts:  res.Attempts,
	}
	if res.Completion != nil {
		report.Model = res.Completion.Model
		report.Content = res.Completion.Content
		report.CostUSD = res.Completion.CostUSD
	}
	if err != nil {
		report.Error = &ErrorBody{Kind: errs.KindOf(err), Message: errs.MessageOf(err)}
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleInvalidateGate handles DELETE /v1/gates/{gate}/cache, called after
// a gate is edited
func (h *GateHandler) HandleInvalidateGate(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := APIKeyFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errs.KindUnauthorized, "unauthorized")
		return
	}
	h.gates.Invalidate(r.Context(), apiKey.TenantID, chi.URLParam(r, "gate"))
	w.WriteHeader(http.StatusNoContent)
}

// HandleInvalidateGates handles DELETE /v1/gates/cache
func (h *GateHandler) HandleInvalidateGates(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := APIKeyFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errs.KindUnauthorized, "unauthorized")
		return
	}
	h.gates.InvalidateTenant(r.Context(), apiKey.TenantID)
	w.WriteHeader(http.StatusNoContent)
}

type providerKeyRequest struct {
	APIKey string `json:"api_key"`
}

type providerKeyResponse struct {
	ID        string          `json:"id"`
	Provider  models.Provider `json:"provider"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
}

// HandlePutProviderKey handles PUT /v1/provider-keys/{provider}
func (h *GateHandler) HandlePutProviderKey(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := APIKeyFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errs.KindUnauthorized, "unauthorized")
		return
	}

	var req providerKeyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errs.KindInvalidRequest, "invalid request body")
		return
	}

	rec, err := h.keys.Register(r.Context(), apiKey.TenantID, models.Provider(chi.URLParam(r, "provider")), req.APIKey)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, providerKeyResponse{
		ID:        rec.ID,
		Provider:  rec.Provider,
		IsActive:  rec.IsActive,
		CreatedAt: rec.CreatedAt,
	})
}

// HandleDeleteProviderKey handles DELETE /v1/provider-keys/{provider}
func (h *GateHandler) HandleDeleteProviderKey(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := APIKeyFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errs.KindUnauthorized, "unauthorized")
		return
	}

	revoked, err := h.keys.Revoke(r.Context(), apiKey.TenantID, models.Provider(chi.URLParam(r, "provider")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !revoked {
		writeError(w, http.StatusNotFound, errs.KindNotFound, "no provider key to revoke")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail logs the full error and returns only its kind and message
func (h *GateHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	writeError(w, status, kind, errs.MessageOf(err))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind errs.Kind, message string) {
	writeJSON(w, status, map[string]ErrorBody{"error": {Kind: kind, Message: message}})
}
