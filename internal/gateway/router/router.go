// Package router drives a completion request through a gate's candidate
// models until one succeeds.
//
// A request is admitted by the spending guard, then each candidate is
// tried in order: its credential is resolved, the provider is called under
// a per-attempt timeout, and the outcome is recorded as an attempt. The
// first success ends the chain and is charged once. Credential and provider
// failures move on to the next candidate; running out of candidates fails
// with *AllProvidersFailedError.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/keys"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/metrics"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/pricing"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/spending"
	"github.com/mrmushfiq/llm0-gates/internal/shared/errs"
	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const DefaultAttemptTimeout = 30 * time.Second

var (
	ErrAllProvidersFailed    = errs.New(errs.KindAllProvidersFailed, "all providers failed")
	ErrSpendingLimitExceeded = errs.New(errs.KindSpendingLimitExceeded, "spending limit exceeded")
)

type GateSource interface {
	Get(ctx context.Context, tenantID, name string) (*models.Gate, error)
}

type SpendGuard interface {
	CheckBeforeRequest(ctx context.Context, gateID string) spending.Admission
	TrackSpending(ctx context.Context, gateID string, cost float64) spending.TrackResult
}

type KeySource interface {
	Resolve(ctx context.Context, provider models.Provider, tenantID, platformKey string) (keys.Credential, error)
}

type Completer interface {
	Price(model string) (pricing.Entry, error)
	CreateCompletion(ctx context.Context, apiKey string, req providers.ChatRequest) (*providers.Completion, error)
}

type Recorder interface {
	Record(entry *models.GatewayLog)
}

// AllProvidersFailedError is returned when every candidate failed. It
// carries each attempt's outcome.
type AllProvidersFailedError struct {
	Attempts []models.CompletionAttempt
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed after %d attempts", len(e.Attempts))
}

func (e *AllProvidersFailedError) Unwrap() error { return ErrAllProvidersFailed }

// Overrides replace the gate's sampling parameters for one request
type Overrides struct {
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
}

// Result describes a routed request. On failure it still carries the
// attempts made.
type Result struct {
	RequestID    string                     `json:"request_id"`
	GateID       string                     `json:"gate_id"`
	Completion   *providers.Completion      `json:"completion,omitempty"`
	Attempts     []models.CompletionAttempt `json:"attempts"`
	FailoverUsed bool                       `json:"failover_used"`
	Spend        spending.TrackResult       `json:"-"`
	LatencyMs    int64                      `json:"latency_ms"`
}

type Config struct {
	PlatformKeys   map[models.Provider]string
	AttemptTimeout time.Duration
	Charge         ChargePolicy
}

type Router struct {
	gates     GateSource
	guard     SpendGuard
	keys      KeySource
	completer Completer
	rotation  *Rotation
	recorder  Recorder
	metrics   *metrics.Metrics
	cfg       Config
	log       *zap.Logger
}

func New(gates GateSource, guard SpendGuard, keySource KeySource, completer Completer, rotation *Rotation, recorder Recorder, m *metrics.Metrics, cfg Config, log *zap.Logger) *Router {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.Charge == nil {
		cfg.Charge = ChargeWinnerOnly
	}
	if rotation == nil {
		rotation = NewRotation(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		gates:     gates,
		guard:     guard,
		keys:      keySource,
		completer: completer,
		rotation:  rotation,
		recorder:  recorder,
		metrics:   m,
		cfg:       cfg,
		log:       log.Named("router"),
	}
}

// HandleCompletion routes messages through the tenant's gate
func (r *Router) HandleCompletion(ctx context.Context, gateName, tenantID string, messages []openai.ChatCompletionMessage, overrides *Overrides) (*Result, error) {
	return r.route(ctx, gateName, tenantID, messages, overrides)
}

// TestGate runs the gate's chain like a normal request, spend included. The
// returned result always lists every attempt so callers can report
// per-candidate latency and outcome.
func (r *Router) TestGate(ctx context.Context, gateName, tenantID string, messages []openai.ChatCompletionMessage) (*Result, error) {
	if len(messages) == 0 {
		messages = []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "Reply with the single word: ok"}}
	}
	return r.route(ctx, gateName, tenantID, messages, nil)
}

func (r *Router) route(ctx context.Context, gateName, tenantID string, messages []openai.ChatCompletionMessage, overrides *Overrides) (*Result, error) {
	started := time.Now()
	res := &Result{RequestID: uuid.NewString(), Attempts: []models.CompletionAttempt{}}

	if len(messages) == 0 {
		return res, errs.New(errs.KindInvalidRequest, "messages must not be empty")
	}

	gate, err := r.gates.Get(ctx, tenantID, gateName)
	if err != nil {
		return res, err
	}
	res.GateID = gate.ID

	entry := &models.GatewayLog{
		RequestID: res.RequestID,
		TenantID:  tenantID,
		GateID:    &gate.ID,
		GateName:  gate.Name,
	}
	defer func() {
		res.LatencyMs = time.Since(started).Milliseconds()
		entry.LatencyMs = int(res.LatencyMs)
		entry.AttemptCount = len(res.Attempts)
		r.record(entry, err)
	}()

	adm := r.guard.CheckBeforeRequest(ctx, gate.ID)
	if !adm.Allowed {
		r.log.Info("request refused by spending limit", zap.String("gate_id", gate.ID), zap.String("reason", adm.Reason))
		err = errs.Wrap(errs.KindSpendingLimitExceeded, adm.Reason, ErrSpendingLimitExceeded)
		return res, err
	}

	start := uint64(0)
	if gate.RoutingStrategy == models.StrategyRoundRobin {
		start = r.rotation.Next(ctx, gate.ID)
	}
	candidates := Candidates(gate, start)
	if len(candidates) == 0 {
		err = errs.New(errs.KindInvalidRequest, fmt.Sprintf("gate %q has no models", gate.Name))
		return res, err
	}

	prices := make([]pricing.Entry, len(candidates))
	for i, model := range candidates {
		if prices[i], err = r.completer.Price(model); err != nil {
			r.log.Error("gate references an unpriced model", zap.String("gate_id", gate.ID), zap.String("model", model))
			return res, err
		}
	}

	var winner *models.CompletionAttempt
	for i := range candidates {
		if ctx.Err() != nil {
			break
		}

		attempt, completion := r.attempt(ctx, gate, tenantID, prices[i], messages, overrides)
		res.Attempts = append(res.Attempts, attempt)
		if completion != nil {
			res.Completion = completion
			res.FailoverUsed = i > 0
			winner = &res.Attempts[len(res.Attempts)-1]
			break
		}
	}

	entry.Model = candidates[0]
	if winner == nil {
		err = &AllProvidersFailedError{Attempts: res.Attempts}
		return res, err
	}

	entry.Model = winner.Model
	entry.Provider = string(winner.Provider)
	entry.PromptTokens = winner.PromptTokens
	entry.CompletionTokens = winner.CompletionTokens
	entry.TotalTokens = winner.TotalTokens
	entry.FailoverUsed = res.FailoverUsed
	if res.FailoverUsed {
		entry.OriginalModel = &candidates[0]
	}

	charge := r.cfg.Charge(*winner, res.Attempts)
	entry.CostUSD = charge
	res.Spend = r.guard.TrackSpending(context.WithoutCancel(ctx), gate.ID, charge)
	if res.Spend.Blocked {
		r.log.Warn("completion finished after gate reached its hard limit",
			zap.String("gate_id", gate.ID),
			zap.Float64("spent_usd", res.Spend.NewSpending),
		)
	}

	return res, nil
}

// attempt tries one candidate. A nil completion means the attempt failed.
func (r *Router) attempt(ctx context.Context, gate *models.Gate, tenantID string, price pricing.Entry, messages []openai.ChatCompletionMessage, overrides *Overrides) (models.CompletionAttempt, *providers.Completion) {
	attempt := models.CompletionAttempt{Model: price.Model, Provider: price.Provider}

	cred, err := r.keys.Resolve(ctx, price.Provider, tenantID, r.cfg.PlatformKeys[price.Provider])
	if err != nil {
		attempt.ErrorKind = string(errs.KindOf(err))
		attempt.Error = errs.MessageOf(err)
		r.metrics.ObserveAttempt(string(price.Provider), price.Model, metrics.OutcomeNoKey, 0)
		r.log.Debug("no credential for candidate", zap.String("model", price.Model), zap.String("provider", string(price.Provider)))
		return attempt, nil
	}
	attempt.KeySource = string(cred.Source)

	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()

	started := time.Now()
	completion, err := r.completer.CreateCompletion(attemptCtx, cred.APIKey, buildRequest(gate, price.Model, messages, overrides))
	attempt.Latency = time.Since(started)
	attempt.LatencyMs = attempt.Latency.Milliseconds()

	if err != nil {
		kind := errs.KindOf(err)
		attempt.ErrorKind = string(kind)
		attempt.Error = errs.MessageOf(err)

		outcome := metrics.OutcomeError
		if kind == errs.KindProviderUnavailable {
			outcome = metrics.OutcomeUnavailable
		}
		r.metrics.ObserveAttempt(string(price.Provider), price.Model, outcome, attempt.Latency)
		r.log.Warn("provider attempt failed",
			zap.String("gate_id", gate.ID),
			zap.String("model", price.Model),
			zap.String("provider", string(price.Provider)),
			zap.String("kind", attempt.ErrorKind),
			zap.Duration("latency", attempt.Latency),
			zap.Error(err),
		)
		return attempt, nil
	}

	attempt.Success = true
	attempt.PromptTokens = completion.PromptTokens
	attempt.CompletionTokens = completion.CompletionTokens
	attempt.TotalTokens = completion.TotalTokens
	attempt.CostUSD = completion.CostUSD
	r.metrics.ObserveAttempt(string(price.Provider), price.Model, metrics.OutcomeSuccess, attempt.Latency)
	return attempt, completion
}

func buildRequest(gate *models.Gate, model string, messages []openai.ChatCompletionMessage, overrides *Overrides) providers.ChatRequest {
	req := providers.ChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: gate.Temperature,
		MaxTokens:   gate.MaxTokens,
		TopP:        gate.TopP,
	}
	if overrides != nil {
		if overrides.Temperature != nil {
			req.Temperature = overrides.Temperature
		}
		if overrides.MaxTokens != nil {
			req.MaxTokens = overrides.MaxTokens
		}
		if overrides.TopP != nil {
			req.TopP = overrides.TopP
		}
	}
	return req
}

func (r *Router) record(entry *models.GatewayLog, err error) {
	if r.recorder == nil {
		return
	}
	entry.StatusCode = 200
	if err != nil {
		kind := string(errs.KindOf(err))
		msg := errs.MessageOf(err)
		entry.StatusCode = errs.HTTPStatus(errs.KindOf(err))
		entry.ErrorKind = &kind
		entry.ErrorMessage = &msg
	}
	r.recorder.Record(entry)
}
