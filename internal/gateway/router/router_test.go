package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/keys"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/pricing"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/spending"
	"github.com/mrmushfiq/llm0-gates/internal/shared/errs"
	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
	"github.com/mrmushfiq/llm0-gates/internal/shared/redis"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type gateMap map[string]*models.Gate

func (g gateMap) Get(ctx context.Context, tenantID, name string) (*models.Gate, error) {
	gate, ok := g[tenantID+"/"+name]
	if !ok {
		return nil, errs.New(errs.KindGateNotFound, "gate not found")
	}
	return gate, nil
}

type guardStub struct {
	mu     sync.Mutex
	deny   bool
	tracks []float64
}

func (s *guardStub) CheckBeforeRequest(ctx context.Context, gateID string) spending.Admission {
	if s.deny {
		return spending.Admission{Allowed: false, Reason: "spending limit of $10.00 reached", Known: true}
	}
	return spending.Admission{Allowed: true, Known: true}
}

func (s *guardStub) TrackSpending(ctx context.Context, gateID string, cost float64) spending.TrackResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, cost)
	return spending.TrackResult{NewSpending: cost, Known: true}
}

type keyStub map[models.Provider]string

func (k keyStub) Resolve(ctx context.Context, provider models.Provider, tenantID, platformKey string) (keys.Credential, error) {
	if key, ok := k[provider]; ok {
		return keys.Credential{APIKey: key, Source: keys.SourceTenant}, nil
	}
	if platformKey != "" {
		return keys.Credential{APIKey: platformKey, Source: keys.SourcePlatform}, nil
	}
	return keys.Credential{}, keys.ErrNoKeyAvailable
}

type behavior func(ctx context.Context) error

type completerStub struct {
	prices    *pricing.Registry
	behaviors map[string]behavior

	mu       sync.Mutex
	calls    []string
	requests []providers.ChatRequest
}

func newCompleter(behaviors map[string]behavior) *completerStub {
	return &completerStub{prices: pricing.Default(), behaviors: behaviors}
}

func (c *completerStub) Price(model string) (pricing.Entry, error) {
	return c.prices.Lookup(model)
}

func (c *completerStub) CreateCompletion(ctx context.Context, apiKey string, req providers.ChatRequest) (*providers.Completion, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req.Model)
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if b, ok := c.behaviors[req.Model]; ok {
		if err := b(ctx); err != nil {
			return nil, err
		}
	}

	entry, err := c.prices.Lookup(req.Model)
	if err != nil {
		return nil, err
	}
	return &providers.Completion{
		Model:            req.Model,
		Provider:         entry.Provider,
		Content:          "ok from " + req.Model,
		PromptTokens:     1000,
		CompletionTokens: 1000,
		TotalTokens:      2000,
		CostUSD:          entry.Cost(1000, 1000),
	}, nil
}

func (c *completerStub) called() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func unavailable(ctx context.Context) error {
	return errs.Wrap(errs.KindProviderUnavailable, "openai is unavailable", errors.New("status 503"))
}

func hang(ctx context.Context) error {
	<-ctx.Done()
	return errs.Wrap(errs.KindProviderUnavailable, "anthropic is unavailable", ctx.Err())
}

type recorderStub struct {
	mu      sync.Mutex
	entries []*models.GatewayLog
}

func (r *recorderStub) Record(entry *models.GatewayLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *recorderStub) last() *models.GatewayLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[len(r.entries)-1]
}

type fixture struct {
	router    *Router
	guard     *guardStub
	completer *completerStub
	recorder  *recorderStub
}

func newFixture(t *testing.T, gate *models.Gate, keyset keyStub, behaviors map[string]behavior, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		guard:     &guardStub{},
		completer: newCompleter(behaviors),
		recorder:  &recorderStub{},
	}
	f.router = New(gateMap{gate.TenantID + "/" + gate.Name: gate}, f.guard, keyset, f.completer, nil, f.recorder, nil, cfg, zaptest.NewLogger(t))
	return f
}

func userMessages() []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}}
}

func allKeys() keyStub {
	return keyStub{
		models.ProviderOpenAI:    "sk-openai",
		models.ProviderAnthropic: "sk-ant",
		models.ProviderGoogle:    "g-key",
		models.ProviderMistral:   "m-key",
	}
}

func fallbackGate() *models.Gate {
	return &models.Gate{
		ID:              "gate-1",
		TenantID:        "t1",
		Name:            "prod",
		PrimaryModel:    "gpt-4o",
		FallbackModels:  []string{"claude-haiku-4-5-20251001"},
		RoutingStrategy: models.StrategyFallback,
	}
}

func TestFallbackChargesWinnerOnce(t *testing.T) {
	f := newFixture(t, fallbackGate(), allKeys(), map[string]behavior{"gpt-4o": unavailable}, Config{})

	res, err := f.router.HandleCompletion(context.Background(), "prod", "t1", userMessages(), nil)
	require.NoError(t, err)

	assert.Equal(t, "claude-haiku-4-5-20251001", res.Completion.Model)
	assert.True(t, res.FailoverUsed)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, string(errs.KindProviderUnavailable), res.Attempts[0].ErrorKind)
	assert.True(t, res.Attempts[1].Success)

	// haiku: 1k input at 0.001 + 1k output at 0.005
	require.Len(t, f.guard.tracks, 1)
	assert.InDelta(t, 0.006, f.guard.tracks[0], 1e-12)

	entry := f.recorder.last()
	assert.Equal(t, 200, entry.StatusCode)
	assert.Equal(t, "claude-haiku-4-5-20251001", entry.Model)
	require.NotNil(t, entry.OriginalModel)
	assert.Equal(t, "gpt-4o", *entry.OriginalModel)
	assert.Equal(t, 2, entry.AttemptCount)
}

func TestSingleStrategyIgnoresFallbacks(t *testing.T) {
	gate := fallbackGate()
	gate.RoutingStrategy = models.StrategySingle
	f := newFixture(t, gate, allKeys(), map[string]behavior{"gpt-4o": unavailable}, Config{})

	res, err := f.router.HandleCompletion(context.Background(), "prod", "t1", userMessages(), nil)

	var failed *AllProvidersFailedError
	require.ErrorAs(t, err, &failed)
	assert.Len(t, failed.Attempts, 1)
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, errs.KindAllProvidersFailed, errs.KindOf(err))
	assert.Equal(t, []string{"gpt-4o"}, f.completer.called())
	assert.Empty(t, f.guard.tracks)
	assert.Nil(t, res.Completion)

	entry := f.recorder.last()
	assert.Equal(t, 502, entry.StatusCode)
	require.NotNil(t, entry.ErrorKind)
	assert.Equal(t, string(errs.KindAllProvidersFailed), *entry.ErrorKind)
}

func TestHardLimitSkipsProviders(t *testing.T) {
	f := newFixture(t, fallbackGate(), allKeys(), nil, Config{})
	f.guard.deny = true

	_, err := f.router.HandleCompletion(context.Background(), "prod", "t1", userMessages(), nil)

	assert.Equal(t, errs.KindSpendingLimitExceeded, errs.KindOf(err))
	assert.Contains(t, errs.MessageOf(err), "spending limit")
	assert.Empty(t, f.completer.called())
	assert.Empty(t, f.guard.tracks)
	assert.Equal(t, 402, f.recorder.last().StatusCode)
}

func TestRoundRobinRotatesStart(t *testing.T) {
	gate := &models.Gate{
		ID:              "gate-rr",
		TenantID:        "t1",
		Name:            "spread",
		PrimaryModel:    "gpt-4o-mini",
		FallbackModels:  []string{"gemini-2.5-flash", "mistral-small-latest"},
		RoutingStrategy: models.StrategyRoundRobin,
	}
	f := newFixture(t, gate, allKeys(), nil, Config{})

	var winners []string
	for i := 0; i < 4; i++ {
		res, err := f.router.HandleCompletion(context.Background(), "spread", "t1", userMessages(), nil)
		require.NoError(t, err)
		winners = append(winners, res.Completion.Model)
	}

	assert.Equal(t, []string{"gpt-4o-mini", "gemini-2.5-flash", "mistral-small-latest", "gpt-4o-mini"}, winners)
}

func TestRoundRobinStillFallsBack(t *testing.T) {
	gate := &models.Gate{
		ID:              "gate-rr",
		TenantID:        "t1",
		Name:            "spread",
		PrimaryModel:    "gpt-4o-mini",
		FallbackModels:  []string{"gemini-2.5-flash"},
		RoutingStrategy: models.StrategyRoundRobin,
	}
	f := newFixture(t, gate, allKeys(), map[string]behavior{"gpt-4o-mini": unavailable}, Config{})

	for i := 0; i < 2; i++ {
		res, err := f.router.HandleCompletion(context.Background(), "spread", "t1", userMessages(), nil)
		require.NoError(t, err)
		assert.Equal(t, "gemini-2.5-flash", res.Completion.Model)
	}
	assert.Equal(t, []string{"gpt-4o-mini", "gemini-2.5-flash", "gemini-2.5-flash"}, f.completer.called())
}

func TestRotationIsSharedThroughCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	c := cache.New(client, zaptest.NewLogger(t))

	a, b := NewRotation(c), NewRotation(c)
	ctx := context.Background()

	assert.Equal(t, uint64(0), a.Next(ctx, "g1"))
	assert.Equal(t, uint64(1), b.Next(ctx, "g1"))
	assert.Equal(t, uint64(2), a.Next(ctx, "g1"))
	assert.Equal(t, uint64(0), b.Next(ctx, "g2"))

	mr.Close()
	// local counters take over
	assert.Equal(t, uint64(0), a.Next(ctx, "g1"))
	assert.Equal(t, uint64(1), a.Next(ctx, "g1"))
}

func TestAttemptTimeoutAdvances(t *testing.T) {
	gate := fallbackGate()
	gate.PrimaryModel = "claude-sonnet-4-5-20250929"
	gate.FallbackModels = []string{"gpt-4o-mini"}
	f := newFixture(t, gate, allKeys(), map[string]behavior{"claude-sonnet-4-5-20250929": hang}, Config{AttemptTimeout: 20 * time.Millisecond})

	res, err := f.router.HandleCompletion(context.Background(), "prod", "t1", userMessages(), nil)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", res.Completion.Model)
	assert.Equal(t, string(errs.KindProviderUnavailable), res.Attempts[0].ErrorKind)
	assert.GreaterOrEqual(t, res.Attempts[0].Latency, 20*time.Millisecond)
}

func TestMissingCredentialSkipsCandidate(t *testing.T) {
	gate := fallbackGate()
	gate.PrimaryModel = "claude-haiku-4-5-20251001"
	gate.FallbackModels = []string{"gpt-4o"}
	f := newFixture(t, gate, keyStub{}, nil, Config{
		PlatformKeys: map[models.Provider]string{models.ProviderOpenAI: "sk-platform"},
	})

	res, err := f.router.HandleCompletion(context.Background(), "prod", "t1", userMessages(), nil)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", res.Completion.Model)
	assert.Equal(t, string(errs.KindNoKeyAvailable), res.Attempts[0].ErrorKind)
	assert.Equal(t, string(keys.SourcePlatform), res.Attempts[1].KeySource)
	assert.Equal(t, []string{"gpt-4o"}, f.completer.called())
}

func TestUnknownModelFailsBeforeDispatch(t *testing.T) {
	gate := fallbackGate()
	gate.FallbackModels = []string{"gpt-unknown"}
	f := newFixture(t, gate, allKeys(), nil, Config{})

	_, err := f.router.HandleCompletion(context.Background(), "prod", "t1", userMessages(), nil)

	assert.Equal(t, errs.KindUnknownModel, errs.KindOf(err))
	assert.Empty(t, f.completer.called())
	assert.Empty(t, f.guard.tracks)
}

func TestOverridesReplaceGateParameters(t *testing.T) {
	gateTemp, maxTokens := float32(0.2), 256
	gate := fallbackGate()
	gate.Temperature = &gateTemp
	gate.MaxTokens = &maxTokens
	f := newFixture(t, gate, allKeys(), nil, Config{})

	temp := float32(0.9)
	_, err := f.router.HandleCompletion(context.Background(), "prod", "t1", userMessages(), &Overrides{Temperature: &temp})
	require.NoError(t, err)

	req := f.completer.requests[0]
	assert.Equal(t, float32(0.9), *req.Temperature)
	assert.Equal(t, 256, *req.MaxTokens)
	assert.Nil(t, req.TopP)
}

func TestChargePolicyIsSwappable(t *testing.T) {
	charge := func(winner models.CompletionAttempt, attempts []models.CompletionAttempt) float64 {
		return winner.CostUSD + float64(len(attempts)-1)
	}
	f := newFixture(t, fallbackGate(), allKeys(), map[string]behavior{"gpt-4o": unavailable}, Config{Charge: charge})

	_, err := f.router.HandleCompletion(context.Background(), "prod", "t1", userMessages(), nil)
	require.NoError(t, err)

	require.Len(t, f.guard.tracks, 1)
	assert.InDelta(t, 1.006, f.guard.tracks[0], 1e-12)
}

func TestGateReportsEveryAttemptOnFailure(t *testing.T) {
	f := newFixture(t, fallbackGate(), allKeys(), map[string]behavior{
		"gpt-4o":                    unavailable,
		"claude-haiku-4-5-20251001": unavailable,
	}, Config{})

	res, err := f.router.TestGate(context.Background(), "prod", "t1", nil)

	assert.Equal(t, errs.KindAllProvidersFailed, errs.KindOf(err))
	require.NotNil(t, res)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, "gpt-4o", res.Attempts[0].Model)
	assert.Equal(t, "claude-haiku-4-5-20251001", res.Attempts[1].Model)
}

func TestUnknownGate(t *testing.T) {
	f := newFixture(t, fallbackGate(), allKeys(), nil, Config{})

	_, err := f.router.HandleCompletion(context.Background(), "missing", "t1", userMessages(), nil)
	assert.Equal(t, errs.KindGateNotFound, errs.KindOf(err))
}

func TestEmptyMessagesRejected(t *testing.T) {
	f := newFixture(t, fallbackGate(), allKeys(), nil, Config{})

	_, err := f.router.HandleCompletion(context.Background(), "prod", "t1", nil, nil)
	assert.Equal(t, errs.KindInvalidRequest, errs.KindOf(err))
}

func TestCandidates(t *testing.T) {
	gate := &models.Gate{
		PrimaryModel:   "a",
		FallbackModels: []string{"b", "a", "", "c"},
	}

	gate.RoutingStrategy = models.StrategyFallback
	assert.Equal(t, []string{"a", "b", "c"}, Candidates(gate, 7))

	gate.RoutingStrategy = models.StrategySingle
	assert.Equal(t, []string{"a"}, Candidates(gate, 7))

	gate.RoutingStrategy = models.StrategyRoundRobin
	assert.Equal(t, []string{"a", "b", "c"}, Candidates(gate, 0))
	assert.Equal(t, []string{"c", "a", "b"}, Candidates(gate, 5))
}

func TestCandidatesAreCapped(t *testing.T) {
	gate := &models.Gate{
		PrimaryModel:   "m0",
		FallbackModels: []string{"m1", "m2", "m3", "m4", "m5", "m6"},
	}

	gate.RoutingStrategy = models.StrategyFallback
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, Candidates(gate, 0))

	// round-robin rotates over every model before the cap applies
	gate.RoutingStrategy = models.StrategyRoundRobin
	assert.Equal(t, []string{"m4", "m5", "m6", "m0", "m1"}, Candidates(gate, 4))
}

func TestRequestTimeoutCoversEveryCandidate(t *testing.T) {
	assert.Equal(t, MaxCandidates*20*time.Second+10*time.Second, RequestTimeout(20*time.Second))
	assert.Greater(t, RequestTimeout(0), MaxCandidates*DefaultAttemptTimeout)
}
