// Package pricing holds the static model registry used to route and bill requests.
package pricing

import (
	"fmt"
	"sort"

	"github.com/mrmushfiq/llm0-gates/internal/shared/errs"
	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
)

var ErrUnknownModel = errs.New(errs.KindUnknownModel, "model is not in the pricing registry")

// Entry prices one model in USD per 1000 tokens
type Entry struct {
	Model             string
	Provider          models.Provider
	InputPer1kTokens  float64
	OutputPer1kTokens float64
}

// Cost computes the charge for a completion
func (e Entry) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000.0*e.InputPer1kTokens +
		float64(completionTokens)/1000.0*e.OutputPer1kTokens
}

// Registry is an immutable model -> price table
type Registry struct {
	entries map[string]Entry
}

// NewRegistry builds a registry from entries. Duplicate models are rejected.
func NewRegistry(entries []Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if !e.Provider.Valid() {
			return nil, fmt.Errorf("model %s: unsupported provider %q", e.Model, e.Provider)
		}
		if _, dup := r.entries[e.Model]; dup {
			return nil, fmt.Errorf("model %s listed twice", e.Model)
		}
		r.entries[e.Model] = e
	}
	return r, nil
}

// Default returns the built-in registry
func Default() *Registry {
	r, err := NewRegistry(defaultEntries)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup finds a model by exact identifier
func (r *Registry) Lookup(model string) (Entry, error) {
	e, ok := r.entries[model]
	if !ok {
		return Entry{}, errs.Wrap(errs.KindUnknownModel, fmt.Sprintf("model %q is not in the pricing registry", model), ErrUnknownModel)
	}
	return e, nil
}

// Models lists registered model identifiers in sorted order
func (r *Registry) Models() []string {
	out := make([]string, 0, len(r.entries))
	for m := range r.entries {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

var defaultEntries = []Entry{
	// OpenAI
	{Model: "gpt-4o", Provider: models.ProviderOpenAI, InputPer1kTokens: 0.0025, OutputPer1kTokens: 0.01},
	{Model: "gpt-4o-mini", Provider: models.ProviderOpenAI, InputPer1kTokens: 0.00015, OutputPer1kTokens: 0.0006},
	{Model: "gpt-4-turbo", Provider: models.ProviderOpenAI, InputPer1kTokens: 0.01, OutputPer1kTokens: 0.03},
	{Model: "gpt-4", Provider: models.ProviderOpenAI, InputPer1kTokens: 0.03, OutputPer1kTokens: 0.06},
	{Model: "gpt-3.5-turbo", Provider: models.ProviderOpenAI, InputPer1kTokens: 0.0005, OutputPer1kTokens: 0.0015},

	// Anthropic
	{Model: "claude-opus-4-5-20251101", Provider: models.ProviderAnthropic, InputPer1kTokens: 0.005, OutputPer1kTokens: 0.025},
	{Model: "claude-sonnet-4-5-20250929", Provider: models.ProviderAnthropic, InputPer1kTokens: 0.003, OutputPer1kTokens: 0.015},
	{Model: "claude-haiku-4-5-20251001", Provider: models.ProviderAnthropic, InputPer1kTokens: 0.001, OutputPer1kTokens: 0.005},
	{Model: "claude-3-5-haiku-20241022", Provider: models.ProviderAnthropic, InputPer1kTokens: 0.0008, OutputPer1kTokens: 0.004},

	// Google
	{Model: "gemini-2.5-pro", Provider: models.ProviderGoogle, InputPer1kTokens: 0.00125, OutputPer1kTokens: 0.01},
	{Model: "gemini-2.5-flash", Provider: models.ProviderGoogle, InputPer1kTokens: 0.0003, OutputPer1kTokens: 0.0025},
	{Model: "gemini-2.0-flash", Provider: models.ProviderGoogle, InputPer1kTokens: 0.0001, OutputPer1kTokens: 0.0004},

	// Mistral
	{Model: "mistral-large-latest", Provider: models.ProviderMistral, InputPer1kTokens: 0.002, OutputPer1kTokens: 0.006},
	{Model: "mistral-small-latest", Provider: models.ProviderMistral, InputPer1kTokens: 0.0002, OutputPer1kTokens: 0.0006},
	{Model: "open-mistral-nemo", Provider: models.ProviderMistral, InputPer1kTokens: 0.00015, OutputPer1kTokens: 0.00015},
}
