package models

import "time"

// Provider identifies an upstream LLM vendor
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderMistral   Provider = "mistral"
)

// Valid reports whether p is a supported provider
func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderMistral:
		return true
	}
	return false
}

// RoutingStrategy controls how a gate orders its candidate models
type RoutingStrategy string

const (
	StrategySingle     RoutingStrategy = "single"
	StrategyFallback   RoutingStrategy = "fallback"
	StrategyRoundRobin RoutingStrategy = "round-robin"
)

// EnforcementMode controls what happens once a spending limit is reached
type EnforcementMode string

const (
	EnforcementSoft EnforcementMode = "soft"
	EnforcementHard EnforcementMode = "hard"
)

// APIKey represents a gateway API key issued to a tenant
type APIKey struct {
	ID                 string
	TenantID           string
	KeyHash            string
	KeyPrefix          string
	Name               string
	RateLimitPerMinute int
	IsActive           bool
	LastUsedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Gate is a tenant-owned routing policy
type Gate struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	Name            string          `json:"name"`
	PrimaryModel    string          `json:"primary_model"`
	FallbackModels  []string        `json:"fallback_models"`
	RoutingStrategy RoutingStrategy `json:"routing_strategy"`
	Temperature     *float32        `json:"temperature,omitempty"`
	MaxTokens       *int            `json:"max_tokens,omitempty"`
	TopP            *float32        `json:"top_p,omitempty"`
	SpendingLimit   *float64        `json:"spending_limit,omitempty"`
	Enforcement     EnforcementMode `json:"enforcement"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ProviderKeyRecord is a tenant's bring-your-own provider credential.
// Only the encrypted form is ever stored.
type ProviderKeyRecord struct {
	ID         string
	TenantID   string
	Provider   Provider
	Ciphertext string
	IV         string
	AuthTag    string
	IsActive   bool
	DeletedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Usable reports whether the record may be used for resolution
func (r *ProviderKeyRecord) Usable() bool {
	return r != nil && r.IsActive && r.DeletedAt == nil
}

// SpendingState is the durable per-gate spend counter for the current billing period
type SpendingState struct {
	GateID       string          `json:"gate_id"`
	TenantID     string          `json:"tenant_id"`
	CurrentSpend float64         `json:"current_spend"`
	Limit        *float64        `json:"limit,omitempty"`
	Enforcement  EnforcementMode `json:"enforcement"`
	PeriodStart  time.Time       `json:"period_start"`
}

// CompletionAttempt records one provider call within a routed request
type CompletionAttempt struct {
	Model            string        `json:"model"`
	Provider         Provider      `json:"provider"`
	Success          bool          `json:"success"`
	Latency          time.Duration `json:"-"`
	LatencyMs        int64         `json:"latency_ms"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	CostUSD          float64       `json:"cost_usd"`
	ErrorKind        string        `json:"error_kind,omitempty"`
	Error            string        `json:"error,omitempty"`
	KeySource        string        `json:"key_source,omitempty"`
}

// GatewayLog represents a request log entry
type GatewayLog struct {
	ID               string
	RequestID        string
	TenantID         string
	GateID           *string
	GateName         string
	Model            string
	Provider         string
	CostUSD          float64
	LatencyMs        int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	AttemptCount     int
	FailoverUsed     bool
	OriginalModel    *string
	StatusCode       int
	ErrorKind        *string
	ErrorMessage     *string
	CreatedAt        time.Time
}
