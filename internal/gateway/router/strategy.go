package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrmushfiq/llm0-gates/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
)

// Rotation hands out round-robin start positions per gate. The shared
// counter lives in the cache so every gateway instance rotates together;
// a process-local counter takes over while the cache is unavailable.
type Rotation struct {
	cache *cache.Cache
	local sync.Map // gate id -> *atomic.Uint64
}

func NewRotation(c *cache.Cache) *Rotation {
	return &Rotation{cache: c}
}

// Next returns the next start position for gateID, counting from zero
func (r *Rotation) Next(ctx context.Context, gateID string) uint64 {
	if n, ok := r.cache.Incr(ctx, cache.RotationKey(gateID)); ok && n > 0 {
		return uint64(n - 1)
	}
	v, _ := r.local.LoadOrStore(gateID, new(atomic.Uint64))
	return v.(*atomic.Uint64).Add(1) - 1
}

// MaxCandidates bounds how many models one request tries
const MaxCandidates = 5

// RequestTimeout is long enough for a request whose every candidate runs
// into attemptTimeout
func RequestTimeout(attemptTimeout time.Duration) time.Duration {
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	return MaxCandidates*attemptTimeout + 10*time.Second
}

// Candidates lists the models to try for gate, in order, at most
// MaxCandidates of them. start only matters for round-robin.
func Candidates(gate *models.Gate, start uint64) []string {
	all := make([]string, 0, 1+len(gate.FallbackModels))
	seen := make(map[string]bool, cap(all))
	for _, m := range append([]string{gate.PrimaryModel}, gate.FallbackModels...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		all = append(all, m)
	}
	if len(all) == 0 {
		return nil
	}

	switch gate.RoutingStrategy {
	case models.StrategySingle:
		return all[:1]
	case models.StrategyRoundRobin:
		offset := int(start % uint64(len(all)))
		all = append(all[offset:len(all):len(all)], all[:offset]...)
	}
	if len(all) > MaxCandidates {
		all = all[:MaxCandidates]
	}
	return all
}

// ChargePolicy decides how much a routed request costs the tenant, given the
// winning attempt and every attempt made
type ChargePolicy func(winner models.CompletionAttempt, attempts []models.CompletionAttempt) float64

// ChargeWinnerOnly bills the successful attempt and nothing else
func ChargeWinnerOnly(winner models.CompletionAttempt, _ []models.CompletionAttempt) float64 {
	return winner.CostUSD
}

// ChargeAllAttempts bills every attempt that reported a cost, including
// failed ones
func ChargeAllAttempts(_ models.CompletionAttempt, attempts []models.CompletionAttempt) float64 {
	var total float64
	for _, a := range attempts {
		total += a.CostUSD
	}
	return total
}
