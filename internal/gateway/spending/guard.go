// Package spending enforces per-gate spending limits.
//
// Spend lives in two places. The durable ledger (gate_spending) is the source
// of truth after reconciliation. The cache holds a short-lived snapshot of
// that ledger under spend:{gate} plus an atomically incremented delta of
// spend not yet flushed under spend-delta:{gate}. Current spend is always
// snapshot + delta. SyncToDatabase moves deltas into the ledger; when the
// cache is unavailable spend is written straight through to the ledger.
package spending

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-gates/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/metrics"
	"github.com/mrmushfiq/llm0-gates/internal/shared/database"
	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
	"go.uber.org/zap"
)

// Store is the durable ledger
type Store interface {
	GetSpendingState(ctx context.Context, gateID string) (*models.SpendingState, error)
	AddSpend(ctx context.Context, gateID string, delta float64) (float64, error)
	ListElapsedSpending(ctx context.Context, now time.Time) ([]models.SpendingState, error)
	ResetSpending(ctx context.Context, gateID string, expectedStart, nextStart time.Time) (bool, error)
}

// DefaultThresholds are the alert points, in percent of the limit
var DefaultThresholds = []float64{80, 90, 100}

const (
	DefaultBandPercent = 10
	DefaultSnapshotTTL = 30 * time.Second

	// alert markers outlive the longest billing period
	alertMarkerTTL = 32 * 24 * time.Hour
)

type Config struct {
	SnapshotTTL time.Duration
	Thresholds  []float64
	BandPercent float64
	Now         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = DefaultSnapshotTTL
	}
	if len(c.Thresholds) == 0 {
		c.Thresholds = DefaultThresholds
	}
	c.Thresholds = append([]float64(nil), c.Thresholds...)
	sort.Float64s(c.Thresholds)
	if c.BandPercent <= 0 {
		c.BandPercent = DefaultBandPercent
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Admission is the outcome of a pre-flight check
type Admission struct {
	Allowed bool
	Reason  string
	Spent   float64
	Limit   *float64
	// Known is false when spend could not be read and the check failed open
	Known bool
}

// TrackResult is the outcome of recording spend
type TrackResult struct {
	Exceeded    bool
	NewSpending float64
	Blocked     bool
	Known       bool
}

type Guard struct {
	store    Store
	cache    *cache.Cache
	notifier Notifier
	metrics  *metrics.Metrics
	cfg      Config
	log      *zap.Logger

	// alert markers used while the cache cannot be asked
	alerted sync.Map
}

func NewGuard(store Store, c *cache.Cache, notifier Notifier, m *metrics.Metrics, cfg Config, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("spending")
	if notifier == nil {
		notifier = NewLogNotifier(log, m)
	}
	return &Guard{
		store:    store,
		cache:    c,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

// view is one read of a gate's spend
type view struct {
	state    models.SpendingState
	snapshot float64
	delta    float64
}

func (v view) current() float64 {
	return v.snapshot + v.delta
}

func (g *Guard) read(ctx context.Context, gateID string) (view, error) {
	var state models.SpendingState
	if !g.cache.Get(ctx, cache.SpendKey(gateID), &state) {
		loaded, err := g.store.GetSpendingState(ctx, gateID)
		if err != nil {
			return view{}, err
		}
		state = *loaded
		g.cache.Set(ctx, cache.SpendKey(gateID), state, g.cfg.SnapshotTTL)
	}

	delta, _ := g.cache.GetFloat(ctx, cache.SpendDeltaKey(gateID))
	return view{state: state, snapshot: state.CurrentSpend, delta: delta}, nil
}

// CheckBeforeRequest decides whether the gate may spend more. Only hard mode
// denies; an absent limit is unlimited. Read failures allow the request.
func (g *Guard) CheckBeforeRequest(ctx context.Context, gateID string) Admission {
	v, err := g.read(ctx, gateID)
	if err != nil {
		g.log.Warn("spend unavailable, admitting request", zap.String("gate_id", gateID), zap.Error(err))
		return Admission{Allowed: true}
	}

	spent := v.current()
	adm := Admission{Allowed: true, Spent: spent, Limit: v.state.Limit, Known: true}
	if v.state.Enforcement == models.EnforcementHard && v.state.Limit != nil && spent >= *v.state.Limit {
		adm.Allowed = false
		adm.Reason = fmt.Sprintf("spending limit of $%.2f reached ($%.4f spent this period)", *v.state.Limit, spent)
		g.metrics.IncAdmissionDenied()
	}
	return adm
}

// TrackSpending records cost against the gate. The limit is checked again
// first: under hard enforcement a gate already at its limit is reported as
// blocked and not charged further. Failures are logged and reported with
// Known false.
func (g *Guard) TrackSpending(ctx context.Context, gateID string, cost float64) TrackResult {
	v, err := g.read(ctx, gateID)
	if err != nil {
		g.log.Warn("spend unavailable before tracking", zap.String("gate_id", gateID), zap.Error(err))
		g.metrics.IncTrackFailure()
		if total, ok := g.add(ctx, gateID, cost); ok {
			return TrackResult{NewSpending: total}
		}
		return TrackResult{}
	}

	limit := v.state.Limit
	if v.state.Enforcement == models.EnforcementHard && limit != nil && v.current() >= *limit {
		return TrackResult{Exceeded: true, NewSpending: v.current(), Blocked: true, Known: true}
	}
	if cost <= 0 {
		return TrackResult{Exceeded: limit != nil && v.current() > *limit, NewSpending: v.current(), Known: true}
	}

	newSpending, ok := g.addFrom(ctx, v, cost)
	if !ok {
		g.metrics.IncTrackFailure()
		return TrackResult{NewSpending: v.current() + cost}
	}
	g.metrics.AddSpend(cost)

	res := TrackResult{NewSpending: newSpending, Known: true}
	if limit != nil {
		res.Exceeded = newSpending > *limit
		g.evaluateAlerts(ctx, v.state, newSpending)
	}
	return res
}

// addFrom increments the gate's spend and returns the new total. The cache
// delta is used when available, otherwise the ledger is written directly.
func (g *Guard) addFrom(ctx context.Context, v view, cost float64) (float64, bool) {
	if delta, ok := g.cache.IncrFloat(ctx, cache.SpendDeltaKey(v.state.GateID), cost); ok {
		return v.snapshot + delta, true
	}
	return g.add(ctx, v.state.GateID, cost)
}

func (g *Guard) add(ctx context.Context, gateID string, cost float64) (float64, bool) {
	if cost <= 0 {
		return 0, false
	}
	total, err := g.store.AddSpend(ctx, gateID, cost)
	if err != nil {
		g.log.Error("spend could not be recorded",
			zap.String("gate_id", gateID),
			zap.Float64("cost_usd", cost),
			zap.Error(err),
		)
		return 0, false
	}
	g.cache.Delete(ctx, cache.SpendKey(gateID))
	return total, true
}

// alertThreshold returns the first threshold whose band [t, t+band)
// contains pct
func alertThreshold(pct float64, thresholds []float64, band float64) (float64, bool) {
	for _, t := range thresholds {
		if pct >= t && pct < t+band {
			return t, true
		}
	}
	return 0, false
}

func (g *Guard) evaluateAlerts(ctx context.Context, state models.SpendingState, spent float64) {
	if state.Limit == nil || *state.Limit <= 0 {
		return
	}
	limit := *state.Limit
	pct := spent / limit * 100

	threshold, ok := alertThreshold(pct, g.cfg.Thresholds, g.cfg.BandPercent)
	if !ok {
		return
	}

	key := cache.AlertKey(state.GateID, state.PeriodStart, threshold)
	claimed, ok := g.cache.SetIfAbsent(ctx, key, pct, alertMarkerTTL)
	if !ok {
		_, loaded := g.alerted.LoadOrStore(key, struct{}{})
		claimed = !loaded
	}
	if !claimed {
		return
	}

	g.notifier.NotifySpendAlert(ctx, Alert{
		GateID:      state.GateID,
		TenantID:    state.TenantID,
		Threshold:   threshold,
		Percent:     pct,
		Spent:       spent,
		Limit:       limit,
		PeriodStart: state.PeriodStart,
	})
}

// SyncReport summarizes one reconciliation run
type SyncReport struct {
	Gates   int
	Flushed float64
}

// SyncToDatabase moves every pending delta into the ledger. Each delta is
// taken and cleared atomically, so a repeated or overlapping run never
// applies the same spend twice. A delta the ledger rejects is put back.
func (g *Guard) SyncToDatabase(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	keys, ok := g.cache.Keys(ctx, cache.SpendDeltaPrefix)
	if !ok {
		return report, nil
	}

	var errList []error
	for _, key := range keys {
		gateID := strings.TrimPrefix(key, cache.SpendDeltaPrefix)

		delta, ok := g.cache.TakeFloat(ctx, key)
		if !ok {
			errList = append(errList, fmt.Errorf("take delta for gate %s", gateID))
			continue
		}
		if delta == 0 {
			continue
		}

		total, err := g.store.AddSpend(ctx, gateID, delta)
		if errors.Is(err, database.ErrNotFound) {
			g.log.Warn("dropping spend for deleted gate", zap.String("gate_id", gateID), zap.Float64("delta_usd", delta))
			continue
		}
		if err != nil {
			if _, restored := g.cache.IncrFloat(ctx, key, delta); !restored {
				g.log.Error("pending spend lost", zap.String("gate_id", gateID), zap.Float64("delta_usd", delta))
			}
			errList = append(errList, fmt.Errorf("flush gate %s: %w", gateID, err))
			continue
		}

		g.cache.Delete(ctx, cache.SpendKey(gateID))
		report.Gates++
		report.Flushed += delta
		g.log.Debug("spend flushed",
			zap.String("gate_id", gateID),
			zap.Float64("delta_usd", delta),
			zap.Float64("total_usd", total),
		)
	}

	return report, errors.Join(errList...)
}

// ResetElapsedPeriods zeroes the ledger of every gate whose billing period
// has ended and drops its cached snapshot. The reset is conditional on the
// stored period start, so each elapsed period is reset once no matter how
// often the job runs. It returns the number of gates reset by this call.
func (g *Guard) ResetElapsedPeriods(ctx context.Context) (int, error) {
	now := g.cfg.Now()

	states, err := g.store.ListElapsedSpending(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list elapsed periods: %w", err)
	}

	var (
		reset   int
		errList []error
	)
	for _, st := range states {
		next := NextPeriodStart(st.PeriodStart, now)
		applied, err := g.store.ResetSpending(ctx, st.GateID, st.PeriodStart, next)
		if err != nil {
			errList = append(errList, fmt.Errorf("reset gate %s: %w", st.GateID, err))
			continue
		}
		if !applied {
			continue
		}

		g.cache.Delete(ctx, cache.SpendKey(st.GateID))
		reset++
		g.log.Info("spending period reset",
			zap.String("gate_id", st.GateID),
			zap.String("tenant_id", st.TenantID),
			zap.Float64("closed_spend_usd", st.CurrentSpend),
			zap.Time("period_start", next),
		)
	}

	return reset, errors.Join(errList...)
}

// NextPeriodStart advances a monthly period starting at start until it
// contains now
func NextPeriodStart(start, now time.Time) time.Time {
	next := start
	for !next.AddDate(0, 1, 0).After(now) {
		next = next.AddDate(0, 1, 0)
	}
	return next
}
