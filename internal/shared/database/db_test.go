package database

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 19, 15, 4, 5, 0, time.UTC)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	db := NewFromConn(conn)
	db.now = func() time.Time { return fixedNow }
	return db, mock
}

func TestGetGateByNameMapsNullableColumns(t *testing.T) {
	db, mock := newMockDB(t)

	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "name", "primary_model", "fallback_models", "routing_strategy",
		"temperature", "max_tokens", "top_p", "spending_limit", "enforcement", "created_at", "updated_at",
	}).AddRow(
		"gate-1", "tenant-1", "chat", "gpt-4o", "{claude-sonnet-4-5-20250929,gemini-2.5-pro}", "fallback",
		0.2, nil, nil, 25.0, "hard", fixedNow, fixedNow,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM gates")).
		WithArgs("tenant-1", "chat").
		WillReturnRows(rows)

	gate, err := db.GetGateByName(context.Background(), "tenant-1", "chat")
	require.NoError(t, err)

	assert.Equal(t, []string{"claude-sonnet-4-5-20250929", "gemini-2.5-pro"}, gate.FallbackModels)
	assert.Equal(t, models.StrategyFallback, gate.RoutingStrategy)
	assert.Equal(t, models.EnforcementHard, gate.Enforcement)
	require.NotNil(t, gate.Temperature)
	assert.InDelta(t, 0.2, *gate.Temperature, 1e-6)
	assert.Nil(t, gate.MaxTokens)
	assert.Nil(t, gate.TopP)
	require.NotNil(t, gate.SpendingLimit)
	assert.Equal(t, 25.0, *gate.SpendingLimit)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveProviderKeyNotFound(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM provider_keys")).
		WithArgs("tenant-1", "anthropic").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := db.GetActiveProviderKey(context.Background(), "tenant-1", models.ProviderAnthropic)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSpendingStateDefaultsPeriodToMonthStart(t *testing.T) {
	db, mock := newMockDB(t)

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "current_spend", "spending_limit", "enforcement", "period_start"}).
		AddRow("gate-1", "tenant-1", 0.0, nil, "soft", nil)
	mock.ExpectQuery(regexp.QuoteMeta("LEFT JOIN gate_spending")).
		WithArgs("gate-1").
		WillReturnRows(rows)

	state, err := db.GetSpendingState(context.Background(), "gate-1")
	require.NoError(t, err)

	assert.Nil(t, state.Limit)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), state.PeriodStart)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddSpendReturnsNewTotal(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO gate_spending")).
		WithArgs("gate-1", 0.125, MonthStart(fixedNow)).
		WillReturnRows(sqlmock.NewRows([]string{"current_spend"}).AddRow(10.125))

	total, err := db.AddSpend(context.Background(), "gate-1", 0.125)
	require.NoError(t, err)
	assert.Equal(t, 10.125, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetSpendingIsGuardedByPeriodStart(t *testing.T) {
	db, mock := newMockDB(t)
	prev := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	next := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE gate_spending")).
		WithArgs("gate-1", prev, next).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE gate_spending")).
		WithArgs("gate-1", prev, next).
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := db.ResetSpending(context.Background(), "gate-1", prev, next)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = db.ResetSpending(context.Background(), "gate-1", prev, next)
	require.NoError(t, err)
	assert.False(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateProviderKeyDeactivatesPrevious(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE provider_keys SET is_active = false")).
		WithArgs("tenant-1", "openai").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO provider_keys")).
		WithArgs("key-1", "tenant-1", "openai", "ct", "iv", "tag").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(fixedNow, fixedNow))
	mock.ExpectCommit()

	rec := &models.ProviderKeyRecord{
		ID:         "key-1",
		TenantID:   "tenant-1",
		Provider:   models.ProviderOpenAI,
		Ciphertext: "ct",
		IV:         "iv",
		AuthTag:    "tag",
	}
	require.NoError(t, db.CreateProviderKey(context.Background(), rec))
	assert.True(t, rec.IsActive)
	assert.Equal(t, fixedNow, rec.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMonthStart(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	got := MonthStart(time.Date(2026, 11, 1, 3, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestLogRequest(t *testing.T) {
	db, mock := newMockDB(t)

	gateID := "gate-1"
	original := "gpt-4o"
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO gateway_logs")).
		WithArgs(
			"req-1", "tenant-1", sqlmock.AnyArg(), "chat", "claude-haiku-4-5-20251001", "anthropic",
			0.006, 420, 1000, 1000, 2000, 2, true,
			sqlmock.AnyArg(), 200, sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := db.LogRequest(context.Background(), &models.GatewayLog{
		RequestID:        "req-1",
		TenantID:         "tenant-1",
		GateID:           &gateID,
		GateName:         "chat",
		Model:            "claude-haiku-4-5-20251001",
		Provider:         "anthropic",
		CostUSD:          0.006,
		LatencyMs:        420,
		PromptTokens:     1000,
		CompletionTokens: 1000,
		TotalTokens:      2000,
		AttemptCount:     2,
		FailoverUsed:     true,
		OriginalModel:    &original,
		StatusCode:       200,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
