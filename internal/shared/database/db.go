package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

//go:embed schema.sql
var schema string

type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return NewFromConn(conn), nil
}

// NewFromConn wraps an open *sql.DB
func NewFromConn(conn *sql.DB) *DB {
	return &DB{conn: conn, now: time.Now}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Migrate applies the embedded schema. Statements are idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// GetAPIKey retrieves an API key by its raw key value
func (db *DB) GetAPIKey(ctx context.Context, rawKey string) (*models.APIKey, error) {
	// Hash the key
	hash := sha256.Sum256([]byte(rawKey))
	keyHash := hex.EncodeToString(hash[:])

	query := `
		SELECT id, tenant_id, key_hash, key_prefix, name, rate_limit_per_minute,
		       is_active, last_used_at, created_at, updated_at
		FROM api_keys
		WHERE key_hash = $1 AND is_active = true
	`

	var apiKey models.APIKey
	err := db.conn.QueryRowContext(ctx, query, keyHash).Scan(
		&apiKey.ID,
		&apiKey.TenantID,
		&apiKey.KeyHash,
		&apiKey.KeyPrefix,
		&apiKey.Name,
		&apiKey.RateLimitPerMinute,
		&apiKey.IsActive,
		&apiKey.LastUsedAt,
		&apiKey.CreatedAt,
		&apiKey.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return &apiKey, nil
}

// UpdateAPIKeyLastUsed updates the last_used_at timestamp
func (db *DB) UpdateAPIKeyLastUsed(ctx context.Context, apiKeyID string) error {
	query := `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`
	_, err := db.conn.ExecContext(ctx, query, apiKeyID)
	return err
}

// GetGateByName retrieves a tenant's gate
func (db *DB) GetGateByName(ctx context.Context, tenantID, name string) (*models.Gate, error) {
	query := `
		SELECT id, tenant_id, name, primary_model, fallback_models, routing_strategy,
		       temperature, max_tokens, top_p, spending_limit, enforcement,
		       created_at, updated_at
		FROM gates
		WHERE tenant_id = $1 AND name = $2
	`

	var (
		gate        models.Gate
		temperature sql.NullFloat64
		maxTokens   sql.NullInt64
		topP        sql.NullFloat64
		limit       sql.NullFloat64
		strategy    string
		enforcement string
	)
	err := db.conn.QueryRowContext(ctx, query, tenantID, name).Scan(
		&gate.ID,
		&gate.TenantID,
		&gate.Name,
		&gate.PrimaryModel,
		pq.Array(&gate.FallbackModels),
		&strategy,
		&temperature,
		&maxTokens,
		&topP,
		&limit,
		&enforcement,
		&gate.CreatedAt,
		&gate.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	gate.RoutingStrategy = models.RoutingStrategy(strategy)
	gate.Enforcement = models.EnforcementMode(enforcement)
	if temperature.Valid {
		v := float32(temperature.Float64)
		gate.Temperature = &v
	}
	if maxTokens.Valid {
		v := int(maxTokens.Int64)
		gate.MaxTokens = &v
	}
	if topP.Valid {
		v := float32(topP.Float64)
		gate.TopP = &v
	}
	if limit.Valid {
		v := limit.Float64
		gate.SpendingLimit = &v
	}

	return &gate, nil
}

// GetActiveProviderKey returns the tenant's active, non-deleted credential for a provider
func (db *DB) GetActiveProviderKey(ctx context.Context, tenantID string, provider models.Provider) (*models.ProviderKeyRecord, error) {
	query := `
		SELECT id, tenant_id, provider, ciphertext, iv, auth_tag, is_active,
		       deleted_at, created_at, updated_at
		FROM provider_keys
		WHERE tenant_id = $1 AND provider = $2 AND is_active = true AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`

	var (
		rec      models.ProviderKeyRecord
		provName string
	)
	err := db.conn.QueryRowContext(ctx, query, tenantID, string(provider)).Scan(
		&rec.ID,
		&rec.TenantID,
		&provName,
		&rec.Ciphertext,
		&rec.IV,
		&rec.AuthTag,
		&rec.IsActive,
		&rec.DeletedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	rec.Provider = models.Provider(provName)
	return &rec, nil
}

// CreateProviderKey stores an encrypted credential, deactivating any
// previously active one for the same tenant and provider
func (db *DB) CreateProviderKey(ctx context.Context, rec *models.ProviderKeyRecord) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE provider_keys SET is_active = false, updated_at = NOW()
		WHERE tenant_id = $1 AND provider = $2 AND is_active = true
	`, rec.TenantID, string(rec.Provider)); err != nil {
		return fmt.Errorf("deactivate previous key: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO provider_keys (id, tenant_id, provider, ciphertext, iv, auth_tag, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, true)
		RETURNING created_at, updated_at
	`, rec.ID, rec.TenantID, string(rec.Provider), rec.Ciphertext, rec.IV, rec.AuthTag).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert provider key: %w", err)
	}
	rec.IsActive = true

	return tx.Commit()
}

// SoftDeleteProviderKey deactivates and soft-deletes the tenant's credentials
// for a provider. Rows are kept for audit.
func (db *DB) SoftDeleteProviderKey(ctx context.Context, tenantID string, provider models.Provider) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE provider_keys
		SET is_active = false, deleted_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $1 AND provider = $2 AND deleted_at IS NULL
	`, tenantID, string(provider))
	if err != nil {
		return false, fmt.Errorf("database error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetSpendingState returns the durable spend for a gate together with the
// gate's limit and enforcement mode. Gates without a ledger row start at
// zero in the current calendar month.
func (db *DB) GetSpendingState(ctx context.Context, gateID string) (*models.SpendingState, error) {
	query := `
		SELECT g.id, g.tenant_id, COALESCE(s.current_spend, 0), g.spending_limit,
		       g.enforcement, s.period_start
		FROM gates g
		LEFT JOIN gate_spending s ON s.gate_id = g.id
		WHERE g.id = $1
	`

	var (
		state       models.SpendingState
		limit       sql.NullFloat64
		enforcement string
		periodStart sql.NullTime
	)
	err := db.conn.QueryRowContext(ctx, query, gateID).Scan(
		&state.GateID,
		&state.TenantID,
		&state.CurrentSpend,
		&limit,
		&enforcement,
		&periodStart,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	state.Enforcement = models.EnforcementMode(enforcement)
	if limit.Valid {
		v := limit.Float64
		state.Limit = &v
	}
	if periodStart.Valid {
		state.PeriodStart = periodStart.Time
	} else {
		state.PeriodStart = MonthStart(db.now())
	}

	return &state, nil
}

// AddSpend atomically adds delta to the gate's durable spend and returns the new total
func (db *DB) AddSpend(ctx context.Context, gateID string, delta float64) (float64, error) {
	query := `
		INSERT INTO gate_spending (gate_id, tenant_id, current_spend, period_start, updated_at)
		SELECT id, tenant_id, $2, $3, NOW() FROM gates WHERE id = $1
		ON CONFLICT (gate_id) DO UPDATE
		SET current_spend = gate_spending.current_spend + EXCLUDED.current_spend,
		    updated_at = NOW()
		RETURNING current_spend
	`

	var total float64
	err := db.conn.QueryRowContext(ctx, query, gateID, delta, MonthStart(db.now())).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("database error: %w", err)
	}
	return total, nil
}

// ListElapsedSpending returns ledger rows whose monthly period ended at or before now
func (db *DB) ListElapsedSpending(ctx context.Context, now time.Time) ([]models.SpendingState, error) {
	query := `
		SELECT s.gate_id, s.tenant_id, s.current_spend, g.spending_limit, g.enforcement, s.period_start
		FROM gate_spending s
		JOIN gates g ON g.id = s.gate_id
		WHERE s.period_start + INTERVAL '1 month' <= $1
		ORDER BY s.period_start, s.gate_id
	`

	rows, err := db.conn.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var states []models.SpendingState
	for rows.Next() {
		var (
			state       models.SpendingState
			limit       sql.NullFloat64
			enforcement string
		)
		if err := rows.Scan(&state.GateID, &state.TenantID, &state.CurrentSpend, &limit, &enforcement, &state.PeriodStart); err != nil {
			return nil, fmt.Errorf("scan spending row: %w", err)
		}
		state.Enforcement = models.EnforcementMode(enforcement)
		if limit.Valid {
			v := limit.Float64
			state.Limit = &v
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// ResetSpending zeroes a gate's spend and moves it to the next period, but
// only if the stored period still starts at expectedStart. It reports
// whether this call applied the reset.
func (db *DB) ResetSpending(ctx context.Context, gateID string, expectedStart, nextStart time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE gate_spending
		SET current_spend = 0, period_start = $3, updated_at = NOW()
		WHERE gate_id = $1 AND period_start = $2
	`, gateID, expectedStart, nextStart)
	if err != nil {
		return false, fmt.Errorf("database error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LogRequest logs a gateway request
func (db *DB) LogRequest(ctx context.Context, log *models.GatewayLog) error {
	query := `
		INSERT INTO gateway_logs (
			request_id, tenant_id, gate_id, gate_name, model, provider, cost_usd, latency_ms,
			prompt_tokens, completion_tokens, total_tokens, attempt_count, failover_used,
			original_model, status_code, error_kind, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		log.RequestID,
		log.TenantID,
		log.GateID,
		log.GateName,
		log.Model,
		log.Provider,
		log.CostUSD,
		log.LatencyMs,
		log.PromptTokens,
		log.CompletionTokens,
		log.TotalTokens,
		log.AttemptCount,
		log.FailoverUsed,
		log.OriginalModel,
		log.StatusCode,
		log.ErrorKind,
		log.ErrorMessage,
	)

	return err
}

// MonthStart returns the first instant of t's calendar month in UTC
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
