package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mrmushfiq/llm0-gates/internal/shared/errs"
	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
	"go.uber.org/zap"
)

type APIKeyStore interface {
	GetAPIKey(ctx context.Context, rawKey string) (*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, apiKeyID string) error
}

type RateLimiter interface {
	CheckRateLimit(ctx context.Context, apiKeyID string, limit int) (exceeded bool, remaining int, err error)
}

type ctxKey int

const apiKeyCtxKey ctxKey = iota

// WithAPIKey returns a copy of ctx carrying the authenticated key
func WithAPIKey(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyCtxKey, key)
}

// APIKeyFrom returns the key stored by AuthMiddleware
func APIKeyFrom(ctx context.Context) (*models.APIKey, bool) {
	key, ok := ctx.Value(apiKeyCtxKey).(*models.APIKey)
	return key, ok && key != nil
}

type Middleware struct {
	keys             APIKeyStore
	limiter          RateLimiter
	defaultRateLimit int
	log              *zap.Logger
}

// NewMiddleware creates the auth, rate limit and CORS middleware. A nil
// limiter disables rate limiting.
func NewMiddleware(keys APIKeyStore, limiter RateLimiter, defaultRateLimit int, log *zap.Logger) *Middleware {
	if defaultRateLimit <= 0 {
		defaultRateLimit = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Middleware{
		keys:             keys,
		limiter:          limiter,
		defaultRateLimit: defaultRateLimit,
		log:              log.Named("http"),
	}
}

// AuthMiddleware validates gateway API keys and attaches the key, and so
// the tenant, to the request context
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, errs.KindUnauthorized, "missing authorization header")
			return
		}

		scheme, token, found := strings.Cut(authHeader, " ")
		if !found || scheme != "Bearer" || token == "" {
			writeError(w, http.StatusUnauthorized, errs.KindUnauthorized, "invalid authorization header format")
			return
		}

		apiKey, err := m.keys.GetAPIKey(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, errs.KindUnauthorized, "invalid API key")
			return
		}

		// Update API key last used
		go func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.keys.UpdateAPIKeyLastUsed(ctx, id); err != nil {
				m.log.Debug("failed to update api key last_used_at", zap.String("api_key_id", id), zap.Error(err))
			}
		}(apiKey.ID)

		next.ServeHTTP(w, r.WithContext(WithAPIKey(r.Context(), apiKey)))
	})
}

// RateLimitMiddleware enforces per-key request limits. Limiter failures let
// the request through.
func (m *Middleware) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey, ok := APIKeyFrom(r.Context())
		if !ok || m.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		limit := apiKey.RateLimitPerMinute
		if limit <= 0 {
			limit = m.defaultRateLimit
		}

		exceeded, remaining, err := m.limiter.CheckRateLimit(r.Context(), apiKey.ID, limit)
		if err != nil {
			m.log.Warn("rate limiter unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if exceeded {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, errs.KindRateLimited, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one line per request with zap
func (m *Middleware) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		m.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("latency", time.Since(started)),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}
