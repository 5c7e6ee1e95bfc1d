package gates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-gates/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-gates/internal/shared/database"
	"github.com/mrmushfiq/llm0-gates/internal/shared/errs"
	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
	"go.uber.org/zap"
)

const DefaultTTL = 60 * time.Second

var ErrGateNotFound = errs.New(errs.KindGateNotFound, "gate not found")

type Store interface {
	GetGateByName(ctx context.Context, tenantID, name string) (*models.Gate, error)
}

// Service reads gate configuration through a short-lived cache
type Service struct {
	store Store
	cache *cache.Cache
	ttl   time.Duration
	log   *zap.Logger
}

func NewService(store Store, c *cache.Cache, ttl time.Duration, log *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, cache: c, ttl: ttl, log: log.Named("gates")}
}

// Get returns the tenant's gate by name
func (s *Service) Get(ctx context.Context, tenantID, name string) (*models.Gate, error) {
	key := cache.GateKey(tenantID, name)

	var gate models.Gate
	if s.cache.Get(ctx, key, &gate) {
		return &gate, nil
	}

	loaded, err := s.store.GetGateByName(ctx, tenantID, name)
	if errors.Is(err, database.ErrNotFound) {
		return nil, errs.Wrap(errs.KindGateNotFound, fmt.Sprintf("gate %q not found", name), ErrGateNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load gate %q: %w", name, err)
	}

	s.cache.Set(ctx, key, loaded, s.ttl)
	return loaded, nil
}

// Invalidate drops one cached gate after it is updated
func (s *Service) Invalidate(ctx context.Context, tenantID, name string) {
	s.cache.Delete(ctx, cache.GateKey(tenantID, name))
}

// InvalidateTenant drops every cached gate of a tenant
func (s *Service) InvalidateTenant(ctx context.Context, tenantID string) {
	s.cache.DeleteByPrefix(ctx, cache.GatePrefix(tenantID))
}
