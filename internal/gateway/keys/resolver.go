// Package keys decides which provider credential a request uses: the
// tenant's own encrypted key when one is usable, otherwise the platform key.
package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/secret"
	"github.com/mrmushfiq/llm0-gates/internal/shared/database"
	"github.com/mrmushfiq/llm0-gates/internal/shared/errs"
	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
	"go.uber.org/zap"
)

var (
	ErrNoKeyAvailable       = errs.New(errs.KindNoKeyAvailable, "no API key available for provider")
	ErrEncryptionKeyMissing = errs.New(errs.KindEncryptionKeyMissing, "bring-your-own keys are disabled: no encryption key configured")
)

// Store is the durable-store slice the resolver needs
type Store interface {
	GetActiveProviderKey(ctx context.Context, tenantID string, provider models.Provider) (*models.ProviderKeyRecord, error)
	CreateProviderKey(ctx context.Context, rec *models.ProviderKeyRecord) error
	SoftDeleteProviderKey(ctx context.Context, tenantID string, provider models.Provider) (bool, error)
}

// Source tells where a credential came from
type Source string

const (
	SourceTenant   Source = "byok"
	SourcePlatform Source = "platform"
)

// Credential is a resolved provider API key
type Credential struct {
	APIKey string
	Source Source
}

// String never prints the key itself
func (c Credential) String() string {
	return fmt.Sprintf("credential(%s)", c.Source)
}

type Resolver struct {
	store  Store
	cipher *secret.Cipher
	log    *zap.Logger
}

// NewResolver creates a resolver. A nil cipher disables bring-your-own keys:
// lookups are skipped and Register fails.
func NewResolver(store Store, cipher *secret.Cipher, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		store:  store,
		cipher: cipher,
		log:    log.Named("keys"),
	}
}

// BYOKEnabled reports whether a master encryption key is configured
func (r *Resolver) BYOKEnabled() bool {
	return r.cipher != nil
}

// Resolve returns the tenant's decrypted key for provider when one is active,
// else platformKey, else ErrNoKeyAvailable. Tenant lookup and decrypt failures
// are logged and fall through to the platform key.
func (r *Resolver) Resolve(ctx context.Context, provider models.Provider, tenantID, platformKey string) (Credential, error) {
	if tenantID != "" && r.cipher != nil {
		if key, ok := r.tenantKey(ctx, provider, tenantID); ok {
			return Credential{APIKey: key, Source: SourceTenant}, nil
		}
	}

	if platformKey != "" {
		return Credential{APIKey: platformKey, Source: SourcePlatform}, nil
	}

	return Credential{}, errs.Wrap(errs.KindNoKeyAvailable, fmt.Sprintf("no API key available for %s", provider), ErrNoKeyAvailable)
}

func (r *Resolver) tenantKey(ctx context.Context, provider models.Provider, tenantID string) (string, bool) {
	rec, err := r.store.GetActiveProviderKey(ctx, tenantID, provider)
	if errors.Is(err, database.ErrNotFound) {
		return "", false
	}
	if err != nil {
		r.log.Warn("provider key lookup failed",
			zap.String("tenant_id", tenantID),
			zap.String("provider", string(provider)),
			zap.Error(err),
		)
		return "", false
	}
	if !rec.Usable() {
		return "", false
	}

	key, err := r.cipher.Decrypt(secret.Encrypted{
		Ciphertext: rec.Ciphertext,
		IV:         rec.IV,
		Tag:        rec.AuthTag,
	})
	if err != nil {
		r.log.Error("provider key could not be decrypted",
			zap.String("tenant_id", tenantID),
			zap.String("provider", string(provider)),
			zap.String("key_id", rec.ID),
			zap.String("kind", string(errs.KindOf(err))),
		)
		return "", false
	}
	return key, true
}

// Register encrypts plaintext and stores it as the tenant's active key for
// provider, replacing any previous one. The plaintext is never persisted.
func (r *Resolver) Register(ctx context.Context, tenantID string, provider models.Provider, plaintext string) (*models.ProviderKeyRecord, error) {
	if r.cipher == nil {
		return nil, ErrEncryptionKeyMissing
	}
	if !provider.Valid() {
		return nil, errs.New(errs.KindInvalidRequest, fmt.Sprintf("unsupported provider %q", provider))
	}
	plaintext = strings.TrimSpace(plaintext)
	if tenantID == "" || plaintext == "" {
		return nil, errs.New(errs.KindInvalidRequest, "tenant and api key are required")
	}

	enc, err := r.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt provider key: %w", err)
	}

	rec := &models.ProviderKeyRecord{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Provider:   provider,
		Ciphertext: enc.Ciphertext,
		IV:         enc.IV,
		AuthTag:    enc.Tag,
	}
	if err := r.store.CreateProviderKey(ctx, rec); err != nil {
		return nil, fmt.Errorf("store provider key: %w", err)
	}

	r.log.Info("provider key registered",
		zap.String("tenant_id", tenantID),
		zap.String("provider", string(provider)),
		zap.String("key_id", rec.ID),
	)
	return rec, nil
}

// Revoke deactivates and soft-deletes the tenant's key for provider. It
// reports whether any key was revoked.
func (r *Resolver) Revoke(ctx context.Context, tenantID string, provider models.Provider) (bool, error) {
	if !provider.Valid() {
		return false, errs.New(errs.KindInvalidRequest, fmt.Sprintf("unsupported provider %q", provider))
	}
	revoked, err := r.store.SoftDeleteProviderKey(ctx, tenantID, provider)
	if err != nil {
		return false, fmt.Errorf("revoke provider key: %w", err)
	}
	if revoked {
		r.log.Info("provider key revoked", zap.String("tenant_id", tenantID), zap.String("provider", string(provider)))
	}
	return revoked, nil
}
