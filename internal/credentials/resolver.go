// Package credentials resolves stored credential-provider references into
// plaintext bundles for the duration of a single backup execution. Bundles
// are never cached across executions; a rotated key takes effect on the
// very next run.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heijmerikx/stashd-sub001/internal/backup"
	"github.com/heijmerikx/stashd-sub001/internal/repositories"
	"github.com/heijmerikx/stashd-sub001/internal/secrets"
)

// Bundle is a resolved S3-compatible credential set.
type Bundle struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Resolver loads providers and opens their envelope fields.
type Resolver struct {
	providers repositories.CredentialProviderRepository
	logger    *zap.Logger
}

// NewResolver returns a Resolver backed by the given provider repository.
func NewResolver(providers repositories.CredentialProviderRepository, logger *zap.Logger) *Resolver {
	return &Resolver{providers: providers, logger: logger}
}

// Resolve fetches the provider and returns its decrypted bundle. A missing
// provider is a credential error; a token that fails to open is a decrypt
// error, and both end the operation that needed the credentials.
func (r *Resolver) Resolve(ctx context.Context, providerID uuid.UUID) (*Bundle, error) {
	provider, err := r.providers.GetByID(ctx, providerID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, &backup.Error{
				Kind:    backup.KindCredential,
				Message: fmt.Sprintf("credential provider %s not found", providerID),
			}
		}
		return nil, fmt.Errorf("credentials: load provider: %w", err)
	}

	cfg, err := provider.ConfigMap()
	if err != nil {
		return nil, &backup.Error{
			Kind:    backup.KindCredential,
			Message: fmt.Sprintf("credential provider %q has invalid config", provider.Name),
			Cause:   err,
		}
	}

	if err := secrets.DecryptFields(cfg, "access_key_id", "secret_access_key"); err != nil {
		return nil, &backup.Error{
			Kind:    backup.KindDecrypt,
			Message: fmt.Sprintf("credential provider %q could not be decrypted", provider.Name),
			Cause:   err,
		}
	}

	bundle := &Bundle{
		Endpoint:        stringField(cfg, "endpoint"),
		Region:          stringField(cfg, "region"),
		AccessKeyID:     stringField(cfg, "access_key_id"),
		SecretAccessKey: stringField(cfg, "secret_access_key"),
	}
	if bundle.Region == "" {
		bundle.Region = "auto"
	}

	r.logger.Debug("resolved credential provider",
		zap.String("provider", provider.Name),
		zap.String("preset", provider.Preset))
	return bundle, nil
}

func stringField(cfg map[string]any, key string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}
