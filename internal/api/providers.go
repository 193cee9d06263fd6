package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/heijmerikx/stashd-sub001/internal/repositories"
	"github.com/heijmerikx/stashd-sub001/internal/secrets"
)

// providerSensitiveFields are the envelope-protected keys in a credential
// provider config.
var providerSensitiveFields = []string{"access_key_id", "secret_access_key"}

// ProviderHandler exposes the read-only admin view of credential
// providers, always with masked key material.
type ProviderHandler struct {
	providers repositories.CredentialProviderRepository
	logger    *zap.Logger
}

func NewProviderHandler(providers repositories.CredentialProviderRepository, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{
		providers: providers,
		logger:    logger.Named("provider_handler"),
	}
}

type providerResponse struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Preset    string         `json:"preset,omitempty"`
	Config    map[string]any `json:"config"`
	CreatedAt time.Time      `json:"created_at"`
}

// GetByID handles GET /api/v1/admin/providers/{id}.
func (h *ProviderHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	provider, err := h.providers.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load provider", zap.String("provider_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	cfg, err := provider.ConfigMap()
	if err != nil {
		h.logger.Error("provider has invalid config", zap.String("provider_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	secrets.MaskFields(cfg, providerSensitiveFields...)

	Ok(w, providerResponse{
		ID:        provider.ID.String(),
		Name:      provider.Name,
		Type:      provider.Type,
		Preset:    provider.Preset,
		Config:    cfg,
		CreatedAt: provider.CreatedAt,
	})
}
