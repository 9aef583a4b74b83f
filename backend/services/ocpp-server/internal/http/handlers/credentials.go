package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"stationlink/backend/services/ocpp-server/internal/auth"
)

// CredentialWriter stores station password hashes.
type CredentialWriter interface {
	SetPasswordHash(ctx context.Context, stationID, hash string) error
}

type credentialRequest struct {
	Password string `json:"password"`
}

// CredentialsHandlers manage HTTP Basic credentials of stations.
type CredentialsHandlers struct {
	store  CredentialWriter
	hasher auth.Hasher
	logger *zap.Logger
}

// NewCredentialsHandlers returns handler. A nil store disables the endpoint.
func NewCredentialsHandlers(store CredentialWriter, hasher auth.Hasher, logger *zap.Logger) *CredentialsHandlers {
	return &CredentialsHandlers{store: store, hasher: hasher, logger: logger}
}

// Set handles PUT /api/stations/{id}/credentials.
func (h *CredentialsHandlers) Set(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "credential store is not configured")
		return
	}

	var req credentialRequest
	if err := decodeBody(w, r, &req); err != nil || req.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}

	hash, err := h.hasher.Hash(req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stationID := r.PathValue("id")
	if err := h.store.SetPasswordHash(r.Context(), stationID, hash); err != nil {
		h.logger.Error("store station credentials failed", zap.String("station_id", stationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store credentials")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
