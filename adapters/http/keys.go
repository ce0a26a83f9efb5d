package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/artpar/tenantmeter/app"
	"github.com/artpar/tenantmeter/domain/key"
	"github.com/artpar/tenantmeter/ports"
)

// KeyHandler lets a tenant manage its own API keys.
type KeyHandler struct {
	keys   *app.KeyService
	logger zerolog.Logger
}

// NewKeyHandler creates a key handler.
func NewKeyHandler(keys *app.KeyService, logger zerolog.Logger) *KeyHandler {
	return &KeyHandler{keys: keys, logger: logger}
}

// CreateKeyRequest is the body of POST /keys.
type CreateKeyRequest struct {
	Name       string `json:"name" validate:"max=100"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty" validate:"gte=0"`
}

// KeyResponse describes a key. The raw key is only present on creation.
type KeyResponse struct {
	ID        string     `json:"id"`
	Key       string     `json:"key,omitempty"`
	Prefix    string     `json:"prefix"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

// KeyListResponse is the body of GET /keys.
type KeyListResponse struct {
	Keys []KeyResponse `json:"keys"`
}

// Create issues a key for the caller's tenant.
//
//	@Summary		Create API key
//	@Description	Issue an API key for the caller's tenant. The raw key is returned once.
//	@Tags			Keys
//	@Accept			json
//	@Produce		json
//	@Param			request	body		CreateKeyRequest	true	"Key name and optional lifetime"
//	@Success		201		{object}	KeyResponse
//	@Failure		400		{object}	ErrorBody
//	@Failure		401		{object}	ErrorBody
//	@Security		BearerAuth
//	@Router			/keys [post]
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	var req CreateKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	raw, k, err := h.keys.Create(r.Context(), app.CreateKeyRequest{
		TenantID: p.TenantID(),
		Name:     req.Name,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.fail(w, r, p.TenantID(), "create key", err)
		return
	}

	resp := keyResponse(k)
	resp.Key = raw
	writeJSON(w, http.StatusCreated, resp)
}

// List returns the caller's keys, newest first.
//
//	@Summary		List API keys
//	@Description	List the caller's tenant API keys without their secrets
//	@Tags			Keys
//	@Produce		json
//	@Success		200	{object}	KeyListResponse
//	@Failure		401	{object}	ErrorBody
//	@Security		BearerAuth
//	@Router			/keys [get]
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	keys, err := h.keys.List(r.Context(), p.TenantID())
	if err != nil {
		h.fail(w, r, p.TenantID(), "list keys", err)
		return
	}
	out := KeyListResponse{Keys: make([]KeyResponse, 0, len(keys))}
	for _, k := range keys {
		out.Keys = append(out.Keys, keyResponse(k))
	}
	writeJSON(w, http.StatusOK, out)
}

// Revoke disables one of the caller's keys.
//
//	@Summary		Revoke API key
//	@Tags			Keys
//	@Param			id	path	string	true	"Key ID"
//	@Success		204
//	@Failure		404	{object}	ErrorBody
//	@Security		BearerAuth
//	@Router			/keys/{id} [delete]
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	if err := h.keys.Revoke(r.Context(), p.TenantID(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, p.TenantID(), "revoke key", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *KeyHandler) fail(w http.ResponseWriter, r *http.Request, tenantID, op string, err error) {
	switch {
	case errors.Is(err, ports.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "API key not found")
	case errors.Is(err, ports.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Temporarily unavailable, please retry")
	default:
		h.logger.Error().Err(err).
			Str("tenant_id", tenantID).
			Str("op", op).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("key operation failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Key operation failed")
	}
}

func keyResponse(k key.Key) KeyResponse {
	return KeyResponse{
		ID:        k.ID,
		Prefix:    k.Prefix,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
		RevokedAt: k.RevokedAt,
		LastUsed:  k.LastUsed,
	}
}
