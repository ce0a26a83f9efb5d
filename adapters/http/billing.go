package http

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/artpar/tenantmeter/app"
	"github.com/artpar/tenantmeter/domain/tenant"
	"github.com/artpar/tenantmeter/ports"
)

// BillingHandler serves hosted checkout and portal links.
type BillingHandler struct {
	billing *app.BillingService
	logger  zerolog.Logger
}

// NewBillingHandler creates a billing handler.
func NewBillingHandler(billing *app.BillingService, logger zerolog.Logger) *BillingHandler {
	return &BillingHandler{billing: billing, logger: logger}
}

// CheckoutRequest is the body of POST /billing/checkout.
type CheckoutRequest struct {
	TenantID string `json:"tenant_id,omitempty" validate:"omitempty,max=255"`
	Plan     string `json:"plan" validate:"required,max=32"`
}

// URLResponse carries a provider-hosted page.
type URLResponse struct {
	URL string `json:"url"`
}

// Checkout returns a checkout URL for the caller's tenant.
//
//	@Summary		Start checkout
//	@Description	Create a provider-hosted checkout session for a paid plan
//	@Tags			Billing
//	@Accept			json
//	@Produce		json
//	@Param			request	body		CheckoutRequest	true	"Plan to subscribe to"
//	@Success		200		{object}	URLResponse
//	@Failure		400		{object}	ErrorBody	"Invalid plan"
//	@Failure		403		{object}	ErrorBody	"Tenant mismatch"
//	@Failure		502		{object}	ErrorBody	"Payment provider error"
//	@Failure		503		{object}	ErrorBody	"Billing not configured"
//	@Security		BearerAuth
//	@Router			/billing/checkout [post]
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	var req CheckoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tenantID := p.TenantID()
	if req.TenantID != "" && req.TenantID != tenantID {
		writeError(w, http.StatusForbidden, "forbidden", "Cannot start checkout for another tenant")
		return
	}

	url, err := h.billing.Checkout(r.Context(), tenantID, tenant.Plan(req.Plan))
	if err != nil {
		h.fail(w, r, tenantID, "checkout", err)
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// Portal returns a billing portal URL for the caller's tenant.
//
//	@Summary		Open billing portal
//	@Description	Create a provider-hosted portal session for the caller's billing account
//	@Tags			Billing
//	@Produce		json
//	@Success		200	{object}	URLResponse
//	@Failure		404	{object}	ErrorBody	"No billing account"
//	@Failure		502	{object}	ErrorBody	"Payment provider error"
//	@Security		BearerAuth
//	@Router			/billing/portal [post]
func (h *BillingHandler) Portal(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}
	tenantID := p.TenantID()

	url, err := h.billing.Portal(r.Context(), tenantID)
	if err != nil {
		h.fail(w, r, tenantID, "portal", err)
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

func (h *BillingHandler) fail(w http.ResponseWriter, r *http.Request, tenantID, op string, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidPlan):
		writeError(w, http.StatusBadRequest, "invalid_plan", err.Error())
	case errors.Is(err, ports.ErrNotFound):
		writeError(w, http.StatusNotFound, "no_customer", "No billing account exists for this tenant")
	case errors.Is(err, ports.ErrProviderNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "billing_unavailable", "Billing is not configured")
	case errors.Is(err, ports.ErrStoreUnavailable):
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Str("op", op).
			Str("request_id", middleware.GetReqID(r.Context())).Msg("billing request failed")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Temporarily unavailable, please retry")
	default:
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Str("op", op).
			Str("request_id", middleware.GetReqID(r.Context())).Msg("billing request failed")
		writeError(w, http.StatusBadGateway, "provider_error", "Payment provider request failed")
	}
}
