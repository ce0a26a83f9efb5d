package http

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/artpar/tenantmeter/app"
	"github.com/artpar/tenantmeter/domain/usage"
	"github.com/artpar/tenantmeter/ports"
)

// UsageHandler reports a tenant's own consumption.
type UsageHandler struct {
	metering *app.MeteringService
	logger   zerolog.Logger
}

// NewUsageHandler creates a usage handler.
func NewUsageHandler(metering *app.MeteringService, logger zerolog.Logger) *UsageHandler {
	return &UsageHandler{metering: metering, logger: logger}
}

// LimitResponse is one limited feature.
type LimitResponse struct {
	Window    string `json:"window"`
	Ceiling   int64  `json:"ceiling"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
}

// UsageResponse is the body of GET /usage.
type UsageResponse struct {
	TenantID           string                   `json:"tenant_id"`
	Plan               string                   `json:"plan"`
	SubscriptionStatus string                   `json:"subscription_status"`
	Period             string                   `json:"period"`
	Usage              map[string]int64         `json:"usage"`
	Limits             map[string]LimitResponse `json:"limits"`
}

// Get returns plan, current-period counters and remaining quota.
//
//	@Summary		Current usage
//	@Description	Plan, subscription status, current-period counters and remaining quota for the caller's tenant
//	@Tags			Usage
//	@Produce		json
//	@Success		200	{object}	UsageResponse
//	@Failure		401	{object}	ErrorBody
//	@Failure		503	{object}	ErrorBody	"Store temporarily unavailable"
//	@Security		BearerAuth
//	@Router			/usage [get]
func (h *UsageHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}
	tenantID := p.TenantID()

	sum, err := h.metering.Summary(r.Context(), tenantID)
	if err != nil {
		h.logger.Error().Err(err).
			Str("tenant_id", tenantID).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("usage summary failed")
		if errors.Is(err, ports.ErrStoreUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Temporarily unavailable, please retry")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load usage")
		return
	}

	writeJSON(w, http.StatusOK, usageResponse(sum))
}

func usageResponse(sum app.UsageSummary) UsageResponse {
	counts := make(map[string]int64, len(usage.Features))
	for f, n := range sum.Usage.Counts() {
		counts[string(f)] = n
	}
	limits := make(map[string]LimitResponse, len(sum.Limits))
	for f, l := range sum.Limits {
		limits[string(f)] = LimitResponse{
			Window:    string(l.Window),
			Ceiling:   l.Ceiling,
			Used:      l.Used,
			Remaining: l.Remaining,
		}
	}
	return UsageResponse{
		TenantID:           sum.Tenant.ID,
		Plan:               string(sum.Tenant.Plan),
		SubscriptionStatus: string(sum.Tenant.Status),
		Period:             sum.Period.Key(),
		Usage:              counts,
		Limits:             limits,
	}
}
