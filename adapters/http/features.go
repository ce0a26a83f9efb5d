package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/artpar/tenantmeter/app"
	"github.com/artpar/tenantmeter/domain/entitlement"
	"github.com/artpar/tenantmeter/domain/usage"
	"github.com/artpar/tenantmeter/ports"
)

// FeatureHandler guards feature calls with the quota gate and forwards them to
// the feature pipeline.
type FeatureHandler struct {
	gate     *app.Gate
	upstream ports.FeatureUpstream
	logger   zerolog.Logger
}

// NewFeatureHandler creates a feature handler.
func NewFeatureHandler(gate *app.Gate, upstream ports.FeatureUpstream, logger zerolog.Logger) *FeatureHandler {
	return &FeatureHandler{gate: gate, upstream: upstream, logger: logger}
}

// Guard returns a handler that consumes one unit of feature (and one api_call)
// when the pipeline answers 2xx, and nothing otherwise.
//
//	@Summary		Quota-guarded feature call
//	@Description	Forwarded to the feature pipeline when the tenant has quota left
//	@Tags			Features
//	@Accept			json
//	@Produce		json
//	@Success		200
//	@Failure		401	{object}	ErrorBody
//	@Failure		403	{object}	DenyBody	"Limit reached"
//	@Failure		502	{object}	ErrorBody	"Feature pipeline unavailable"
//	@Failure		503	{object}	DenyBody	"Quota store unavailable"
//	@Security		ApiKeyAuth
//	@Security		BearerAuth
//	@Router			/v1/analyze [post]
//	@Router			/v1/generate [post]
func (h *FeatureHandler) Guard(feature usage.Feature) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}
		tenantID := p.TenantID()
		requestID := middleware.GetReqID(r.Context())
		log := h.logger.With().
			Str("tenant_id", tenantID).
			Str("feature", string(feature)).
			Str("request_id", requestID).
			Logger()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "Failed to read request body")
			return
		}

		decision, tickets, err := h.gate.Acquire(r.Context(), tenantID, feature, usage.FeatureAPICall)
		if err != nil {
			if errors.Is(err, ports.ErrStoreUnavailable) || decision.Code == entitlement.CodeQuotaUnavailable {
				writeJSON(w, http.StatusServiceUnavailable, DenyBody{
					Denied:  true,
					Code:    entitlement.CodeQuotaUnavailable,
					Message: entitlement.Unavailable(feature).Message,
				})
				return
			}
			log.Error().Err(err).Msg("quota check failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "Quota check failed")
			return
		}
		if !decision.Allowed {
			writeJSON(w, http.StatusForbidden, DenyBody{
				Denied:  true,
				Code:    decision.Code,
				Message: decision.Message,
			})
			return
		}

		// Settlement must survive a client disconnect after the pipeline answered.
		settleCtx := context.WithoutCancel(r.Context())

		resp, err := h.upstream.Forward(r.Context(), ports.FeatureRequest{
			Method:    r.Method,
			Path:      r.URL.Path,
			Query:     r.URL.RawQuery,
			Headers:   r.Header,
			Body:      body,
			TenantID:  tenantID,
			RequestID: requestID,
		})
		if err != nil {
			tickets.Release(settleCtx)
			log.Warn().Err(err).Msg("feature pipeline unreachable, quota released")
			writeError(w, http.StatusBadGateway, "upstream_unavailable", "Feature pipeline is unavailable")
			return
		}

		if resp.Status >= 200 && resp.Status < 300 {
			if err := tickets.Commit(settleCtx); err != nil {
				// The operation happened; the reservation expires on its own.
				log.Error().Err(err).Int("status", resp.Status).Msg("usage commit failed after success")
			}
		} else {
			tickets.Release(settleCtx)
			log.Debug().Int("status", resp.Status).Msg("feature call failed upstream, quota released")
		}

		for k, v := range resp.Headers {
			w.Header()[k] = v
		}
		w.WriteHeader(resp.Status)
		if len(resp.Body) > 0 {
			if _, err := w.Write(resp.Body); err != nil {
				log.Debug().Err(err).Msg("failed to write response body")
			}
		}
	}
}
