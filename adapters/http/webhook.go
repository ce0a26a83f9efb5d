package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/artpar/tenantmeter/app"
	"github.com/artpar/tenantmeter/domain/billing"
	"github.com/artpar/tenantmeter/ports"
)

// maxWebhookBody caps a billing notification body.
const maxWebhookBody = 1 << 20

// EventHandler reconciles a verified billing event.
type EventHandler interface {
	Handle(ctx context.Context, ev billing.Event) (app.Outcome, error)
}

// WebhookHandler receives payment provider notifications.
type WebhookHandler struct {
	provider   ports.PaymentProvider
	reconciler EventHandler
	metrics    ports.MetricsRecorder
	logger     zerolog.Logger
}

// NewWebhookHandler creates the billing webhook handler. metrics may be nil.
func NewWebhookHandler(provider ports.PaymentProvider, reconciler EventHandler, m ports.MetricsRecorder, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{provider: provider, reconciler: reconciler, metrics: m, logger: logger}
}

// ServeHTTP verifies the signature over the raw body and reconciles the event.
// 400 means the body was rejected and nothing was recorded; 503 asks the provider
// to retry later.
//
//	@Summary		Billing webhook
//	@Description	Payment provider notifications, authenticated by signature
//	@Tags			Billing
//	@Accept			json
//	@Produce		json
//	@Success		200
//	@Failure		400	{object}	ErrorBody	"Signature verification failed"
//	@Failure		503	{object}	ErrorBody	"Retry later"
//	@Router			/billing/webhook [post]
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		log.Warn().Err(err).Msg("failed to read webhook body")
		writeError(w, http.StatusBadRequest, "bad_request", "Failed to read request body")
		return
	}
	if len(body) > maxWebhookBody {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "Webhook body too large")
		return
	}

	ev, err := h.provider.ParseWebhook(body, r.Header.Get(h.provider.SignatureHeader()))
	switch {
	case err == nil:
	case errors.Is(err, ports.ErrSignatureVerification):
		log.Warn().Err(err).Msg("webhook signature verification failed")
		h.record("unverified", "rejected")
		writeError(w, http.StatusBadRequest, "invalid_signature", "Webhook signature verification failed")
		return
	case errors.Is(err, ports.ErrProviderNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "billing_unavailable", "Billing is not configured")
		return
	case errors.Is(err, billing.ErrMalformed):
		// Verified but without an event id, so there is no ledger key to record it under.
		// Acknowledge so the provider stops redelivering.
		log.Warn().Err(err).Msg("dropping unidentifiable webhook event")
		h.record("malformed", string(app.OutcomeDropped))
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	default:
		log.Error().Err(err).Msg("webhook decode failed")
		writeError(w, http.StatusBadRequest, "bad_request", "Webhook payload could not be decoded")
		return
	}

	meta := ev.Meta()
	log = log.With().Str("provider_event_id", meta.ID).Str("event_type", meta.Type).Logger()

	outcome, err := h.reconciler.Handle(r.Context(), ev)
	if err != nil {
		if errors.Is(err, ports.ErrStoreUnavailable) {
			log.Error().Err(err).Msg("webhook deferred: store unavailable")
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Temporarily unable to process event")
			return
		}
		log.Error().Err(err).Msg("webhook processing failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to process event")
		return
	}

	log.Debug().Str("outcome", string(outcome)).Msg("webhook processed")
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *WebhookHandler) record(eventType, outcome string) {
	if h.metrics != nil {
		h.metrics.RecordWebhook(eventType, outcome)
	}
}
