package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/artpar/tenantmeter/adapters/auth"
	"github.com/artpar/tenantmeter/adapters/metrics"
	"github.com/artpar/tenantmeter/app"
	"github.com/artpar/tenantmeter/domain/key"
	"github.com/artpar/tenantmeter/ports"
)

// APIKeyHeader carries a tenant API key on feature calls.
const APIKeyHeader = "X-API-Key"

type principalKey struct{}

// WithPrincipal stores the authenticated principal in the context.
func WithPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated principal, if any.
func PrincipalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

// TokenVerifier verifies bearer tokens.
type TokenVerifier interface {
	Verify(token string) (auth.Principal, error)
}

// KeyAuthenticator resolves raw API keys.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, raw string) (key.Key, error)
}

type authenticator struct {
	tokens  TokenVerifier
	keys    KeyAuthenticator // nil disables the API key path
	metrics *metrics.Collector
	logger  zerolog.Logger
}

func (a *authenticator) fail(w http.ResponseWriter, r *http.Request, reason string, err error) {
	if a.metrics != nil {
		a.metrics.AuthFailures.WithLabelValues(reason).Inc()
	}
	a.logger.Debug().Err(err).
		Str("reason", reason).
		Str("path", r.URL.Path).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("authentication failed")
}

func (a *authenticator) bearer(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		a.denyBearer(w, r, "missing_token", nil)
		return auth.Principal{}, false
	}

	p, err := a.tokens.Verify(strings.TrimSpace(token))
	if err != nil {
		reason := "invalid_token"
		if !errors.Is(err, auth.ErrInvalidToken) {
			reason = "verifier_error"
		}
		a.denyBearer(w, r, reason, err)
		return auth.Principal{}, false
	}
	return p, true
}

func (a *authenticator) denyBearer(w http.ResponseWriter, r *http.Request, reason string, err error) {
	a.fail(w, r, reason, err)
	w.Header().Set("WWW-Authenticate", `Bearer realm="tenantmeter"`)
	writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid bearer token")
}

func (a *authenticator) apiKey(w http.ResponseWriter, r *http.Request, raw string) (auth.Principal, bool) {
	k, err := a.keys.Authenticate(r.Context(), strings.TrimSpace(raw))
	if err != nil {
		if errors.Is(err, ports.ErrStoreUnavailable) {
			a.fail(w, r, "key_store_unavailable", err)
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Temporarily unavailable, please retry")
			return auth.Principal{}, false
		}
		reason := app.KeyReason(err)
		if reason == "" {
			reason = "key_lookup_error"
		}
		a.fail(w, r, reason, err)
		writeError(w, http.StatusUnauthorized, reason, "Invalid API key")
		return auth.Principal{}, false
	}
	return auth.KeyPrincipal(k.TenantID, k.ID), true
}

// NewAuthMiddleware rejects requests without a valid bearer token and stores the
// principal in the request context.
func NewAuthMiddleware(tokens TokenVerifier, m *metrics.Collector, logger zerolog.Logger) func(next http.Handler) http.Handler {
	return newAuth(&authenticator{tokens: tokens, metrics: m, logger: logger})
}

// NewFeatureAuthMiddleware accepts an X-API-Key header or, when none is sent, a
// bearer token. A present but invalid key is rejected without trying the token.
func NewFeatureAuthMiddleware(tokens TokenVerifier, keys KeyAuthenticator, m *metrics.Collector, logger zerolog.Logger) func(next http.Handler) http.Handler {
	return newAuth(&authenticator{tokens: tokens, keys: keys, metrics: m, logger: logger})
}

func newAuth(a *authenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				p  auth.Principal
				ok bool
			)
			if raw := r.Header.Values(APIKeyHeader); len(raw) > 0 && a.keys != nil {
				p, ok = a.apiKey(w, r, raw[0])
			} else {
				p, ok = a.bearer(w, r)
			}
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// Skip logging for health checks and metrics
			if skipObservability(r.URL.Path) {
				return
			}

			ev := logger.Debug()
			if ww.Status() >= 500 {
				ev = logger.Warn()
			}
			if p, ok := PrincipalFrom(r.Context()); ok {
				ev = ev.Str("tenant_id", p.TenantID())
				if p.KeyID != "" {
					ev = ev.Str("key_id", p.KeyID)
				}
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

// NewMetricsMiddleware creates middleware that records request metrics.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipObservability(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := routePattern(r)
			m.RequestsTotal.WithLabelValues(r.Method, route, metrics.StatusClass(ww.Status())).Inc()
			m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// routePattern returns the matched chi pattern so label cardinality stays bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func skipObservability(path string) bool {
	return strings.HasPrefix(path, "/healthz") || path == "/metrics" ||
		strings.HasPrefix(path, "/swagger") || strings.HasPrefix(path, "/.well-known")
}
