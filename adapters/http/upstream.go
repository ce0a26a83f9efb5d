package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/artpar/tenantmeter/adapters/metrics"
	"github.com/artpar/tenantmeter/ports"
)

// maxUpstreamBody caps the buffered pipeline reply.
const maxUpstreamBody = 50 << 20

// hopHeaders are never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// UpstreamClient forwards quota-guarded calls to the feature pipeline.
type UpstreamClient struct {
	client  *http.Client
	baseURL *url.URL
	metrics *metrics.Collector
}

// UpstreamConfig contains configuration for the upstream client.
type UpstreamConfig struct {
	BaseURL         string
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	Metrics         *metrics.Collector // optional
}

// NewUpstreamClient creates a new upstream HTTP client.
func NewUpstreamClient(cfg UpstreamConfig) (*UpstreamClient, error) {
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("upstream base URL must be absolute, got %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 100
	}

	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		IdleConnTimeout:     idleConnTimeout,
	}

	return &UpstreamClient{
		client:  &http.Client{Transport: transport, Timeout: timeout},
		baseURL: baseURL,
		metrics: cfg.Metrics,
	}, nil
}

// Forward sends a request to the pipeline and buffers the reply.
// Transport failures and timeouts are returned as errors; any HTTP status is a response.
func (u *UpstreamClient) Forward(ctx context.Context, req ports.FeatureRequest) (ports.FeatureResponse, error) {
	start := time.Now()

	upstreamURL := u.baseURL.ResolveReference(&url.URL{
		Path:     req.Path,
		RawQuery: req.Query,
	})

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, upstreamURL.String(), body)
	if err != nil {
		return ports.FeatureResponse{}, fmt.Errorf("create request: %w", err)
	}

	for k, v := range req.Headers {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	stripHop(httpReq.Header)
	httpReq.Header.Del("Authorization")
	httpReq.Header.Del("Cookie")

	httpReq.Header.Set("X-Tenant-ID", req.TenantID)
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := u.client.Do(httpReq)
	if err != nil {
		u.observeError(ctx, err)
		return ports.FeatureResponse{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		u.observeError(ctx, err)
		return ports.FeatureResponse{}, fmt.Errorf("read response: %w", err)
	}

	if u.metrics != nil {
		u.metrics.UpstreamDuration.
			WithLabelValues(req.Path, metrics.StatusClass(resp.StatusCode)).
			Observe(time.Since(start).Seconds())
	}

	headers := resp.Header.Clone()
	stripHop(headers)

	return ports.FeatureResponse{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    respBody,
	}, nil
}

func (u *UpstreamClient) observeError(ctx context.Context, err error) {
	if u.metrics == nil {
		return
	}
	kind := "transport"
	switch {
	case ctx.Err() == context.Canceled:
		kind = "canceled"
	case ctx.Err() == context.DeadlineExceeded || isTimeout(err):
		kind = "timeout"
	}
	u.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
}

func isTimeout(err error) bool {
	t, ok := err.(interface{ Timeout() bool })
	return ok && t.Timeout()
}

func stripHop(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// HealthCheck verifies the pipeline is reachable.
func (u *UpstreamClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.baseURL.String(), nil)
	if err != nil {
		return err
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	// Any response (even 404) means upstream is reachable
	return nil
}

// Close releases idle connections.
func (u *UpstreamClient) Close() error {
	u.client.CloseIdleConnections()
	return nil
}

var _ ports.FeatureUpstream = (*UpstreamClient)(nil)
