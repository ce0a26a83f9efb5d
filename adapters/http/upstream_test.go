package http_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	apihttp "github.com/artpar/tenantmeter/adapters/http"
	"github.com/artpar/tenantmeter/adapters/metrics"
	"github.com/artpar/tenantmeter/ports"
)

func TestNewUpstreamClient(t *testing.T) {
	tests := []struct {
		name    string
		cfg     apihttp.UpstreamConfig
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: apihttp.UpstreamConfig{
				BaseURL:         "https://pipeline.example.com",
				Timeout:         30 * time.Second,
				MaxIdleConns:    50,
				IdleConnTimeout: 60 * time.Second,
			},
		},
		{
			name: "minimal config with defaults",
			cfg:  apihttp.UpstreamConfig{BaseURL: "https://pipeline.example.com"},
		},
		{
			name:    "invalid URL",
			cfg:     apihttp.UpstreamConfig{BaseURL: "://invalid-url"},
			wantErr: true,
		},
		{
			name:    "relative URL",
			cfg:     apihttp.UpstreamConfig{BaseURL: "/pipeline"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := apihttp.NewUpstreamClient(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			client.Close()
		})
	}
}

func TestUpstreamClient_Forward(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"analysis_id":"a1"}`))
	}))
	defer server.Close()

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL, Metrics: m})
	if err != nil {
		t.Fatalf("NewUpstreamClient error: %v", err)
	}
	defer client.Close()

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Authorization", "Bearer secret")
	headers.Set("Keep-Alive", "timeout=5")

	resp, err := client.Forward(context.Background(), ports.FeatureRequest{
		Method:    http.MethodPost,
		Path:      "/v1/analyze",
		Query:     "depth=2",
		Headers:   headers,
		Body:      []byte(`{"url":"https://example.com"}`),
		TenantID:  "org_1",
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("Forward error: %v", err)
	}

	if resp.Status != http.StatusCreated {
		t.Errorf("Status = %d, want 201", resp.Status)
	}
	if string(resp.Body) != `{"analysis_id":"a1"}` {
		t.Errorf("Body = %s", resp.Body)
	}
	if resp.Headers.Get("Connection") != "" {
		t.Error("hop-by-hop response header forwarded")
	}

	if got.URL.Path != "/v1/analyze" || got.URL.RawQuery != "depth=2" {
		t.Errorf("upstream saw %s?%s", got.URL.Path, got.URL.RawQuery)
	}
	if got.Header.Get("X-Tenant-ID") != "org_1" {
		t.Errorf("X-Tenant-ID = %q", got.Header.Get("X-Tenant-ID"))
	}
	if got.Header.Get("X-Request-ID") != "req-1" {
		t.Errorf("X-Request-ID = %q", got.Header.Get("X-Request-ID"))
	}
	if got.Header.Get("Authorization") != "" {
		t.Error("identity token must not reach the pipeline")
	}
	if got.Header.Get("Keep-Alive") != "" {
		t.Error("hop-by-hop request header forwarded")
	}
	if string(gotBody) != `{"url":"https://example.com"}` {
		t.Errorf("upstream body = %s", gotBody)
	}
	if n := testutil.CollectAndCount(m.UpstreamDuration); n != 1 {
		t.Errorf("UpstreamDuration series = %d, want 1", n)
	}
}

func TestUpstreamClient_ForwardErrorStatusIsResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewUpstreamClient error: %v", err)
	}

	resp, err := client.Forward(context.Background(), ports.FeatureRequest{Method: http.MethodPost, Path: "/v1/generate"})
	if err != nil {
		t.Fatalf("Forward error: %v", err)
	}
	if resp.Status != http.StatusBadGateway {
		t.Errorf("Status = %d, want 502", resp.Status)
	}
}

func TestUpstreamClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{
		BaseURL: server.URL,
		Timeout: 50 * time.Millisecond,
		Metrics: m,
	})
	if err != nil {
		t.Fatalf("NewUpstreamClient error: %v", err)
	}

	_, err = client.Forward(context.Background(), ports.FeatureRequest{Method: http.MethodPost, Path: "/v1/analyze"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if v := testutil.ToFloat64(m.UpstreamErrors.WithLabelValues("timeout")); v != 1 {
		t.Errorf("timeout errors = %v, want 1", v)
	}
}

func TestUpstreamClient_HealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewUpstreamClient error: %v", err)
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck error: %v", err)
	}

	server.Close()
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck should fail once the pipeline is gone")
	}
}
