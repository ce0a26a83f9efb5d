package bootstrap_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/artpar/tenantmeter/adapters/auth"
	"github.com/artpar/tenantmeter/adapters/clock"
	apihttp "github.com/artpar/tenantmeter/adapters/http"
	"github.com/artpar/tenantmeter/adapters/redis"
	"github.com/artpar/tenantmeter/bootstrap"
	"github.com/artpar/tenantmeter/app"
	"github.com/artpar/tenantmeter/config"
	"github.com/artpar/tenantmeter/domain/usage"
)

const testSecret = "bootstrap-test-secret"

func newPipeline(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, path, pipelineURL, usageBlock string, analysisCeiling int) {
	t.Helper()
	dir := filepath.Dir(path)
	content := fmt.Sprintf(`
server:
  port: 18080
database:
  driver: sqlite
  dsn: %s
%s
auth:
  jwt_secret: %s
billing:
  provider: dummy
  webhook_secret: whsec_test
features:
  upstream_url: %s
logging:
  level: error
metrics:
  enabled: true
limits:
  free:
    analysis:
      window: lifetime
      ceiling: %d
`, filepath.Join(dir, "tenantmeter.db"), usageBlock, testSecret, pipelineURL, analysisCeiling)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func newApp(t *testing.T, usageBlock string, analysisCeiling int) (*bootstrap.App, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, newPipeline(t).URL, usageBlock, analysisCeiling)

	holder, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder: %v", err)
	}
	a, err := bootstrap.New(holder, bootstrap.Options{
		LogOutput: io.Discard,
		Clock:     clock.NewFake(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Shutdown() })
	return a, path
}

func call(t *testing.T, a *bootstrap.App, method, path string) int {
	t.Helper()
	tok, _, err := a.Tokens.Issue(auth.Principal{UserID: "user_1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	a.HTTPServer.Handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestNew_SQLite(t *testing.T) {
	a, _ := newApp(t, "", 2)

	if a.HTTPServer == nil || a.Stores == nil || a.Gate == nil {
		t.Fatal("app components not initialized")
	}
	if a.HTTPServer.Addr != "0.0.0.0:18080" {
		t.Errorf("Addr = %q", a.HTTPServer.Addr)
	}

	rec := httptest.NewRecorder()
	a.HTTPServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready = %d: %s", rec.Code, rec.Body.String())
	}

	for i := 0; i < 2; i++ {
		if code := call(t, a, http.MethodPost, "/v1/analyze"); code != http.StatusOK {
			t.Fatalf("call %d = %d", i+1, code)
		}
	}
	if code := call(t, a, http.MethodPost, "/v1/analyze"); code != http.StatusForbidden {
		t.Errorf("over ceiling = %d, want 403", code)
	}

	rec = httptest.NewRecorder()
	a.HTTPServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "tenantmeter_quota_decisions_total") {
		t.Error("metrics endpoint missing quota decisions")
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics endpoint missing runtime collectors")
	}
}

func TestNew_APIKeySharesTenantQuota(t *testing.T) {
	a, _ := newApp(t, "", 2)

	raw, _, err := a.Keys.Create(context.Background(), app.CreateKeyRequest{TenantID: "user_1", Name: "ci"})
	if err != nil {
		t.Fatalf("Create key: %v", err)
	}

	withKey := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewReader([]byte(`{}`)))
		req.Header.Set(apihttp.APIKeyHeader, raw)
		rec := httptest.NewRecorder()
		a.HTTPServer.Handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := withKey(); code != http.StatusOK {
		t.Fatalf("key call = %d, want 200", code)
	}
	if code := call(t, a, http.MethodPost, "/v1/analyze"); code != http.StatusOK {
		t.Fatalf("token call = %d, want 200", code)
	}
	if code := withKey(); code != http.StatusForbidden {
		t.Errorf("over ceiling with key = %d, want 403", code)
	}

	keys, err := a.Keys.List(context.Background(), "user_1")
	if err != nil || len(keys) != 1 || keys[0].LastUsed == nil {
		t.Errorf("List = %+v, %v", keys, err)
	}
}

func TestNew_RedisUsage(t *testing.T) {
	mr := miniredis.RunT(t)
	a, _ := newApp(t, fmt.Sprintf("usage:\n  backend: redis\n  redis_url: redis://%s/0\n", mr.Addr()), 3)

	if _, ok := a.Stores.Usage.(*redis.UsageStore); !ok {
		t.Fatalf("usage store = %T, want *redis.UsageStore", a.Stores.Usage)
	}
	if code := call(t, a, http.MethodPost, "/v1/analyze"); code != http.StatusOK {
		t.Fatalf("analyze = %d", code)
	}

	rec, err := a.Stores.Usage.Get(context.Background(), "user_1", usage.PeriodOf(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)), time.Now())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Analysis != 1 || rec.APICall != 1 {
		t.Errorf("usage = %+v, want analysis=1 api_call=1", rec)
	}
}

func TestNew_RedisUnreachable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "http://127.0.0.1:1", "usage:\n  backend: redis\n  redis_url: redis://127.0.0.1:1/0\n", 3)

	holder, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder: %v", err)
	}
	if _, err := bootstrap.New(holder, bootstrap.Options{LogOutput: io.Discard}); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestReload_AppliesLimits(t *testing.T) {
	a, path := newApp(t, "", 1)

	if code := call(t, a, http.MethodPost, "/v1/analyze"); code != http.StatusOK {
		t.Fatalf("first = %d", code)
	}
	if code := call(t, a, http.MethodPost, "/v1/analyze"); code != http.StatusForbidden {
		t.Fatalf("second = %d, want 403", code)
	}

	writeConfig(t, path, newPipeline(t).URL, "", 5)
	if err := a.Config.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if code := call(t, a, http.MethodPost, "/v1/analyze"); code != http.StatusOK {
		t.Errorf("after reload = %d, want 200", code)
	}
	if got := testutil.ToFloat64(a.Metrics.ConfigReloads); got != 1 {
		t.Errorf("config reloads = %v, want 1", got)
	}

	if err := os.WriteFile(path, []byte("server: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := a.Config.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := testutil.ToFloat64(a.Metrics.ConfigReloadErrors); got != 1 {
		t.Errorf("config reload errors = %v, want 1", got)
	}
}

func TestOpenStores_UnknownDriver(t *testing.T) {
	_, err := bootstrap.OpenStores(context.Background(), &config.Config{
		Database: config.DatabaseConfig{Driver: "mysql", DSN: "x"},
	})
	if err == nil || !strings.Contains(err.Error(), "mysql") {
		t.Errorf("err = %v, want unknown driver", err)
	}
}

func TestNewLogger(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	tests := []struct {
		name      string
		cfg       config.LoggingConfig
		wantLevel zerolog.Level
		wantJSON  bool
	}{
		{"json debug", config.LoggingConfig{Level: "debug", Format: "json"}, zerolog.DebugLevel, true},
		{"console warn", config.LoggingConfig{Level: "warn", Format: "console"}, zerolog.WarnLevel, false},
		{"bad level", config.LoggingConfig{Level: "loud", Format: "json"}, zerolog.InfoLevel, true},
		{"empty", config.LoggingConfig{}, zerolog.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := bootstrap.NewLogger(tt.cfg, &buf)
			if got := zerolog.GlobalLevel(); got != tt.wantLevel {
				t.Errorf("level = %v, want %v", got, tt.wantLevel)
			}
			logger.Error().Msg("hello")
			out := buf.String()
			if !strings.Contains(out, "hello") {
				t.Fatalf("output missing message: %q", out)
			}
			if isJSON := strings.HasPrefix(out, "{"); isJSON != tt.wantJSON {
				t.Errorf("json = %v, want %v: %q", isJSON, tt.wantJSON, out)
			}
		})
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	a, _ := newApp(t, "", 3)
	a.HTTPServer.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
