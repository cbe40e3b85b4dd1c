package observability_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aegis-rbac/aegis-console/internal/observability"
	_ "github.com/aegis-rbac/aegis-console/testing"
)

func TestMiddlewareRecordsRequests(t *testing.T) {
	metrics := observability.NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/users", nil))
	if res.Code != http.StatusTeapot {
		t.Fatalf("middleware altered status: %d", res.Code)
	}

	metrics.UpstreamRequest("/userdata", "ok")
	metrics.AuthzDenial("permission")

	exposRes := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(exposRes, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := exposRes.Body.String()
	for _, metric := range []string{
		"aegis_http_requests_total",
		"aegis_upstream_requests_total",
		"aegis_authz_denials_total",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("exposition missing %s:\n%s", metric, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *observability.Metrics
	metrics.UpstreamRequest("/userdata", "ok")
	metrics.AuthzDenial("role")

	res := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from nil metrics handler, got %d", res.Code)
	}

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
