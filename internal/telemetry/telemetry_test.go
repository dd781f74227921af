package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://Maps.Example.com/place/1": "maps.example.com",
		"example.org/path":                 "example.org",
		"":                                 "unknown",
	}
	for in, want := range cases {
		require.Equal(t, want, SanitizeSite(in), in)
	}
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/leases", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/leases", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418")))
}

func TestBrowserGaugeAndDelays(t *testing.T) {
	SetBrowserOpen(true)
	require.Equal(t, 1.0, testutil.ToFloat64(browserOpen))
	SetBrowserOpen(false)
	require.Equal(t, 0.0, testutil.ToFloat64(browserOpen))

	ObserveRateLimitDelay("example.com", 200*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(rateLimitDelaysSeconds))
}

func TestInitTelemetryWithoutProject(t *testing.T) {
	tp, mp, err := InitTelemetry(context.Background(), Config{ServiceName: "harvester-test"})
	require.NoError(t, err)
	require.NotNil(t, tp)
	require.NotNil(t, mp)
}
