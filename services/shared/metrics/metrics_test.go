package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RelayCounters(t *testing.T) {
	m := New(Config{ServiceName: "relay"})

	m.RecordLogin("redirected")
	m.RecordLogin("redirected")
	m.RecordLogin("invalid")
	m.RecordCallback("session_not_found")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.loginsTotal.WithLabelValues("redirected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loginsTotal.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callbacksTotal.WithLabelValues("session_not_found")))
}

func TestMetrics_HTTPMiddleware(t *testing.T) {
	m := New(Config{ServiceName: "relay"})

	h := m.HTTPMiddleware(func(*http.Request) string { return "/login" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusFound)
		}),
	)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login?redirect=x", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("relay", "GET", "/login", "302")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.httpRequestsInFlight))
}

func TestMetrics_Handler(t *testing.T) {
	m := New(Config{ServiceName: "relay"})
	m.RecordProviderExchange("token", 20*time.Millisecond)
	m.RecordStatesPurged(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "relay_provider_exchange_duration_seconds"))
	assert.True(t, strings.Contains(body, "relay_states_purged_total 3"))
}
