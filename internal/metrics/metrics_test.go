package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveServerResponse(200)
		m.AddServerBytes(10)
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.IncSegmentsConsumed()
		m.IncSegmentsFetched()
		m.AddDownloadedBytes(10)
		m.ObserveStall(1)
		m.ObserveStartupDelay(1)
		m.IncRequests()
		m.IncErrors()
	})
	assert.Nil(t, m.Registry())
}

func TestServerCounters(t *testing.T) {
	m := New()
	m.ObserveServerResponse(200)
	m.ObserveServerResponse(200)
	m.ObserveServerResponse(404)
	m.AddServerBytes(1000)
	m.AddServerBytes(-5)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.serverRequests.WithLabelValues("200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.serverRequests.WithLabelValues("404")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.serverBytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.serverConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.serverOpen))
}

func TestClientMetrics(t *testing.T) {
	m := New()
	m.ObserveStall(1.5)
	m.ObserveStall(3)
	m.ObserveStartupDelay(2)
	m.IncSegmentsConsumed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stalls))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.segmentsConsumed))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stallSeconds))
}

func TestRequestMiddlewareAndHandler(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/ok", "/missing", "/ok"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(m.httpRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpErrors))

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "dashsim_http_requests_total 3"))
}
