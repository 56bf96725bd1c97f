package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorExposesSeries(t *testing.T) {
	c := NewCollector(15 * time.Second)
	c.Polls.Inc()
	c.FetchErrors.WithLabelValues("rate_limited").Inc()
	c.StreamClients.Set(3)

	assert.Equal(t, 15.0, testutil.ToFloat64(c.PollInterval))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.FetchErrors.WithLabelValues("rate_limited")))

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "livemap_polls_total 1")
	assert.Contains(t, string(body), `livemap_fetch_errors_total{reason="rate_limited"} 1`)
	assert.Contains(t, string(body), "livemap_stream_clients 3")
}
