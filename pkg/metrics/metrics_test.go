package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, "test")

	c.RecordRequest("/api/posts/search", 200, 150*time.Millisecond)
	c.RecordRequest("/api/posts/search", 429, 10*time.Millisecond)
	c.RecordRetry("fetch", "rate_limit")
	c.RecordRateLimited()
	c.RecordPage("posts", 45, 5)
	c.RecordPage("posts", 45, 5)
	c.RecordAsset("downloaded", 2048)
	c.RecordAsset("failed", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("/api/posts/search", "429")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retries.WithLabelValues("fetch", "rate_limit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rateLimited))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.pages.WithLabelValues("posts")))
	assert.Equal(t, 90.0, testutil.ToFloat64(c.admitted.WithLabelValues("posts")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.duplicates.WithLabelValues("posts")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.assets.WithLabelValues("failed")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(c.bytes))
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, "subharvest")
	c.RecordRateLimited()

	srv := httptest.NewServer(SetupMetricsRoute(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "subharvest_rate_limited_total 1")
}

func TestOrNop(t *testing.T) {
	assert.Equal(t, Nop{}, OrNop(nil))

	reg := prometheus.NewRegistry()
	c := NewCollector(reg, "x")
	assert.Same(t, c, OrNop(c))
}
