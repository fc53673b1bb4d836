package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.CacheLookup("memory", "hit")
	c.PrefetchItem("channels", "ok")
	c.DegradedResult("use_stale_cache", "stale")
	c.AuthAttempt("success")
}

func TestCollectorCounts(t *testing.T) {
	c := New("")
	c.CacheLookup("memory", "hit")
	c.CacheLookup("memory", "hit")
	c.CacheLookup("persistent", "miss")
	c.CacheInvalidated("pattern", 3)
	c.CacheInvalidated("pattern", 0)
	c.PrefetchQueueDepth("high", 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("memory", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("persistent", "miss")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.cacheInvalidations.WithLabelValues("pattern")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.prefetchQueue.WithLabelValues("high")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New("test")
	c.AuthAttempt("failure")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `test_session_auth_attempts_total{outcome="failure"} 1`)
}
