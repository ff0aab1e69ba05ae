package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector("huixiangdou", prometheus.NewRegistry(), zap.NewNop())
}

func TestRecordSession(t *testing.T) {
	c := newTestCollector(t)

	c.RecordSession("SUCCESS")
	c.RecordSession("SUCCESS")
	c.RecordSession("UNRELATED")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessionsTotal.WithLabelValues("SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsTotal.WithLabelValues("UNRELATED")))
}

func TestRecordRetrievalDecision(t *testing.T) {
	c := newTestCollector(t)

	c.RecordRetrievalDecision(true)
	c.RecordRetrievalDecision(false)
	c.RecordRetrievalDecision(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.retrievalDecisions.WithLabelValues("accept")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.retrievalDecisions.WithLabelValues("reject")))
}

func TestRecordLLMRequest(t *testing.T) {
	c := newTestCollector(t)

	c.RecordLLMRequest("internlm2", "ok", 1200*time.Millisecond, 100, 30)
	c.RecordLLMRequest("internlm2", "error", time.Second, 50, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.llmRequestsTotal.WithLabelValues("internlm2", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.llmRequestsTotal.WithLabelValues("internlm2", "error")))
	assert.Equal(t, 150.0, testutil.ToFloat64(c.llmTokensUsed.WithLabelValues("internlm2", "prompt")))
	assert.Equal(t, 30.0, testutil.ToFloat64(c.llmTokensUsed.WithLabelValues("internlm2", "completion")))
}

func TestRecordCache(t *testing.T) {
	c := newTestCollector(t)

	c.RecordCacheHit("retriever")
	c.RecordCacheMiss("article")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("retriever")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheMisses.WithLabelValues("article")))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(200))
	assert.Equal(t, "4xx", statusCode(404))
	assert.Equal(t, "5xx", statusCode(503))
	assert.Equal(t, "unknown", statusCode(42))
}
