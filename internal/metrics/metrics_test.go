package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestHandlerExposesCounters(t *testing.T) {
	DeferredItems.WithLabelValues("metrics-handler").Add(3)
	SubmitAttempts.WithLabelValues("metrics-handler", "failed").Inc()
	SpendUSD.WithLabelValues("metrics-handler").Add(0.25)

	body := scrape(t)
	assert.Contains(t, body, `batch_deferred_items_total{label="metrics-handler"} 3`)
	assert.Contains(t, body, `batch_submit_attempts_total{label="metrics-handler",outcome="failed"} 1`)
	assert.Contains(t, body, `batch_spend_usd_total{stage="metrics-handler"} 0.25`)
}

func TestHistogramRegistered(t *testing.T) {
	AttemptDuration.WithLabelValues("metrics-hist").Observe(2)
	assert.Contains(t, scrape(t), `batch_attempt_duration_seconds_count{label="metrics-hist"} 1`)
}
