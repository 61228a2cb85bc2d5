package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCounters(t *testing.T) {
	m := New()

	m.ChatRequest("ananda", StatusOK)
	m.ChatRequest("ananda", StatusOK)
	m.ChatRequest("ananda", StatusBadRequest)
	m.RerankerFallback(errors.New("boom"))
	m.RateLimited.WithLabelValues("chat").Inc()

	body := scrape(t, m)
	assert.Contains(t, body, `luca_chat_requests_total{site="ananda",status="ok"} 2`)
	assert.Contains(t, body, `luca_chat_requests_total{site="ananda",status="bad_request"} 1`)
	assert.Contains(t, body, "luca_reranker_fallbacks_total 1")
	assert.Contains(t, body, `luca_rate_limited_total{route="chat"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestHistograms(t *testing.T) {
	m := New()
	m.ObserveRetrieval(120 * time.Millisecond)
	m.ObserveStream(0, 50) // no token, so no ttfb sample
	m.ObserveStream(300*time.Millisecond, 80)

	body := scrape(t, m)
	assert.Contains(t, body, "luca_retrieval_duration_seconds_count 1")
	assert.Contains(t, body, "luca_time_to_first_token_seconds_count 1")
	assert.Contains(t, body, "luca_tokens_per_second_count 2")
	assert.Contains(t, body, "luca_tokens_per_second_sum 130")
}
