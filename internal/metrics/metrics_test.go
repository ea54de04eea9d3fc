package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/mcp", normalizePath("/mcp"))
	assert.Equal(t, "/mcp", normalizePath("/mcp/session/abc"))
	assert.Equal(t, "/health", normalizePath("/health"))
	assert.Equal(t, "other", normalizePath("/admin"))
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))

	assert.Contains(t, scrape(t), `acpbridge_requests_total{method="GET",path="/health",status="418"}`)
}

func TestRecorders(t *testing.T) {
	SetQueueDepth(3)
	RecordJobRun("recurring", errors.New("boom"))
	RecordTimeout("idle")

	body := scrape(t)
	assert.Contains(t, body, "acpbridge_queue_depth 3")
	assert.Contains(t, body, `acpbridge_job_runs_total{status="error",type="recurring"}`)
	assert.Contains(t, body, `acpbridge_session_timeouts_total{kind="idle"}`)
}
