package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts HTTP requests served by the tool server
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpbridge_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acpbridge_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// QueueDepth tracks conversational prompts waiting behind the running one
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "acpbridge_queue_depth",
			Help: "Number of queued conversational prompts",
		},
	)

	// ActiveSessions tracks live agent subprocesses
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "acpbridge_active_sessions",
			Help: "Number of running agent sessions",
		},
	)

	// SessionDuration tracks how long agent sessions run
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acpbridge_session_duration_seconds",
			Help:    "Agent session duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"outcome"},
	)

	// SessionTimeouts counts sessions ended by a deadline
	SessionTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpbridge_session_timeouts_total",
			Help: "Total number of agent sessions ended by a deadline",
		},
		[]string{"kind"},
	)

	// Classifications counts how responses were classified
	Classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpbridge_classifications_total",
			Help: "Total number of classified responses by mode",
		},
		[]string{"mode"},
	)

	// LiveEdits counts live-message operations
	LiveEdits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpbridge_live_edits_total",
			Help: "Total number of live-message operations",
		},
		[]string{"op", "status"},
	)

	// JobRuns counts scheduled job executions
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpbridge_job_runs_total",
			Help: "Total number of scheduled job runs",
		},
		[]string{"type", "status"},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpbridge_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := normalizePath(r.URL.Path)
		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/mcp", "/metrics":
		return path
	default:
		if len(path) > 5 && path[:5] == "/mcp/" {
			return "/mcp"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetQueueDepth records the number of pending conversational prompts
func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

// RecordSessionStart increments the active session gauge
func RecordSessionStart() {
	ActiveSessions.Inc()
}

// RecordSessionEnd decrements the active session gauge and records duration
func RecordSessionEnd(outcome string, d time.Duration) {
	ActiveSessions.Dec()
	SessionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordTimeout records a session deadline firing
func RecordTimeout(kind string) {
	SessionTimeouts.WithLabelValues(kind).Inc()
}

// RecordClassification records the mode chosen for a response
func RecordClassification(mode string) {
	Classifications.WithLabelValues(mode).Inc()
}

// RecordLiveEdit records a live-message operation
func RecordLiveEdit(op string, err error) {
	LiveEdits.WithLabelValues(op, status(err)).Inc()
}

// RecordJobRun records a scheduled job execution
func RecordJobRun(scheduleType string, err error) {
	JobRuns.WithLabelValues(scheduleType, status(err)).Inc()
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
