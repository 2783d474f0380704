package metrics

import (
	"time"

	"github.com/codeflex/program-call/internal/call"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus collectors for the call page service.
// It implements call.Recorder.
type Metrics struct {
	// Call lifecycle
	CallsRequested    prometheus.Counter
	CallsStarted      prometheus.Counter
	CallsEnded        *prometheus.CounterVec
	CallDuration      prometheus.Histogram
	StartFailures     prometheus.Counter
	ProviderErrors    *prometheus.CounterVec
	TranscriptEntries *prometheus.CounterVec
	Redirects         *prometheus.CounterVec

	// Page mounts
	ActiveMounts prometheus.Gauge
	MountsTotal  prometheus.Counter

	// Transcript publishing
	SummariesPublished prometheus.Counter
	SummariesDropped   prometheus.Counter
	PublishFailures    prometheus.Counter

	// HTTP API
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		CallsRequested: f.NewCounter(prometheus.CounterOpts{
			Name: "program_call_requests_total",
			Help: "Total number of call start requests",
		}),
		CallsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "program_call_started_total",
			Help: "Total number of calls that became active",
		}),
		CallsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "program_call_ended_total",
			Help: "Total number of calls that ended, by reason",
		}, []string{"reason"}),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "program_call_duration_seconds",
			Help:    "Duration of calls from call-start to end",
			Buckets: prometheus.ExponentialBuckets(5, 2, 9), // 5s to ~21 minutes
		}),
		StartFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "program_call_start_failures_total",
			Help: "Total number of voice session starts that failed",
		}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "program_call_provider_errors_total",
			Help: "Total number of provider error events, by controller state",
		}, []string{"state"}),
		TranscriptEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "program_call_transcript_entries_total",
			Help: "Total number of transcript entries appended, by role",
		}, []string{"role"}),
		Redirects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "program_call_redirects_total",
			Help: "Total number of post-call navigations",
		}, []string{"trigger"}),

		ActiveMounts: f.NewGauge(prometheus.GaugeOpts{
			Name: "program_call_active_mounts",
			Help: "Current number of mounted call pages",
		}),
		MountsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "program_call_mounts_total",
			Help: "Total number of call page mounts",
		}),

		SummariesPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "program_call_summaries_published_total",
			Help: "Total number of call summaries delivered to MCP servers",
		}),
		SummariesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "program_call_summaries_dropped_total",
			Help: "Total number of call summaries dropped because the queue was full",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "program_call_publish_failures_total",
			Help: "Total number of failed summary deliveries",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "program_call_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "program_call_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "program_call_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

func (m *Metrics) CallRequested() { m.CallsRequested.Inc() }

func (m *Metrics) CallStarted() { m.CallsStarted.Inc() }

// CallEnded records the end reason and, when the call was active, its duration.
func (m *Metrics) CallEnded(reason call.EndReason, d time.Duration) {
	m.CallsEnded.WithLabelValues(string(reason)).Inc()
	if d > 0 {
		m.CallDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) StartFailed() { m.StartFailures.Inc() }

func (m *Metrics) ProviderError(state call.State) {
	m.ProviderErrors.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) TranscriptAppended(role call.Role) {
	m.TranscriptEntries.WithLabelValues(string(role)).Inc()
}

// Redirected counts navigations; immediate ones come from the user pressing
// the button before the timer fired.
func (m *Metrics) Redirected(immediate bool) {
	trigger := "timer"
	if immediate {
		trigger = "user"
	}
	m.Redirects.WithLabelValues(trigger).Inc()
}

// RecordMount tracks a page mount opening; the returned func records it closing.
func (m *Metrics) RecordMount() (done func()) {
	m.MountsTotal.Inc()
	m.ActiveMounts.Inc()
	return m.ActiveMounts.Dec
}

func (m *Metrics) RecordSummaryPublished() { m.SummariesPublished.Inc() }

func (m *Metrics) RecordSummaryDropped() { m.SummariesDropped.Inc() }

func (m *Metrics) RecordPublishFailure() { m.PublishFailures.Inc() }

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}

var _ call.Recorder = (*Metrics)(nil)
