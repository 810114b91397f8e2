// Package metrics exposes the Prometheus instrumentation shared across the
// server: request counters on the HTTP surface, event bus throughput, and
// watchdog scan outcomes. Metrics register themselves on the default registry
// at init; Handler serves them for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_requests_total",
			Help: "Total MCP requests",
		}, []string{"endpoint"})

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcp_request_duration_seconds",
			Help:    "Request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"})

	requestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_errors_total",
			Help: "Total MCP errors",
		}, []string{"endpoint", "status_code"})

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total events published",
		}, []string{"type"})

	eventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Total events consumed",
		}, []string{"type"})

	eventHandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_handler_errors_total",
			Help: "Total event handler errors",
		}, []string{"type"})

	orchestratorHandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_handler_errors_total",
			Help: "Total orchestrator handler errors",
		}, []string{"type"})

	taskClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_claims_total",
			Help: "Task claim attempts by result",
		}, []string{"result"})

	taskUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_updates_total",
			Help: "Task status updates by status and outcome",
		}, []string{"status", "outcome"})

	watchdogScans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_watchdog_scans_total",
			Help: "Total watchdog scan iterations",
		}, []string{"action"})

	watchdogActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_watchdog_actions_total",
			Help: "Watchdog actions outcome counts",
		}, []string{"action", "outcome"})

	watchdogErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_watchdog_errors_total",
			Help: "Watchdog errors",
		}, []string{"action"})

	watchdogDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tasks_watchdog_scan_duration_seconds",
			Help:    "Duration of watchdog scans",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RequestCounted increments the request counter for an endpoint. Counted at
// dispatch so errored requests still show up.
func RequestCounted(endpoint string) {
	requests.WithLabelValues(endpoint).Inc()
}

// RequestDuration records one wall-clock latency sample for an endpoint.
func RequestDuration(endpoint string, seconds float64) {
	requestDuration.WithLabelValues(endpoint).Observe(seconds)
}

// RequestError records a request that ended in an error status.
func RequestError(endpoint, statusCode string) {
	requestErrors.WithLabelValues(endpoint, statusCode).Inc()
}

// EventPublished increments the publish counter for an event type.
func EventPublished(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// EventConsumed increments the consume counter for an event type.
func EventConsumed(eventType string) {
	eventsConsumed.WithLabelValues(eventType).Inc()
}

// EventHandlerError increments the handler error counter for an event type.
func EventHandlerError(eventType string) {
	eventHandlerErrors.WithLabelValues(eventType).Inc()
}

// OrchestratorHandlerError counts a failure inside the orchestrator's event
// handler, keyed by the event type it was processing.
func OrchestratorHandlerError(eventType string) {
	orchestratorHandlerErrors.WithLabelValues(eventType).Inc()
}

// TaskClaim counts a claim attempt: "claimed", "empty", or "error".
func TaskClaim(result string) {
	taskClaims.WithLabelValues(result).Inc()
}

// TaskUpdate counts a status update by target status and outcome ("ok",
// "not_found", "error").
func TaskUpdate(status, outcome string) {
	taskUpdates.WithLabelValues(status, outcome).Inc()
}

// WatchdogScan counts one watchdog scan iteration for the configured action.
func WatchdogScan(action string) {
	watchdogScans.WithLabelValues(action).Inc()
}

// WatchdogAction records the outcome of a scan: "ok" when stale tasks were
// acted on, "none" when the scan found nothing.
func WatchdogAction(action, outcome string) {
	watchdogActions.WithLabelValues(action, outcome).Inc()
}

// WatchdogError counts a failed watchdog scan.
func WatchdogError(action string) {
	watchdogErrors.WithLabelValues(action).Inc()
}

// WatchdogScanDuration records how long a scan took.
func WatchdogScanDuration(action string, seconds float64) {
	watchdogDuration.WithLabelValues(action).Observe(seconds)
}
