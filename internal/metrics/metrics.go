// Package metrics holds the Prometheus series chatgate exports on /metrics.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatgate"

var factory = promauto.With(prometheus.DefaultRegisterer)

// HTTP
var (
	HTTPRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route pattern, and status class.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Billing
var BillingEventsTotal = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "billing_events_total",
	Help:      "Payment provider events by event type and processing outcome.",
}, []string{"type", "outcome"})

// Chat routing. Outcome and state label values come from small fixed sets.
var (
	ChatMessagesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chat_messages_total",
		Help:      "Inbound chat messages by routing outcome.",
	}, []string{"outcome"})

	EntitlementChecksTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entitlement_checks_total",
		Help:      "Entitlement evaluations of known senders by resulting state.",
	}, []string{"state"})

	CreditsDebitedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credits_debited_total",
		Help:      "Credits debited by routed chat messages.",
	})

	OutboundSendFailuresTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbound_send_failures_total",
		Help:      "Messages that could not be delivered to the chat platform.",
	})
)

// Downstream services
var (
	// ClassifierDecisionsTotal is split by whether the fallback answer was used.
	ClassifierDecisionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "classifier_decisions_total",
		Help:      "Intent classification decisions by action and fallback flag.",
	}, []string{"action", "fallback"})

	ClassifierDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "classifier_duration_seconds",
		Help:      "Completion service call duration in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
	})

	WorkflowExecutionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_executions_total",
		Help:      "Workflow executor calls by workflow and result.",
	}, []string{"workflow", "result"})
)

// Usage
var (
	UsageRecordsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_records_total",
		Help:      "Usage records appended by action.",
	}, []string{"action"})

	UsagePublishedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_published_total",
		Help:      "Usage records forwarded to the message broker by result.",
	}, []string{"result"})
)

// RegisterDB exports connection pool statistics for db. Registering the
// same pool twice is a no-op.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, namespace))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware records request count and latency by route pattern, which
// keeps label cardinality bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))
		c.Next()
		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusClass reduces a status code to its class, "2xx" through "5xx".
func statusClass(code int) string {
	class := min(max(code/100, 1), 5)
	return strconv.Itoa(class) + "xx"
}
