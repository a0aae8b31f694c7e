package dnsrelay

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsrelay_queries_total",
			Help: "Total number of client queries accepted and forwarded",
		},
		[]string{"relay"},
	)

	repliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsrelay_replies_total",
			Help: "Total number of upstream replies relayed to clients",
		},
		[]string{"relay"},
	)

	upstreamQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsrelay_upstream_queries_total",
			Help: "Total number of datagrams sent to each upstream",
		},
		[]string{"relay", "upstream"},
	)

	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsrelay_dropped_total",
			Help: "Total number of datagrams dropped by reason",
		},
		[]string{"relay", "reason"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsrelay_send_errors_total",
			Help: "Total number of failed or short sends",
		},
		[]string{"relay", "direction"},
	)

	pendingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dnsrelay_pending_queries",
			Help: "Number of queries waiting for an upstream reply",
		},
		[]string{"relay"},
	)
)

func init() {
	prometheus.MustRegister(queriesTotal)
	prometheus.MustRegister(repliesTotal)
	prometheus.MustRegister(upstreamQueriesTotal)
	prometheus.MustRegister(droppedTotal)
	prometheus.MustRegister(errorsTotal)
	prometheus.MustRegister(pendingGauge)
}

// Drop reasons.
const (
	dropShort     = "short"
	dropUnmatched = "unmatched"
	dropFull      = "table-full"
	dropExpired   = "expired"
)

// RelayMetrics holds the collectors of one relay instance.
type RelayMetrics struct {
	query    prometheus.Counter
	reply    prometheus.Counter
	upstream *prometheus.CounterVec
	drop     *prometheus.CounterVec
	err      *prometheus.CounterVec
	pending  prometheus.Gauge
}

// NewRelayMetrics returns the collectors for the relay with the given id.
func NewRelayMetrics(id string) *RelayMetrics {
	labels := prometheus.Labels{"relay": id}
	return &RelayMetrics{
		query:    queriesTotal.With(labels),
		reply:    repliesTotal.With(labels),
		upstream: upstreamQueriesTotal.MustCurryWith(labels),
		drop:     droppedTotal.MustCurryWith(labels),
		err:      errorsTotal.MustCurryWith(labels),
		pending:  pendingGauge.With(labels),
	}
}
