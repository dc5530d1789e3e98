package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conclave"

var (
	Registry = prometheus.NewRegistry()

	ViewsInstalled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "views_installed_total",
			Help:      "Number of membership views installed by this process.",
		},
	)

	ViewSequence = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "view_sequence",
			Help:      "Sequence number of the installed view.",
		},
	)

	ViewMembers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "view_members",
			Help:      "Number of members in the installed view.",
		},
	)

	JoinRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_requests_total",
			Help:      "Join requests handled by the coordinator, by outcome.",
		},
		[]string{"outcome"},
	)

	Proposals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "View change proposals started by this process, by result.",
		},
		[]string{"result"},
	)

	ProposalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proposal_duration_seconds",
			Help:      "Time from prepare to commit of a view change.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
	)

	Suspicions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspicions_total",
			Help:      "Suspicion reports, by whether they were sent or received.",
		},
		[]string{"direction"},
	)

	Probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Failure detector probes, by result.",
		},
		[]string{"result"},
	)

	Messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound membership envelopes, by kind.",
		},
		[]string{"kind"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		ViewsInstalled, ViewSequence, ViewMembers,
		JoinRequests, Proposals, ProposalDuration,
		Suspicions, Probes, Messages, uptime,
		collectors.NewGoCollector(),
	)
}

func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
