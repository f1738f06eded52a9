// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storepulse"

var (
	pollOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_outcomes_total",
		Help:      "Fast-loop terminal outcomes by kind.",
	}, []string{"outcome"})
	pollFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_fetches_total",
		Help:      "Message fetches issued by the poller, by loop.",
	}, []string{"loop"})
	insertsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inserts_observed_total",
		Help:      "Change-feed inserts seen by the bridge, by relevance.",
	}, []string{"relevant"})
	sends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sends_total",
		Help:      "User message sends by result.",
	}, []string{"result"})
	sendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "send_duration_seconds",
		Help:      "Time from posting a message to receiving the assistant reply.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
	})
	jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_jobs_total",
		Help:      "Upload analysis jobs by result.",
	}, []string{"result"})
)

// PollOutcome counts one terminal fast-loop outcome.
func PollOutcome(outcome string) { pollOutcomes.WithLabelValues(outcome).Inc() }

// PollFetch counts one fetch from the fast or idle loop.
func PollFetch(loop string) { pollFetches.WithLabelValues(loop).Inc() }

// InsertObserved counts one change-feed insert.
func InsertObserved(relevant bool) {
	v := "false"
	if relevant {
		v = "true"
	}
	insertsObserved.WithLabelValues(v).Inc()
}

// Send records the result and latency of one send.
func Send(result string, d time.Duration) {
	sends.WithLabelValues(result).Inc()
	sendLatency.Observe(d.Seconds())
}

// Job counts one processed upload job.
func Job(result string) { jobs.WithLabelValues(result).Inc() }

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler { return promhttp.Handler() }
