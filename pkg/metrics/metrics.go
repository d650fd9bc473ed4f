package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hpc-queue/pkg/job"
)

// Collector turns queue transitions into Prometheus series. It implements
// queue.Observer.
type Collector struct {
	registry *prometheus.Registry

	Submissions *prometheus.CounterVec
	Retries     prometheus.Counter
	Requeues    prometheus.Counter
	Finished    *prometheus.CounterVec
	JobsInState *prometheus.GaugeVec
	Runtime     prometheus.Histogram
}

func NewCollector(driverName string) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	c := &Collector{
		registry: reg,
		Submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "hpcq_job_submissions_total",
				Help:        "Total number of job submissions accepted by the driver",
				ConstLabels: prometheus.Labels{"driver": driverName},
			},
			[]string{"attempt"}, // first, retry
		),
		Retries: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "hpcq_job_retries_total",
				Help:        "Total number of failed attempts sent back to waiting",
				ConstLabels: prometheus.Labels{"driver": driverName},
			},
		),
		Requeues: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "hpcq_job_requeues_total",
				Help:        "Total number of in-flight jobs sent back to waiting by a scheduler stop",
				ConstLabels: prometheus.Labels{"driver": driverName},
			},
		),
		Finished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "hpcq_jobs_finished_total",
				Help:        "Total number of jobs reaching a terminal state",
				ConstLabels: prometheus.Labels{"driver": driverName},
			},
			[]string{"state"}, // done, exit
		),
		JobsInState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "hpcq_jobs",
				Help:        "Current number of jobs per state",
				ConstLabels: prometheus.Labels{"driver": driverName},
			},
			[]string{"state"},
		),
		// 1s to ~4.5h
		Runtime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "hpcq_job_duration_seconds",
				Help:        "Time from last submission to terminal state",
				ConstLabels: prometheus.Labels{"driver": driverName},
				Buckets:     prometheus.ExponentialBuckets(1, 2, 15),
			},
		),
	}
	for _, s := range job.States {
		c.JobsInState.WithLabelValues(string(s))
	}
	return c
}

func (c *Collector) JobChanged(ev job.Event) {
	if ev.From != "" {
		c.JobsInState.WithLabelValues(string(ev.From)).Dec()
	}
	c.JobsInState.WithLabelValues(string(ev.To)).Inc()

	switch {
	case ev.To == job.StateSubmitted:
		attempt := "first"
		if ev.Job.SubmitCount > 1 {
			attempt = "retry"
		}
		c.Submissions.WithLabelValues(attempt).Inc()
	case ev.To == job.StateWaiting && ev.From.InFlight():
		if ev.Job.Reason == job.ReasonInterrupted {
			c.Requeues.Inc()
		} else {
			c.Retries.Inc()
		}
	case ev.To.Terminal():
		c.Finished.WithLabelValues(string(ev.To)).Inc()
		if !ev.Job.SubmittedAt.IsZero() {
			c.Runtime.Observe(ev.At.Sub(ev.Job.SubmittedAt).Seconds())
		}
	}
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
