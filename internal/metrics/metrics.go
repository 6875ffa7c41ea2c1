// Package metrics exposes Prometheus collectors for the acquisition pipeline.
// A nil *Collectors is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ppsrx"

type Collectors struct {
	lockChecks      *prometheus.CounterVec
	lockWait        prometheus.Histogram
	alignments      prometheus.Counter
	alignSkew       prometheus.Gauge
	streamStarts    prometheus.Counter
	blocks          prometheus.Counter
	samples         prometheus.Counter
	recvErrors      *prometheus.CounterVec
	discontinuities prometheus.Counter
	queueDepth      prometheus.Gauge
	queueDrops      prometheus.Counter
	holdover        prometheus.Gauge
}

// New builds the collectors and registers them on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collectors{
		lockChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_checks_total",
			Help:      "Reference lock sensor checks by result.",
		}, []string{"result"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the reference to lock.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		alignments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alignments_total",
			Help:      "Completed clock alignments.",
		}),
		alignSkew: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alignment_skew_seconds",
			Help:      "Reference/device skew reported by the last alignment.",
		}),
		streamStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_starts_total",
			Help:      "Scheduled stream start commands issued.",
		}),
		blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_received_total",
			Help:      "Sample blocks received.",
		}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_received_total",
			Help:      "Samples received per channel.",
		}),
		recvErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_errors_total",
			Help:      "Receive calls that ended with a device error code.",
		}, []string{"code"}),
		discontinuities: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timestamp_discontinuities_total",
			Help:      "Blocks whose timestamp did not follow the previous block.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handoff_queue_length",
			Help:      "Blocks waiting in the consumer hand-off queue.",
		}),
		queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_dropped_total",
			Help:      "Blocks discarded by the drop-oldest hand-off policy.",
		}),
		holdover: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "holdover_seconds",
			Help:      "Time since the reference lock was lost, zero while locked.",
		}),
	}
	reg.MustRegister(c.lockChecks, c.lockWait, c.alignments, c.alignSkew, c.streamStarts,
		c.blocks, c.samples, c.recvErrors, c.discontinuities, c.queueDepth, c.queueDrops, c.holdover)
	return c
}

func (c *Collectors) ObserveLockCheck(locked bool) {
	if c == nil {
		return
	}
	result := "unlocked"
	if locked {
		result = "locked"
	}
	c.lockChecks.WithLabelValues(result).Inc()
}

func (c *Collectors) ObserveLockWait(seconds float64) {
	if c == nil {
		return
	}
	c.lockWait.Observe(seconds)
}

func (c *Collectors) ObserveAlignment(skewSeconds float64) {
	if c == nil {
		return
	}
	c.alignments.Inc()
	c.alignSkew.Set(skewSeconds)
}

func (c *Collectors) ObserveStreamStart() {
	if c == nil {
		return
	}
	c.streamStarts.Inc()
}

func (c *Collectors) ObserveBlock(samples int) {
	if c == nil {
		return
	}
	c.blocks.Inc()
	c.samples.Add(float64(samples))
}

func (c *Collectors) ObserveRecvError(code string) {
	if c == nil {
		return
	}
	c.recvErrors.WithLabelValues(code).Inc()
}

func (c *Collectors) ObserveDiscontinuity() {
	if c == nil {
		return
	}
	c.discontinuities.Inc()
}

func (c *Collectors) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

func (c *Collectors) ObserveQueueDrop() {
	if c == nil {
		return
	}
	c.queueDrops.Inc()
}

func (c *Collectors) SetHoldover(seconds float64) {
	if c == nil {
		return
	}
	c.holdover.Set(seconds)
}
