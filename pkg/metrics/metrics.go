// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics exports poll statistics and meter values to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/Thermoquad/echostat/pkg/mbus"
	"github.com/Thermoquad/echostat/pkg/meter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "echostat"

// Collector holds the echostat metrics. It observes polls and provides
// the per-kind value gauges used by sinks.Gauge.
type Collector struct {
	polls               *prometheus.CounterVec
	pollDuration        prometheus.Histogram
	consecutiveFailures prometheus.Gauge
	lastSuccess         prometheus.Gauge
	anomalies           *prometheus.CounterVec
	values              *prometheus.GaugeVec
}

var (
	registerOnce sync.Once
	defaultSet   *Collector
)

// New creates a collector and registers it with reg
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poll",
				Name:      "total",
				Help:      "Poll cycles by outcome.",
			},
			[]string{"outcome"},
		),
		pollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "poll",
				Name:      "duration_seconds",
				Help:      "Duration of completed poll cycles in seconds.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 1.5, 2, 3, 5},
			},
		),
		consecutiveFailures: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "poll",
				Name:      "consecutive_failures",
				Help:      "Failed polls since the last success.",
			},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "poll",
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful poll.",
			},
		),
		anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reading",
				Name:      "anomalies_total",
				Help:      "Plausibility anomalies by type.",
			},
			[]string{"type"},
		),
		values: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "meter",
				Name:      "value",
				Help:      "Last published value per measurement kind, in its output unit.",
			},
			[]string{"kind"},
		),
	}

	for _, col := range []prometheus.Collector{
		c.polls, c.pollDuration, c.consecutiveFailures, c.lastSuccess, c.anomalies, c.values,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	// expose every outcome from the start
	for _, o := range meter.Outcomes {
		c.polls.WithLabelValues(o.String())
	}
	return c, nil
}

// Default returns the collector registered with the default registry
func Default() *Collector {
	registerOnce.Do(func() {
		c, err := New(prometheus.DefaultRegisterer)
		if err != nil {
			panic(err)
		}
		defaultSet = c
	})
	return defaultSet
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePoll records one poll result
func (c *Collector) ObservePoll(res meter.PollResult) {
	c.polls.WithLabelValues(res.Outcome.String()).Inc()
	if res.Outcome == meter.OutcomeBusy {
		return
	}

	c.pollDuration.Observe(res.Duration.Seconds())
	c.consecutiveFailures.Set(float64(res.State.ConsecutiveFailures))
	if !res.State.LastSuccess.IsZero() {
		c.lastSuccess.Set(float64(res.State.LastSuccess.UnixMilli()) / 1000)
	}
	for _, a := range res.Anomalies {
		c.anomalies.WithLabelValues(a.Type.String()).Inc()
	}
}

// Value returns the gauge for kind
func (c *Collector) Value(kind mbus.MeasurementKind) prometheus.Gauge {
	return c.values.WithLabelValues(kind.String())
}
