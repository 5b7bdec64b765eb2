// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sinks contains the destinations a channel publishes to.
package sinks

import (
	"fmt"

	"github.com/Thermoquad/echostat/pkg/mbus"
	"github.com/Thermoquad/echostat/pkg/meter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Log writes each value as an info line
type Log struct {
	log      zerolog.Logger
	kind     mbus.MeasurementKind
	unit     string
	decimals int
}

// NewLog creates a log sink for kind. An empty unit uses the kind's unit;
// negative decimals use the kind's default precision.
func NewLog(log zerolog.Logger, kind mbus.MeasurementKind, unit string, decimals int) *Log {
	if unit == "" {
		unit = kind.Unit()
	}
	if decimals < 0 {
		decimals = kind.DefaultDecimals()
	}
	return &Log{log: log, kind: kind, unit: unit, decimals: decimals}
}

// Publish logs value
func (l *Log) Publish(value float64) {
	l.log.Info().
		Str("kind", l.kind.String()).
		Str("unit", l.unit).
		Float64("value", mbus.Round(value, l.decimals)).
		Msg(fmt.Sprintf("%s: %.*f %s", l.kind, l.decimals, value, l.unit))
}

// Gauge sets a Prometheus gauge to the last published value
type Gauge struct {
	gauge prometheus.Gauge
}

// NewGauge wraps g
func NewGauge(g prometheus.Gauge) *Gauge {
	return &Gauge{gauge: g}
}

// Publish sets the gauge
func (g *Gauge) Publish(value float64) {
	g.gauge.Set(value)
}

// Multi fans one value out to several sinks in order
type Multi []meter.Sink

// Publish calls every sink
func (m Multi) Publish(value float64) {
	for _, s := range m {
		s.Publish(value)
	}
}

// Combine returns the single sink in list, or a Multi for several. It
// returns nil for an empty list.
func Combine(list ...meter.Sink) meter.Sink {
	var out Multi
	for _, s := range list {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}
