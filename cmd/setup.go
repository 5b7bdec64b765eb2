// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/Thermoquad/echostat/pkg/config"
	"github.com/Thermoquad/echostat/pkg/logging"
	"github.com/Thermoquad/echostat/pkg/mbus"
	"github.com/Thermoquad/echostat/pkg/meter"
	"github.com/Thermoquad/echostat/pkg/metrics"
	"github.com/Thermoquad/echostat/pkg/sinks"
)

// outputs are the optional destinations a channel can publish to
type outputs struct {
	log       bool
	collector *metrics.Collector
	modbus    *sinks.ModbusClient
}

// channelFor returns the configuration of kind. With no channels
// configured at all, every kind is enabled with defaults.
func channelFor(cfg *config.Config, kind mbus.MeasurementKind) config.ChannelConfig {
	if len(cfg.Channels) == 0 {
		return config.ChannelConfig{Enabled: true}
	}
	return cfg.Channels[kind.String()]
}

// buildRegistry configures one channel per kind and freezes the registry
func buildRegistry(cfg *config.Config, out outputs) (*meter.Registry, error) {
	registry := meter.NewRegistry()
	logger := logging.For("channel")

	for _, kind := range mbus.Kinds {
		ch := channelFor(cfg, kind)

		var list []meter.Sink
		if ch.Enabled {
			if out.log {
				list = append(list, sinks.NewLog(logger, kind, ch.Unit, ch.Decimals()))
			}
			if out.collector != nil {
				list = append(list, sinks.NewGauge(out.collector.Value(kind)))
			}
			if out.modbus != nil && ch.Register != nil {
				list = append(list, sinks.NewModbus(out.modbus, kind, *ch.Register))
			}
		}

		sink := sinks.Combine(list...)
		enabled := ch.Enabled && sink != nil
		if err := registry.Configure(kind, enabled, sink); err != nil {
			return nil, fmt.Errorf("channel %s: %w", kind, err)
		}
	}

	registry.Freeze()
	return registry, nil
}

// newReader builds a reader from the meter section
func newReader(t meter.Transport, registry *meter.Registry, cfg *config.Config) (*meter.Reader, error) {
	opts := meter.DefaultOptions()
	opts.Address = cfg.Meter.AddressValue()
	opts.Timeout = cfg.Meter.Timeout()
	opts.Wakeup = cfg.Meter.WakeupEnabled()
	return meter.NewReader(t, registry, opts)
}
