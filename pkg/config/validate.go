// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"fmt"
	"net/url"
	"sort"

	"github.com/Thermoquad/echostat/pkg/mbus"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	// ------------------------------------------------------------
	// METER
	// ------------------------------------------------------------

	if a := cfg.Meter.Address; a != nil {
		if *a < 0 || *a > 0xFE {
			return fmt.Errorf("meter.address %d out of range (0-254)", *a)
		}
	}
	if cfg.Meter.TimeoutMs < 0 {
		return fmt.Errorf("meter.timeout_ms must not be negative")
	}
	if cfg.Poll.IntervalMs < 0 {
		return fmt.Errorf("poll.interval_ms must not be negative")
	}
	if cfg.Poll.IntervalMs > 0 && cfg.Meter.TimeoutMs > cfg.Poll.IntervalMs {
		return fmt.Errorf(
			"meter.timeout_ms (%d) exceeds poll.interval_ms (%d)",
			cfg.Meter.TimeoutMs,
			cfg.Poll.IntervalMs,
		)
	}

	// ------------------------------------------------------------
	// TRANSPORT
	// ------------------------------------------------------------

	t := cfg.Transport
	if t.Port != "" && t.URL != "" {
		return fmt.Errorf("transport.port and transport.url are mutually exclusive")
	}
	if t.Baud < 0 {
		return fmt.Errorf("transport.baud must not be negative")
	}
	if t.URL != "" {
		u, err := url.Parse(t.URL)
		if err != nil {
			return fmt.Errorf("transport.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("transport.url: unsupported scheme %q (use ws:// or wss://)", u.Scheme)
		}
	}

	// ------------------------------------------------------------
	// CHANNELS
	// ------------------------------------------------------------

	// sorted for stable error messages
	names := make([]string, 0, len(cfg.Channels))
	for name := range cfg.Channels {
		names = append(names, name)
	}
	sort.Strings(names)

	// key = register, value = channel using it
	registerOwner := make(map[uint16]string)

	for _, name := range names {
		ch := cfg.Channels[name]
		if _, err := mbus.ParseKind(name); err != nil {
			return fmt.Errorf("channels: %w", err)
		}
		if d := ch.AccuracyDecimals; d != nil && (*d < 0 || *d > 6) {
			return fmt.Errorf("channel %q: accuracy_decimals %d out of range (0-6)", name, *d)
		}
		if ch.Register == nil {
			continue
		}
		if cfg.Modbus.Endpoint == "" {
			return fmt.Errorf("channel %q: register is set but modbus.endpoint is empty", name)
		}

		// a float32 occupies two registers
		reg := *ch.Register
		if reg == 0xFFFF {
			return fmt.Errorf("channel %q: register %d leaves no room for a float", name, reg)
		}
		for _, r := range []uint16{reg, reg + 1} {
			if prev, exists := registerOwner[r]; exists {
				return fmt.Errorf(
					"register overlap: channel %q register %d collides with channel %q",
					name,
					reg,
					prev,
				)
			}
			registerOwner[r] = name
		}
	}

	// ------------------------------------------------------------
	// OUTPUTS
	// ------------------------------------------------------------

	if cfg.Modbus.TimeoutMs < 0 {
		return fmt.Errorf("modbus.timeout_ms must not be negative")
	}
	if cfg.Modbus.UnitID > 247 {
		return fmt.Errorf("modbus.unit_id %d out of range (0-247)", cfg.Modbus.UnitID)
	}

	return nil
}
