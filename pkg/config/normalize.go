// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

// Normalize applies defaults for everything left unset.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Meter.Address == nil {
		a := DefaultAddress
		cfg.Meter.Address = &a
	}
	if cfg.Meter.TimeoutMs == 0 {
		cfg.Meter.TimeoutMs = DefaultTimeoutMs
	}
	if cfg.Meter.Wakeup == nil {
		on := true
		cfg.Meter.Wakeup = &on
	}
	if cfg.Poll.IntervalMs == 0 {
		cfg.Poll.IntervalMs = DefaultIntervalMs
	}
	if cfg.Transport.Baud == 0 {
		cfg.Transport.Baud = DefaultBaud
	}
	if cfg.Modbus.Endpoint != "" && cfg.Modbus.TimeoutMs == 0 {
		cfg.Modbus.TimeoutMs = DefaultModbusMs
	}
	if cfg.Channels == nil {
		cfg.Channels = map[string]ChannelConfig{}
	}
}
