// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the echostat YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Normalize
const (
	DefaultAddress    = 0xFE
	DefaultTimeoutMs  = 2000
	DefaultIntervalMs = 30000
	DefaultBaud       = 2400
	DefaultModbusMs   = 1000
)

type Config struct {
	Meter     MeterConfig              `yaml:"meter"`
	Poll      PollConfig               `yaml:"poll"`
	Transport TransportConfig          `yaml:"transport"`
	Channels  map[string]ChannelConfig `yaml:"channels"`
	HTTP      HTTPConfig               `yaml:"http"`
	Modbus    ModbusConfig             `yaml:"modbus"`
	Archive   ArchiveConfig            `yaml:"archive"`
}

// ---- METER ----

type MeterConfig struct {
	Address   *int  `yaml:"address"` // primary address, nil = 0xFE
	TimeoutMs int   `yaml:"timeout_ms"`
	Wakeup    *bool `yaml:"wakeup"`
}

// ---- POLL ----

type PollConfig struct {
	IntervalMs int  `yaml:"interval_ms"`
	Trigger    bool `yaml:"trigger"` // accept SIGUSR1 and POST /read
}

// ---- TRANSPORT ----

type TransportConfig struct {
	Port        string `yaml:"port"`
	Baud        int    `yaml:"baud"`
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	NoSSLVerify bool   `yaml:"no_ssl_verify"`
}

// ---- CHANNELS ----

// ChannelConfig is keyed by measurement kind name in Config.Channels
type ChannelConfig struct {
	Enabled          bool    `yaml:"enabled"`
	Unit             string  `yaml:"unit"`
	AccuracyDecimals *int    `yaml:"accuracy_decimals"`
	Register         *uint16 `yaml:"register"` // Modbus holding register, optional
}

// ---- OUTPUTS ----

type HTTPConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9108", empty disables
}

type ModbusConfig struct {
	Endpoint  string `yaml:"endpoint"`
	UnitID    uint8  `yaml:"unit_id"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type ArchiveConfig struct {
	Path string `yaml:"path"`
}

// Load reads and decodes path. Unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document. An empty document yields an empty Config.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AddressValue returns the configured primary address
func (m MeterConfig) AddressValue() uint8 {
	if m.Address == nil {
		return DefaultAddress
	}
	return uint8(*m.Address)
}

// Timeout returns the response budget
func (m MeterConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// WakeupEnabled reports whether the wake-up burst is sent
func (m MeterConfig) WakeupEnabled() bool {
	return m.Wakeup == nil || *m.Wakeup
}

// Interval returns the scheduled poll interval
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

// Timeout returns the Modbus request timeout
func (m ModbusConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// Decimals returns the configured precision, or -1 for the kind default
func (c ChannelConfig) Decimals() int {
	if c.AccuracyDecimals == nil {
		return -1
	}
	return *c.AccuracyDecimals
}
