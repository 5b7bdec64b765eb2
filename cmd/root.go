// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/Thermoquad/echostat/pkg/config"
	"github.com/Thermoquad/echostat/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Meter flags
	meterAddress int

	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "echostat",
	Short: "CF Echo II M-Bus heat meter reader",
	Long: `Echostat - A CLI tool for reading CF Echo II heat meters over M-Bus.

Polls the meter with REQ_UD2, decodes the RSP_UD response and publishes
energy, volume, power, volume flow, flow/return temperature and delta-T
to the configured outputs (log, Prometheus, Modbus TCP, CBOR archive).

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 2400]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the ECHOSTAT_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:      "1.0.0",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := logging.Init(logLevel)
		return err
	},
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", config.DefaultBaud, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().IntVar(&meterAddress, "address", config.DefaultAddress, "Meter primary address (254 = any meter)")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides "+logging.EnvLevel)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads --config (if any), applies the connection flags the
// user set explicitly, then validates and fills in defaults
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := &config.Config{}
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}

	applyFlags(cmd, cfg)

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	config.Normalize(cfg)
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	t := &cfg.Transport

	if flags.Changed("port") {
		t.Port = portName
		t.URL = ""
	}
	if flags.Changed("url") {
		t.URL = wsURL
		t.Port = ""
	}
	if flags.Changed("baud") {
		t.Baud = baudRate
	}
	if flags.Changed("username") {
		t.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		t.NoSSLVerify = wsNoSSLVerify
	}
	if flags.Changed("address") {
		a := meterAddress
		cfg.Meter.Address = &a
	}
}
