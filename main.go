// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Echostat - CF Echo II Heat Meter Reader
//
// A CLI tool and daemon that polls a CF Echo II heat meter over M-Bus
// (optical head or WebSocket bridge) and publishes its readings.

package main

import (
	"os"

	"github.com/Thermoquad/echostat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
