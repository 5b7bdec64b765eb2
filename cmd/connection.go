// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"

	"github.com/Thermoquad/echostat/pkg/config"
	"github.com/Thermoquad/echostat/pkg/meter"
	"github.com/Thermoquad/echostat/pkg/transport"
)

// Connection is a meter transport that can be closed and described
type Connection interface {
	meter.Transport
	io.Closer
	String() string
}

// OpenConnection opens either a serial or WebSocket connection based on
// the transport configuration
func OpenConnection(t config.TransportConfig) (Connection, error) {
	if t.URL != "" {
		// WebSocket mode
		password := ""
		if t.Username != "" {
			var err error
			password, err = transport.GetPassword()
			if err != nil {
				return nil, err
			}
		}

		conn, err := transport.OpenWebSocket(t.URL, t.Username, password, t.NoSSLVerify)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	if t.Port != "" {
		// Serial mode
		conn, err := transport.OpenSerial(t.Port, t.Baud)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	return nil, fmt.Errorf("either --port or --url must be specified")
}
