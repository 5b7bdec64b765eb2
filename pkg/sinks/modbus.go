// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sinks

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/Thermoquad/echostat/pkg/logging"
	"github.com/Thermoquad/echostat/pkg/mbus"
	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
)

// registerWriter is the part of modbus.Client used here
type registerWriter interface {
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// ModbusConfig describes the Modbus TCP server values are written to
type ModbusConfig struct {
	Endpoint string
	UnitID   uint8
	Timeout  time.Duration
}

// ModbusClient is a single TCP connection to one Modbus server. Requests
// are serialized.
type ModbusClient struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  registerWriter
}

// NewModbusClient connects to cfg.Endpoint
func NewModbusClient(cfg ModbusConfig) (*ModbusClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("sinks modbus: endpoint required")
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.UnitID

	if err := h.Connect(); err != nil {
		return nil, err
	}

	return &ModbusClient{
		handler: h,
		client:  modbus.NewClient(h),
	}, nil
}

// Close closes the connection
func (c *ModbusClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler == nil {
		return nil
	}
	return c.handler.Close()
}

// WriteFloat32 stores v as an IEEE 754 float in two holding registers
// starting at addr, high word first
func (c *ModbusClient) WriteFloat32(addr uint16, v float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.client.WriteMultipleRegisters(addr, 2, packFloat32(v))
	return err
}

func packFloat32(v float32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, math.Float32bits(v))
	return out
}

// Modbus publishes one channel to a register pair. Write failures are
// logged; the next value retries.
type Modbus struct {
	client   *ModbusClient
	kind     mbus.MeasurementKind
	register uint16
	log      zerolog.Logger
}

// NewModbus creates a sink writing kind at register
func NewModbus(client *ModbusClient, kind mbus.MeasurementKind, register uint16) *Modbus {
	return &Modbus{
		client:   client,
		kind:     kind,
		register: register,
		log:      logging.For("modbus"),
	}
}

// Publish writes value
func (m *Modbus) Publish(value float64) {
	if err := m.client.WriteFloat32(m.register, float32(value)); err != nil {
		m.log.Warn().
			Err(err).
			Str("kind", m.kind.String()).
			Uint16("register", m.register).
			Msg("register write failed")
	}
}
