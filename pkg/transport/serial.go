// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport provides the byte channels a meter.Reader talks
// through: a local serial port and a WebSocket serial bridge.
package transport

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/echostat/pkg/mbus"
	"github.com/Thermoquad/echostat/pkg/meter"
	"go.bug.st/serial"
)

// DefaultBaudRate is the M-Bus rate of the optical head
const DefaultBaudRate = 2400

// Wake-up timing of the optical interface
const (
	wakeupSettle = 50 * time.Millisecond  // after switching to 8N1
	wakeupPause  = 350 * time.Millisecond // after the burst
	modeSettle   = 10 * time.Millisecond  // after switching back to 8E1
)

// port is the subset of serial.Port used here
type port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetMode(mode *serial.Mode) error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Drain() error
	Close() error
}

// Serial is a meter transport over a local serial port (2400 8E1).
type Serial struct {
	mu       sync.Mutex
	port     port
	name     string
	baudRate int
	sleep    func(time.Duration)
}

// OpenSerial opens a serial port in M-Bus mode
func OpenSerial(portName string, baudRate int) (*Serial, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}

	p, err := serial.Open(portName, mbusMode(baudRate))
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	return newSerial(p, portName, baudRate), nil
}

func newSerial(p port, name string, baudRate int) *Serial {
	return &Serial{port: p, name: name, baudRate: baudRate, sleep: time.Sleep}
}

func mbusMode(baudRate int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	}
}

func wakeupMode(baudRate int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// String describes the connection
func (s *Serial) String() string {
	return fmt.Sprintf("Serial: %s @ %d baud", s.name, s.baudRate)
}

// Write sends p and waits until it left the UART
func (s *Serial) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(p)
}

func (s *Serial) write(p []byte) error {
	for len(p) > 0 {
		n, err := s.port.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return s.port.Drain()
}

// ReadWithTimeout returns the bytes available within timeout, or
// meter.ErrTimeout if none arrived
func (s *Serial) ReadWithTimeout(max int, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.port.SetReadTimeout(timeout); err != nil {
		return nil, err
	}
	buf := make([]byte, max)
	n, err := s.port.Read(buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, meter.ErrTimeout
	}
	return buf[:n], nil
}

// Wakeup sends the optical head wake-up burst at 8N1 and returns the port
// to 8E1
func (s *Serial) Wakeup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.port.SetMode(wakeupMode(s.baudRate)); err != nil {
		return fmt.Errorf("switch to 8N1: %w", err)
	}
	s.sleep(wakeupSettle)

	burst := bytes.Repeat([]byte{mbus.WakeupByte}, mbus.WakeupCount)
	if err := s.write(burst); err != nil {
		return fmt.Errorf("wake-up burst: %w", err)
	}
	s.sleep(wakeupPause)

	if err := s.port.SetMode(mbusMode(s.baudRate)); err != nil {
		return fmt.Errorf("switch to 8E1: %w", err)
	}
	s.sleep(modeSettle)
	return nil
}

// FlushInput discards unread input
func (s *Serial) FlushInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.ResetInputBuffer()
}

// Close closes the port
func (s *Serial) Close() error {
	return s.port.Close()
}
