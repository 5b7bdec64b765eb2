// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package meter

import "time"

// Transport is the half-duplex byte channel to the meter.
type Transport interface {
	// Write sends the whole buffer.
	Write(p []byte) error

	// ReadWithTimeout returns up to max bytes as soon as any are available.
	// It returns ErrTimeout when nothing arrived within timeout.
	ReadWithTimeout(max int, timeout time.Duration) ([]byte, error)
}

// Waker is implemented by transports that need a wake-up burst before each
// request (optical heads).
type Waker interface {
	Wakeup() error
}

// InputFlusher is implemented by transports that can discard stale input
// before a request is written.
type InputFlusher interface {
	FlushInput() error
}
