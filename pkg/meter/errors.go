// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package meter

import (
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/echostat/pkg/mbus"
)

var (
	// ErrTimeout is returned by transports when no data arrived in time
	// and wrapped by *TimeoutError when a whole poll ran out of time.
	ErrTimeout = errors.New("no response from meter")

	// ErrBusy is wrapped by *BusyError.
	ErrBusy = errors.New("meter busy")

	// ErrFrozen is returned when configuring a frozen registry.
	ErrFrozen = errors.New("channel registry is frozen")
)

// TimeoutError reports that no complete frame arrived within the poll
// deadline. Received counts the bytes that did arrive.
type TimeoutError struct {
	Timeout  time.Duration
	Received int
}

func (e *TimeoutError) Error() string {
	if e.Received > 0 {
		return fmt.Sprintf("timeout after %s: incomplete response (%d bytes)", e.Timeout, e.Received)
	}
	return fmt.Sprintf("timeout after %s: no response", e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// BusyError reports a poll request that collided with an in-flight poll
// or with an immediate read that is already queued.
type BusyError struct {
	Pending bool
}

func (e *BusyError) Error() string {
	if e.Pending {
		return "immediate read already pending"
	}
	return "poll already in progress"
}

func (e *BusyError) Unwrap() error { return ErrBusy }

// DuplicateChannelError reports a second Configure call for the same kind.
type DuplicateChannelError struct {
	Kind mbus.MeasurementKind
}

func (e *DuplicateChannelError) Error() string {
	return fmt.Sprintf("channel %s already configured", e.Kind)
}

// TransportError wraps an IO failure of the underlying transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
