// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mbus

import "fmt"

// FramingError reports a response whose link layer structure is wrong:
// too short, bad start or stop marker, inconsistent length fields or an
// unexpected control/CI field.
type FramingError struct {
	Reason string
	Offset int
}

func (e *FramingError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("framing error at byte %d: %s", e.Offset, e.Reason)
	}
	return "framing error: " + e.Reason
}

func framingErrorf(offset int, format string, args ...interface{}) *FramingError {
	return &FramingError{Reason: fmt.Sprintf(format, args...), Offset: offset}
}

// ChecksumError reports a checksum mismatch over the C..data section.
type ChecksumError struct {
	Expected uint8 // computed over the received bytes
	Received uint8 // carried in the frame
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected 0x%02X, got 0x%02X", e.Expected, e.Received)
}

// FieldError reports a measurement record whose raw encoding cannot be
// turned into a physical value.
type FieldError struct {
	Kind   MeasurementKind
	VIF    uint8
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s (vif 0x%02X): %s", e.Kind, e.VIF, e.Reason)
}
