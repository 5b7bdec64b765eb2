// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mbus

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BuildRequest returns the REQ_UD2 short frame asking the meter at address
// for its current data. The bytes are identical on every call.
func BuildRequest(address uint8) []byte {
	return []byte{
		ShortStart,
		CtrlReqUD2,
		address,
		CalculateChecksum([]byte{CtrlReqUD2, address}),
		StopByte,
	}
}

// EncodeLongFrame wraps a CI field and application data into a long frame.
func EncodeLongFrame(control, address, ci uint8, data []byte) ([]byte, error) {
	length := 3 + len(data)
	if length > MaxLongLength {
		return nil, fmt.Errorf("frame payload too large: %d bytes (max %d)", len(data), MaxLongLength-3)
	}

	frame := make([]byte, 0, length+longOverhead)
	frame = append(frame, LongStart, byte(length), byte(length), LongStart)
	frame = append(frame, control, address, ci)
	frame = append(frame, data...)
	frame = append(frame, CalculateChecksum(frame[4:]), StopByte)
	return frame, nil
}

// encodeExponent is the decimal exponent each kind is written with by
// EncodeResponse.
var encodeExponent = [kindCount]int{
	Energy:     -3,
	Volume:     -3,
	Power:      0,
	VolumeFlow: -3,
	FlowTemp:   -2,
	ReturnTemp: -2,
	DeltaT:     -2,
}

// EncodeResponse builds an RSP_UD long frame with a long application header
// carrying every value present in r as a BCD record. It is the inverse of
// ParseResponse within the precision of encodeExponent.
func EncodeResponse(address uint8, h Header, r *Reading) ([]byte, error) {
	data := make([]byte, longHeaderSize, 64)
	copy(data[0:4], EncodeBCD(int64(h.ID), 4))
	binary.LittleEndian.PutUint16(data[4:6], h.Manufacturer)
	data[6] = h.Version
	data[7] = h.Medium
	data[8] = h.AccessNumber
	data[9] = h.Status
	binary.LittleEndian.PutUint16(data[10:12], h.Signature)

	for _, kind := range r.Present() {
		value, _ := r.Get(kind)
		record, err := EncodeRecord(kind, value, encodeExponent[kind])
		if err != nil {
			return nil, err
		}
		data = append(data, record...)
	}

	return EncodeLongFrame(CtrlRspUD, address, CIResponseLong, data)
}

// EncodeRecord encodes one instantaneous value as a DIF/VIF/BCD record.
func EncodeRecord(kind MeasurementKind, value float64, exponent int) ([]byte, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("cannot encode non-finite %s value", kind)
	}
	vif, ok := VIFFor(kind, exponent)
	if !ok {
		return nil, fmt.Errorf("no VIF for %s with exponent %d", kind, exponent)
	}

	mantissa := int64(math.Round(value * math.Pow10(-exponent)))
	magnitude := mantissa
	if magnitude < 0 {
		magnitude = -magnitude
	}

	// The sign nibble costs one digit
	dif, size := uint8(dataBCD8), 4
	limit := int64(99999999)
	if mantissa < 0 {
		limit = 9999999
	}
	if magnitude > limit {
		dif, size = dataBCD12, 6
		limit = 999999999999
		if mantissa < 0 {
			limit = 99999999999
		}
		if magnitude > limit {
			return nil, fmt.Errorf("%s value %v out of range", kind, value)
		}
	}

	record := []byte{dif, vif}
	return append(record, EncodeBCD(mantissa, size)...), nil
}
