// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mbus

import (
	"encoding/binary"
	"time"
)

// ParseResponse validates a raw RSP_UD long frame and decodes its
// measurement records. The error is a *FramingError, *ChecksumError or
// *FieldError; no partial reading is ever returned with an error.
func ParseResponse(data []byte) (*Reading, error) {
	frame, err := ParseFrame(data)
	if err != nil {
		return nil, err
	}
	return DecodeFrame(frame)
}

// DecodeFrame decodes the application layer of a validated long frame.
func DecodeFrame(f *Frame) (*Reading, error) {
	if f.Control&ctrlRspUDMask != CtrlRspUD {
		return nil, framingErrorf(4, "unexpected control field 0x%02X (want RSP_UD)", f.Control)
	}

	reading := &Reading{Address: f.Address, Timestamp: time.Now()}

	payload := f.Data
	switch f.CI {
	case CIResponseLong:
		if len(payload) < longHeaderSize {
			return nil, framingErrorf(7, "application header truncated: %d bytes (want %d)", len(payload), longHeaderSize)
		}
		id, ok := DecodeBCD(payload[0:4])
		if !ok || id < 0 {
			return nil, framingErrorf(7, "invalid BCD in meter id % X", payload[0:4])
		}
		reading.Header = Header{
			ID:           uint32(id),
			Manufacturer: binary.LittleEndian.Uint16(payload[4:6]),
			Version:      payload[6],
			Medium:       payload[7],
			AccessNumber: payload[8],
			Status:       payload[9],
			Signature:    binary.LittleEndian.Uint16(payload[10:12]),
		}
		payload = payload[longHeaderSize:]

	case CIResponseShort:
		if len(payload) < shortHeaderSize {
			return nil, framingErrorf(7, "application header truncated: %d bytes (want %d)", len(payload), shortHeaderSize)
		}
		reading.Header = Header{
			AccessNumber: payload[0],
			Status:       payload[1],
			Signature:    binary.LittleEndian.Uint16(payload[2:4]),
		}
		payload = payload[shortHeaderSize:]

	case CIResponseNone:

	default:
		return nil, framingErrorf(6, "unsupported CI field 0x%02X", f.CI)
	}

	records, err := ParseRecords(payload)
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		if !rec.Instantaneous() {
			continue
		}
		fd, ok := lookupVIF(rec.VIF & vifValueMask)
		if !ok {
			continue
		}
		// first instantaneous record of a kind wins
		if reading.Has(fd.kind) {
			continue
		}
		mantissa, reason := decodeMantissa(rec.Coding, rec.Data)
		if reason != "" {
			return nil, &FieldError{Kind: fd.kind, VIF: rec.VIF, Reason: reason}
		}
		reading.Set(fd.kind, fd.scale(mantissa))
	}

	return reading, nil
}

// Records parses the data records that follow the application header,
// including the ones DecodeFrame ignores.
func (f *Frame) Records() ([]Record, error) {
	size := 0
	switch f.CI {
	case CIResponseLong:
		size = longHeaderSize
	case CIResponseShort:
		size = shortHeaderSize
	case CIResponseNone:
	default:
		return nil, framingErrorf(6, "unsupported CI field 0x%02X", f.CI)
	}
	if len(f.Data) < size {
		return nil, framingErrorf(7, "application header truncated: %d bytes (want %d)", len(f.Data), size)
	}
	return ParseRecords(f.Data[size:])
}
