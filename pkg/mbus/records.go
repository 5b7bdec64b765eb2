// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mbus

import (
	"encoding/binary"
	"math"
	"strconv"
)

// Record is one DIF/VIF data record of the application payload.
type Record struct {
	DIF      uint8
	VIF      uint8
	Coding   uint8 // DIF data field coding
	Function uint8 // 0 instantaneous, 1 maximum, 2 minimum, 3 during error
	Storage  uint64
	Tariff   uint32
	Subunit  uint32
	Data     []byte
	Offset   int // byte offset of the DIF inside the payload
}

// Instantaneous reports whether the record is a current value, as opposed
// to historic storage, tariff registers or min/max values.
func (r Record) Instantaneous() bool {
	return r.Function == 0 && r.Storage == 0 && r.Tariff == 0 && r.Subunit == 0
}

// field describes how a primary VIF maps onto a measurement kind.
// value = mantissa * 10^exponent * factor
type field struct {
	kind     MeasurementKind
	exponent int
	factor   float64
}

// lookupVIF resolves a primary VIF (extension bit cleared) to a decodable
// measurement.
func lookupVIF(vif uint8) (field, bool) {
	n := int(vif & 0x07)
	nn := int(vif & 0x03)
	switch {
	case vif <= 0x07: // energy Wh, reported as kWh
		return field{Energy, n - 3 - 3, 1}, true
	case vif <= 0x0F: // energy J
		return field{Energy, n, 1.0 / 3.6e6}, true
	case vif >= 0x10 && vif <= 0x17: // volume m³
		return field{Volume, n - 6, 1}, true
	case vif >= 0x28 && vif <= 0x2F: // power W
		return field{Power, n - 3, 1}, true
	case vif >= 0x30 && vif <= 0x37: // power J/h
		return field{Power, n, 1.0 / 3600}, true
	case vif >= 0x38 && vif <= 0x3F: // volume flow m³/h
		return field{VolumeFlow, n - 6, 1}, true
	case vif >= 0x58 && vif <= 0x5B: // flow temperature °C
		return field{FlowTemp, nn - 3, 1}, true
	case vif >= 0x5C && vif <= 0x5F: // return temperature °C
		return field{ReturnTemp, nn - 3, 1}, true
	case vif >= 0x60 && vif <= 0x63: // temperature difference K
		return field{DeltaT, nn - 3, 1}, true
	}
	return field{}, false
}

// VIFFor returns the primary VIF that encodes kind with the given decimal
// exponent in the output unit, e.g. VIFFor(Energy, -3) is 0x03 (Wh).
func VIFFor(kind MeasurementKind, exponent int) (uint8, bool) {
	var base uint8
	var n int
	switch kind {
	case Energy:
		base, n = 0x00, exponent+6
	case Volume:
		base, n = 0x10, exponent+6
	case Power:
		base, n = 0x28, exponent+3
	case VolumeFlow:
		base, n = 0x38, exponent+6
	case FlowTemp:
		base, n = 0x58, exponent+3
	case ReturnTemp:
		base, n = 0x5C, exponent+3
	case DeltaT:
		base, n = 0x60, exponent+3
	default:
		return 0, false
	}
	limit := 7
	if base >= 0x58 {
		limit = 3
	}
	if n < 0 || n > limit {
		return 0, false
	}
	return base + uint8(n), true
}

// dataLength returns the number of data bytes for a fixed-size coding.
func dataLength(coding uint8) (int, bool) {
	switch coding {
	case dataNone, dataSelection:
		return 0, true
	case dataInt8, dataBCD2:
		return 1, true
	case dataInt16, dataBCD4:
		return 2, true
	case dataInt24, dataBCD6:
		return 3, true
	case dataInt32, dataReal32, dataBCD8:
		return 4, true
	case dataInt48, dataBCD12:
		return 6, true
	case dataInt64:
		return 8, true
	}
	return 0, false
}

// variableLength returns the data length announced by an LVAR byte.
func variableLength(lvar uint8) int {
	if lvar < 0xC0 {
		return int(lvar) // ASCII string
	}
	return int(lvar & 0x0F) // BCD, binary or float with length in low nibble
}

// ParseRecords splits an application payload into data records.
// Parsing stops at manufacturer specific data (DIF 0x0F/0x1F).
func ParseRecords(payload []byte) ([]Record, error) {
	var records []Record
	idx := 0

	for idx < len(payload) {
		start := idx
		dif := payload[idx]
		idx++

		if dif == difFiller {
			continue
		}
		if dif == difManufacturer || dif == difMoreRecords {
			break
		}

		rec := Record{
			DIF:      dif,
			Coding:   dif & difDataMask,
			Function: (dif & difFunctionMask) >> 4,
			Offset:   start,
		}
		if dif&difStorageBit != 0 {
			rec.Storage = 1
		}

		// DIFE chain: storage, tariff and subunit bits stack up per extension
		ext := dif&difExtensionBit != 0
		for n := 0; ext; n++ {
			if n >= maxExtensionBytes {
				return nil, framingErrorf(idx, "too many DIFE bytes")
			}
			if idx >= len(payload) {
				return nil, framingErrorf(idx, "record truncated in DIFE")
			}
			dife := payload[idx]
			idx++
			rec.Storage |= uint64(dife&difeStorageMask) << (1 + 4*uint(n))
			rec.Tariff |= uint32((dife&difeTariffMask)>>4) << (2 * uint(n))
			if dife&difeSubunitBit != 0 {
				rec.Subunit |= 1 << uint(n)
			}
			ext = dife&difExtensionBit != 0
		}

		if idx >= len(payload) {
			return nil, framingErrorf(idx, "record missing VIF")
		}
		rec.VIF = payload[idx]
		idx++

		// Plain text VIF carries its unit string inline
		if rec.VIF&vifValueMask == 0x7C {
			if idx >= len(payload) {
				return nil, framingErrorf(idx, "record truncated in plain text VIF")
			}
			idx += 1 + int(payload[idx])
		}

		// VIFE chain is skipped; only primary VIFs are decoded
		ext = rec.VIF&vifExtensionBit != 0
		for n := 0; ext; n++ {
			if n >= maxExtensionBytes {
				return nil, framingErrorf(idx, "too many VIFE bytes")
			}
			if idx >= len(payload) {
				return nil, framingErrorf(idx, "record truncated in VIFE")
			}
			ext = payload[idx]&vifExtensionBit != 0
			idx++
		}

		var length int
		if rec.Coding == dataVariableLen {
			if idx >= len(payload) {
				return nil, framingErrorf(idx, "record truncated in LVAR")
			}
			length = variableLength(payload[idx])
			idx++
		} else {
			l, ok := dataLength(rec.Coding)
			if !ok {
				return nil, framingErrorf(start, "unsupported data coding 0x%X", rec.Coding)
			}
			length = l
		}

		if idx+length > len(payload) {
			if f, ok := lookupVIF(rec.VIF & vifValueMask); ok {
				return nil, &FieldError{Kind: f.kind, VIF: rec.VIF, Reason: "record truncated in data"}
			}
			return nil, framingErrorf(idx, "record truncated in data (%d bytes needed)", length)
		}
		rec.Data = payload[idx : idx+length]
		idx += length

		records = append(records, rec)
	}

	return records, nil
}

// decodeMantissa turns raw record data into its numeric value.
func decodeMantissa(coding uint8, data []byte) (float64, string) {
	switch coding {
	case dataInt8, dataInt16, dataInt24, dataInt32, dataInt48, dataInt64:
		return float64(decodeSigned(data)), ""
	case dataReal32:
		v := math.Float32frombits(binary.LittleEndian.Uint32(data))
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return 0, "non-finite real value"
		}
		return float64(v), ""
	case dataBCD2, dataBCD4, dataBCD6, dataBCD8, dataBCD12:
		v, ok := DecodeBCD(data)
		if !ok {
			return 0, "invalid BCD digit"
		}
		return float64(v), ""
	case dataNone:
		return 0, "record carries no data"
	case dataSelection:
		return 0, "selection for readout is not a value"
	case dataVariableLen:
		return 0, "variable length data is not a value"
	}
	return 0, "unsupported data coding"
}

// decodeSigned reads a little-endian two's complement integer of 1..8 bytes.
func decodeSigned(data []byte) int64 {
	var v uint64
	for i, b := range data {
		v |= uint64(b) << (8 * uint(i))
	}
	bits := uint(len(data) * 8)
	if bits < 64 && v&(1<<(bits-1)) != 0 {
		v |= ^uint64(0) << bits
	}
	return int64(v)
}

// DecodeBCD reads a little-endian packed BCD number. A high nibble of 0xF
// in the most significant byte marks a negative value.
func DecodeBCD(data []byte) (int64, bool) {
	var v int64
	negative := false
	for i := len(data) - 1; i >= 0; i-- {
		hi := data[i] >> 4
		lo := data[i] & 0x0F
		if i == len(data)-1 && hi == 0x0F {
			negative = true
			hi = 0
		}
		if hi > 9 || lo > 9 {
			return 0, false
		}
		v = v*100 + int64(hi)*10 + int64(lo)
	}
	if negative {
		v = -v
	}
	return v, true
}

// EncodeBCD writes v as little-endian packed BCD of n bytes. Values that do
// not fit are truncated to the low digits.
func EncodeBCD(v int64, n int) []byte {
	out := make([]byte, n)
	negative := v < 0
	if negative {
		v = -v
	}
	for i := 0; i < n; i++ {
		lo := byte(v % 10)
		v /= 10
		hi := byte(v % 10)
		v /= 10
		out[i] = hi<<4 | lo
	}
	if negative {
		out[n-1] = 0xF0 | out[n-1]&0x0F
	}
	return out
}

// Round rounds v to the given number of decimals.
func Round(v float64, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', decimals, 64), 64)
	if err != nil {
		return v
	}
	return r
}

// scale applies a field's exponent and unit factor to a mantissa. Values
// converted by a factor are rounded to the kind's default decimals.
func (f field) scale(mantissa float64) float64 {
	v := mantissa * math.Pow10(f.exponent)
	if f.factor != 1 {
		return Round(v*f.factor, f.kind.DefaultDecimals())
	}
	return Round(v, -f.exponent)
}
