// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mbus

import (
	"fmt"
	"strings"
)

// FormatKind returns the kind name with its unit, e.g. "flow_temp [°C]"
func FormatKind(kind MeasurementKind) string {
	return fmt.Sprintf("%s [%s]", kind, kind.Unit())
}

// FormatValue formats a value of kind with the given decimals and its unit
func FormatValue(kind MeasurementKind, value float64, decimals int) string {
	if decimals < 0 {
		decimals = kind.DefaultDecimals()
	}
	return fmt.Sprintf("%.*f %s", decimals, value, kind.Unit())
}

// FormatReading formats a reading into a human-readable block
func FormatReading(r *Reading) string {
	timestamp := r.Timestamp.Format("15:04:05.000")

	var s strings.Builder
	s.WriteString(fmt.Sprintf("[%s] RSP_UD addr=0x%02X", timestamp, r.Address))
	if r.Header.ID != 0 {
		s.WriteString(fmt.Sprintf(" id=%08d", r.Header.ID))
	}
	if m := r.Header.ManufacturerString(); m != "" {
		s.WriteString(fmt.Sprintf(" man=%s", m))
	}
	s.WriteString(fmt.Sprintf(" medium=%s status=0x%02X\n", FormatMedium(r.Header.Medium), r.Header.Status))

	if r.Len() == 0 {
		s.WriteString("  (no measurement records)\n")
		return s.String()
	}
	for _, kind := range r.Present() {
		v, _ := r.Get(kind)
		s.WriteString(fmt.Sprintf("  %-12s %s\n", kind.String()+":", FormatValue(kind, v, -1)))
	}
	return s.String()
}

// FormatFrame formats the link layer fields of a frame
func FormatFrame(f *Frame) string {
	return fmt.Sprintf("C=0x%02X A=0x%02X CI=0x%02X L=%d data=% X", f.Control, f.Address, f.CI, f.Length(), f.Data)
}

// FormatRecords lists the raw records of a payload, one per line
func FormatRecords(records []Record) string {
	var s strings.Builder
	for _, r := range records {
		name := "-"
		if fd, ok := lookupVIF(r.VIF & vifValueMask); ok {
			name = fd.kind.String()
		}
		s.WriteString(fmt.Sprintf("  @%-3d DIF=0x%02X VIF=0x%02X storage=%d tariff=%d fn=%d %-12s % X\n",
			r.Offset, r.DIF, r.VIF, r.Storage, r.Tariff, r.Function, name, r.Data))
	}
	return s.String()
}

// FormatMedium returns the human-readable name of an EN 13757-3 medium code
func FormatMedium(medium uint8) string {
	switch medium {
	case 0x00:
		return "OTHER"
	case 0x02:
		return "ELECTRICITY"
	case 0x03:
		return "GAS"
	case 0x04:
		return "HEAT_OUTLET"
	case 0x06:
		return "HOT_WATER"
	case 0x07:
		return "WATER"
	case 0x0A:
		return "COOLING_OUTLET"
	case 0x0B:
		return "COOLING_INLET"
	case 0x0C:
		return "HEAT_INLET"
	case 0x0D:
		return "HEAT_COOLING"
	default:
		return fmt.Sprintf("0x%02X", medium)
	}
}

// FormatStatus describes the set bits of the application status byte
func FormatStatus(status uint8) string {
	if status == 0 {
		return "OK"
	}
	parts := []string{}
	if status&StatusBusy != 0 {
		parts = append(parts, "BUSY")
	}
	if status&StatusAppError != 0 {
		parts = append(parts, "APP_ERROR")
	}
	if status&StatusPowerLow != 0 {
		parts = append(parts, "POWER_LOW")
	}
	if status&StatusPermanentError != 0 {
		parts = append(parts, "PERMANENT_ERROR")
	}
	if status&StatusTemporaryError != 0 {
		parts = append(parts, "TEMPORARY_ERROR")
	}
	if status&0xE0 != 0 {
		parts = append(parts, fmt.Sprintf("MANUFACTURER_0x%02X", status&0xE0))
	}
	return strings.Join(parts, "|")
}
