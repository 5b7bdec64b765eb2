// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mbus

import (
	"fmt"
	"time"
)

// MeasurementKind identifies one physical quantity reported by the meter.
type MeasurementKind int

const (
	Energy MeasurementKind = iota
	Volume
	Power
	VolumeFlow
	FlowTemp
	ReturnTemp
	DeltaT

	kindCount
)

// Kinds lists every measurement kind in publish order.
var Kinds = []MeasurementKind{Energy, Volume, Power, VolumeFlow, FlowTemp, ReturnTemp, DeltaT}

type kindInfo struct {
	name     string
	unit     string
	decimals int
}

var kindTable = [kindCount]kindInfo{
	Energy:     {"energy", "kWh", 3},
	Volume:     {"volume", "m³", 3},
	Power:      {"power", "W", 3},
	VolumeFlow: {"volume_flow", "m³/h", 3},
	FlowTemp:   {"flow_temp", "°C", 1},
	ReturnTemp: {"return_temp", "°C", 1},
	DeltaT:     {"delta_t", "K", 1},
}

// Valid reports whether k is one of the defined kinds.
func (k MeasurementKind) Valid() bool {
	return k >= 0 && k < kindCount
}

// String returns the configuration name of the kind (e.g. "flow_temp").
func (k MeasurementKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindTable[k].name
}

// Unit returns the output unit of the kind.
func (k MeasurementKind) Unit() string {
	if !k.Valid() {
		return ""
	}
	return kindTable[k].unit
}

// DefaultDecimals returns the display precision used when the
// configuration does not override it.
func (k MeasurementKind) DefaultDecimals() int {
	if !k.Valid() {
		return 0
	}
	return kindTable[k].decimals
}

// ParseKind maps a configuration name back to its kind.
func ParseKind(name string) (MeasurementKind, error) {
	for _, k := range Kinds {
		if kindTable[k].name == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown measurement kind %q", name)
}

// Header is the fixed application header of a variable data response.
// Fields absent from short or header-less responses stay zero.
type Header struct {
	ID           uint32 // meter identification number (decoded from BCD)
	Manufacturer uint16 // raw EN 13757-3 manufacturer code
	Version      uint8
	Medium       uint8
	AccessNumber uint8
	Status       uint8
	Signature    uint16
}

// ManufacturerString unpacks the three-letter manufacturer code (e.g. "KAM").
func (h Header) ManufacturerString() string {
	if h.Manufacturer == 0 {
		return ""
	}
	m := h.Manufacturer
	return string([]byte{
		byte((m>>10)&0x1F) + 64,
		byte((m>>5)&0x1F) + 64,
		byte(m&0x1F) + 64,
	})
}

// EncodeManufacturer packs a three-letter manufacturer code.
func EncodeManufacturer(code string) uint16 {
	if len(code) != 3 {
		return 0
	}
	return uint16(code[0]-64)<<10 | uint16(code[1]-64)<<5 | uint16(code[2]-64)
}

// Reading holds the values decoded from a single response frame.
type Reading struct {
	Header    Header
	Address   uint8
	Timestamp time.Time

	values  [kindCount]float64
	present [kindCount]bool
}

// NewReading creates an empty reading stamped with the current time.
func NewReading() *Reading {
	return &Reading{Timestamp: time.Now()}
}

// Set stores a value for kind. Invalid kinds are ignored.
func (r *Reading) Set(kind MeasurementKind, value float64) {
	if !kind.Valid() {
		return
	}
	r.values[kind] = value
	r.present[kind] = true
}

// Get returns the value for kind and whether the frame carried it.
func (r *Reading) Get(kind MeasurementKind) (float64, bool) {
	if !kind.Valid() || !r.present[kind] {
		return 0, false
	}
	return r.values[kind], true
}

// Has reports whether the frame carried kind.
func (r *Reading) Has(kind MeasurementKind) bool {
	_, ok := r.Get(kind)
	return ok
}

// Present returns the kinds carried by the frame in publish order.
func (r *Reading) Present() []MeasurementKind {
	kinds := make([]MeasurementKind, 0, kindCount)
	for _, k := range Kinds {
		if r.present[k] {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Len returns the number of kinds present.
func (r *Reading) Len() int {
	n := 0
	for _, p := range r.present {
		if p {
			n++
		}
	}
	return n
}
