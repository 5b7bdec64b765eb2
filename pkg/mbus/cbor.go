// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mbus

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// RecordVersion is the archive record layout written by MarshalRecord
const RecordVersion = 1

// Archive record map keys
const (
	recKeyTimestamp    = 0 // unix milliseconds
	recKeyAddress      = 1
	recKeyID           = 2
	recKeyManufacturer = 3
	recKeyMedium       = 4
	recKeyStatus       = 5
	recKeyAccess       = 6
	recKeyValues       = 10 // map[kind]float64
)

// MarshalRecord encodes a reading as an archive record:
// [version, {key: value, ..., 10: {kind: value}}]
func MarshalRecord(r *Reading) ([]byte, error) {
	values := make(map[int]float64, r.Len())
	for _, kind := range r.Present() {
		v, _ := r.Get(kind)
		values[int(kind)] = v
	}

	payload := map[int]interface{}{
		recKeyTimestamp:    r.Timestamp.UnixMilli(),
		recKeyAddress:      uint64(r.Address),
		recKeyID:           uint64(r.Header.ID),
		recKeyManufacturer: uint64(r.Header.Manufacturer),
		recKeyMedium:       uint64(r.Header.Medium),
		recKeyStatus:       uint64(r.Header.Status),
		recKeyAccess:       uint64(r.Header.AccessNumber),
		recKeyValues:       values,
	}

	data, err := cbor.Marshal([]interface{}{uint64(RecordVersion), payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

// UnmarshalRecord decodes an archive record written by MarshalRecord
func UnmarshalRecord(data []byte) (*Reading, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty CBOR record")
	}

	var msg []interface{}
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode CBOR: %w", err)
	}
	if len(msg) != 2 {
		return nil, fmt.Errorf("expected 2-element array, got %d elements", len(msg))
	}

	version, ok := msg[0].(uint64)
	if !ok {
		return nil, fmt.Errorf("expected uint for record version, got %T", msg[0])
	}
	if version != RecordVersion {
		return nil, fmt.Errorf("unsupported record version %d", version)
	}

	payload, err := intKeyMap(msg[1])
	if err != nil {
		return nil, err
	}

	r := &Reading{}
	if ms, ok := mapInt(payload, recKeyTimestamp); ok {
		r.Timestamp = time.UnixMilli(ms)
	}
	if v, ok := mapInt(payload, recKeyAddress); ok {
		r.Address = uint8(v)
	}
	if v, ok := mapInt(payload, recKeyID); ok {
		r.Header.ID = uint32(v)
	}
	if v, ok := mapInt(payload, recKeyManufacturer); ok {
		r.Header.Manufacturer = uint16(v)
	}
	if v, ok := mapInt(payload, recKeyMedium); ok {
		r.Header.Medium = uint8(v)
	}
	if v, ok := mapInt(payload, recKeyStatus); ok {
		r.Header.Status = uint8(v)
	}
	if v, ok := mapInt(payload, recKeyAccess); ok {
		r.Header.AccessNumber = uint8(v)
	}

	if raw, present := payload[recKeyValues]; present && raw != nil {
		values, err := intKeyMap(raw)
		if err != nil {
			return nil, fmt.Errorf("values: %w", err)
		}
		for key, val := range values {
			kind := MeasurementKind(key)
			if !kind.Valid() {
				return nil, fmt.Errorf("unknown measurement kind %d in record", key)
			}
			f, ok := toFloat(val)
			if !ok {
				return nil, fmt.Errorf("expected number for %s, got %T", kind, val)
			}
			r.Set(kind, f)
		}
	}

	return r, nil
}

// ReadArchive decodes every record of a concatenated archive stream
func ReadArchive(src io.Reader) ([]*Reading, error) {
	dec := cbor.NewDecoder(src)
	var readings []*Reading
	for {
		var raw cbor.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return readings, nil
			}
			return readings, fmt.Errorf("record %d: %w", len(readings), err)
		}
		r, err := UnmarshalRecord(raw)
		if err != nil {
			return readings, fmt.Errorf("record %d: %w", len(readings), err)
		}
		readings = append(readings, r)
	}
}

// intKeyMap converts a decoded CBOR map to integer keys
func intKeyMap(v interface{}) (map[int]interface{}, error) {
	m, ok := v.(map[interface{}]interface{})
	if !ok {
		return nil, fmt.Errorf("expected map, got %T", v)
	}
	out := make(map[int]interface{}, len(m))
	for key, val := range m {
		switch k := key.(type) {
		case uint64:
			out[int(k)] = val
		case int64:
			out[int(k)] = val
		default:
			return nil, fmt.Errorf("expected integer map key, got %T", key)
		}
	}
	return out, nil
}

func mapInt(m map[int]interface{}, key int) (int64, bool) {
	switch v := m[key].(type) {
	case uint64:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case int64:
		return float64(val), true
	}
	return 0, false
}
