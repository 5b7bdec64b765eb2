// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mbus

import (
	"fmt"
	"math"
)

// AnomalyType represents different kinds of implausible readings
type AnomalyType int

const (
	AnomalyTempRange AnomalyType = iota
	AnomalyDeltaTMismatch
	AnomalyNegativeCounter
	AnomalyNegativeFlow
	AnomalyMeterStatus
)

func (a AnomalyType) String() string {
	switch a {
	case AnomalyTempRange:
		return "temp_range"
	case AnomalyDeltaTMismatch:
		return "delta_t_mismatch"
	case AnomalyNegativeCounter:
		return "negative_counter"
	case AnomalyNegativeFlow:
		return "negative_flow"
	case AnomalyMeterStatus:
		return "meter_status"
	default:
		return "unknown"
	}
}

// Plausibility limits
const (
	MinPlausibleTemp = -50.0
	MaxPlausibleTemp = 200.0
	// delta-T may differ from flow-return by rounding of the three values
	deltaTTolerance = 0.5
)

// Application status byte bits (EN 13757-3)
const (
	StatusBusy           = 0x01
	StatusAppError       = 0x02
	StatusPowerLow       = 0x04
	StatusPermanentError = 0x08
	StatusTemporaryError = 0x10
)

// ValidationError represents one plausibility finding on a decoded reading.
// Findings are advisory: the frame itself passed validation.
type ValidationError struct {
	Type    AnomalyType
	Kind    MeasurementKind
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateReading checks decoded values for physically implausible
// combinations. Returns an empty slice if nothing looks wrong.
func ValidateReading(r *Reading) []ValidationError {
	errors := []ValidationError{}

	for _, kind := range []MeasurementKind{FlowTemp, ReturnTemp} {
		v, ok := r.Get(kind)
		if !ok {
			continue
		}
		if v < MinPlausibleTemp || v > MaxPlausibleTemp {
			errors = append(errors, ValidationError{
				Type:    AnomalyTempRange,
				Kind:    kind,
				Message: fmt.Sprintf("%s %.1f°C outside %.0f..%.0f°C", kind, v, MinPlausibleTemp, MaxPlausibleTemp),
				Details: map[string]interface{}{"value": v},
			})
		}
	}

	flow, hasFlow := r.Get(FlowTemp)
	ret, hasReturn := r.Get(ReturnTemp)
	dt, hasDelta := r.Get(DeltaT)
	if hasFlow && hasReturn && hasDelta {
		want := flow - ret
		if math.Abs(want-dt) > deltaTTolerance {
			errors = append(errors, ValidationError{
				Type:    AnomalyDeltaTMismatch,
				Kind:    DeltaT,
				Message: fmt.Sprintf("delta_t %.2fK does not match flow-return %.2fK", dt, want),
				Details: map[string]interface{}{"delta_t": dt, "expected": want},
			})
		}
	}

	for _, kind := range []MeasurementKind{Energy, Volume} {
		if v, ok := r.Get(kind); ok && v < 0 {
			errors = append(errors, ValidationError{
				Type:    AnomalyNegativeCounter,
				Kind:    kind,
				Message: fmt.Sprintf("cumulative %s is negative (%g)", kind, v),
				Details: map[string]interface{}{"value": v},
			})
		}
	}

	if v, ok := r.Get(VolumeFlow); ok && v < 0 {
		errors = append(errors, ValidationError{
			Type:    AnomalyNegativeFlow,
			Kind:    VolumeFlow,
			Message: fmt.Sprintf("volume flow is negative (%g m³/h)", v),
			Details: map[string]interface{}{"value": v},
		})
	}

	if r.Header.Status&(StatusAppError|StatusPowerLow|StatusPermanentError|StatusTemporaryError) != 0 {
		errors = append(errors, ValidationError{
			Type:    AnomalyMeterStatus,
			Message: fmt.Sprintf("meter reports status 0x%02X (%s)", r.Header.Status, FormatStatus(r.Header.Status)),
			Details: map[string]interface{}{"status": r.Header.Status},
		})
	}

	return errors
}
