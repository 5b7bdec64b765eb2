// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package meter

import (
	"context"
	"errors"
	"time"

	"github.com/Thermoquad/echostat/pkg/mbus"
)

// Phase is the reader's position in the poll cycle
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingResponse
	PhaseDecoding
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseAwaitingResponse:
		return "AWAITING_RESPONSE"
	case PhaseDecoding:
		return "DECODING"
	default:
		return "UNKNOWN"
	}
}

// PollState is the only state the reader mutates while running.
type PollState struct {
	Phase               Phase
	LastPoll            time.Time
	LastSuccess         time.Time // zero until the first successful poll
	LastDuration        time.Duration
	LastError           error
	ConsecutiveFailures uint64
	TotalPolls          uint64
	TotalFailures       uint64
}

// Outcome classifies the result of one poll
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTimeout
	OutcomeFraming
	OutcomeChecksum
	OutcomeField
	OutcomeTransport
	OutcomeBusy
	OutcomeCanceled
	OutcomeOther
)

// Outcomes lists every outcome in display order
var Outcomes = []Outcome{
	OutcomeOK, OutcomeTimeout, OutcomeFraming, OutcomeChecksum,
	OutcomeField, OutcomeTransport, OutcomeBusy, OutcomeCanceled, OutcomeOther,
}

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeFraming:
		return "framing"
	case OutcomeChecksum:
		return "checksum"
	case OutcomeField:
		return "field"
	case OutcomeTransport:
		return "transport"
	case OutcomeBusy:
		return "busy"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "error"
	}
}

// Classify maps a PollOnce error to its outcome
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}

	var framing *mbus.FramingError
	var checksum *mbus.ChecksumError
	var field *mbus.FieldError
	var transport *TransportError

	switch {
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrBusy):
		return OutcomeBusy
	case errors.As(err, &framing):
		return OutcomeFraming
	case errors.As(err, &checksum):
		return OutcomeChecksum
	case errors.As(err, &field):
		return OutcomeField
	case errors.As(err, &transport):
		return OutcomeTransport
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	}
	return OutcomeOther
}
