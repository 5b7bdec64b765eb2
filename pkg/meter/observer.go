// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package meter

import (
	"time"

	"github.com/Thermoquad/echostat/pkg/mbus"
)

// Source identifies what started a poll
type Source int

const (
	SourceDirect   Source = iota // PollOnce called by the application
	SourceSchedule               // scheduler tick
	SourceTrigger                // RequestImmediateRead
)

func (s Source) String() string {
	switch s {
	case SourceDirect:
		return "direct"
	case SourceSchedule:
		return "schedule"
	case SourceTrigger:
		return "trigger"
	default:
		return "unknown"
	}
}

// PollResult describes one finished poll cycle. Reading is nil unless
// Err is nil. Frame is set whenever a complete frame arrived.
type PollResult struct {
	Source    Source
	Started   time.Time
	Duration  time.Duration
	Frame     *mbus.Frame
	Reading   *mbus.Reading
	Err       error
	Outcome   Outcome
	Published int // sinks called
	Anomalies []mbus.ValidationError
	State     PollState // state snapshot after the cycle
}

// Observer is notified after every poll cycle, including rejected
// (busy) requests. It runs on the polling goroutine and must not call
// PollOnce.
type Observer interface {
	ObservePoll(res PollResult)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(res PollResult)

// ObservePoll calls f(res)
func (f ObserverFunc) ObservePoll(res PollResult) { f(res) }
