// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package meter

import (
	"fmt"
	"sync"
	"time"
)

// Statistics tracks poll outcomes and rates. It is an Observer.
type Statistics struct {
	mu sync.Mutex

	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalPolls     uint64
	ValidPolls     uint64
	Timeouts       uint64
	FramingErrors  uint64
	ChecksumErrors uint64
	FieldErrors    uint64
	TransportErrs  uint64
	Busy           uint64
	OtherErrors    uint64
	Anomalies      uint64
	ValuesSent     uint64

	// Rates (calculated)
	PollRate  float64 // polls/min
	ErrorRate float64 // errors/min

	LastDuration time.Duration
	now          func() time.Time
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return newStatistics(time.Now)
}

func newStatistics(now func() time.Time) *Statistics {
	t := now()
	return &Statistics{
		StartTime:      t,
		LastUpdateTime: t,
		now:            now,
	}
}

// ObservePoll updates statistics with one poll result
func (s *Statistics) ObservePoll(res PollResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Busy rejections never reached the meter
	if res.Outcome == OutcomeBusy {
		s.Busy++
		return
	}

	s.TotalPolls++
	s.LastDuration = res.Duration

	switch res.Outcome {
	case OutcomeOK:
		s.ValidPolls++
		s.ValuesSent += uint64(res.Published)
		s.Anomalies += uint64(len(res.Anomalies))
	case OutcomeTimeout:
		s.Timeouts++
	case OutcomeFraming:
		s.FramingErrors++
	case OutcomeChecksum:
		s.ChecksumErrors++
	case OutcomeField:
		s.FieldErrors++
	case OutcomeTransport:
		s.TransportErrs++
	default:
		s.OtherErrors++
	}

	s.LastUpdateTime = s.now()
}

// Errors returns the number of failed polls
func (s *Statistics) Errors() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors()
}

func (s *Statistics) errors() uint64 {
	return s.Timeouts + s.FramingErrors + s.ChecksumErrors + s.FieldErrors + s.TransportErrs + s.OtherErrors
}

// CalculateRates calculates poll and error rates
func (s *Statistics) CalculateRates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calculateRates()
}

func (s *Statistics) calculateRates() {
	elapsed := s.now().Sub(s.StartTime).Minutes()
	if elapsed > 0 {
		s.PollRate = float64(s.TotalPolls) / elapsed
		s.ErrorRate = float64(s.errors()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calculateRates()

	percent := func(n uint64) float64 {
		if s.TotalPolls == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.TotalPolls)
	}

	elapsed := s.now().Sub(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Polls:     %8d\n", s.TotalPolls)
	result += fmt.Sprintf("Valid Polls:     %8d (%.1f%%)\n", s.ValidPolls, percent(s.ValidPolls))

	if s.Timeouts > 0 {
		result += fmt.Sprintf("Timeouts:        %8d (%.1f%%)\n", s.Timeouts, percent(s.Timeouts))
	}
	if s.FramingErrors > 0 {
		result += fmt.Sprintf("Framing Errors:  %8d (%.1f%%)\n", s.FramingErrors, percent(s.FramingErrors))
	}
	if s.ChecksumErrors > 0 {
		result += fmt.Sprintf("Checksum Errors: %8d (%.1f%%)\n", s.ChecksumErrors, percent(s.ChecksumErrors))
	}
	if s.FieldErrors > 0 {
		result += fmt.Sprintf("Field Errors:    %8d (%.1f%%)\n", s.FieldErrors, percent(s.FieldErrors))
	}
	if s.TransportErrs > 0 {
		result += fmt.Sprintf("Transport Errors:%8d (%.1f%%)\n", s.TransportErrs, percent(s.TransportErrs))
	}
	if s.OtherErrors > 0 {
		result += fmt.Sprintf("Other Errors:    %8d (%.1f%%)\n", s.OtherErrors, percent(s.OtherErrors))
	}
	if s.Busy > 0 {
		result += fmt.Sprintf("Busy Rejections: %8d\n", s.Busy)
	}
	if s.Anomalies > 0 {
		result += fmt.Sprintf("Anomalies:       %8d\n", s.Anomalies)
	}

	result += fmt.Sprintf("Values Sent:     %8d\n", s.ValuesSent)
	result += fmt.Sprintf("Poll Rate:       %8.1f polls/min\n", s.PollRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/min\n", s.ErrorRate)
	if s.LastDuration > 0 {
		result += fmt.Sprintf("Last Duration:   %8s\n", s.LastDuration.Round(time.Millisecond))
	}
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now()
	s.StartTime = t
	s.LastUpdateTime = t
	s.TotalPolls = 0
	s.ValidPolls = 0
	s.Timeouts = 0
	s.FramingErrors = 0
	s.ChecksumErrors = 0
	s.FieldErrors = 0
	s.TransportErrs = 0
	s.Busy = 0
	s.OtherErrors = 0
	s.Anomalies = 0
	s.ValuesSent = 0
	s.PollRate = 0
	s.ErrorRate = 0
	s.LastDuration = 0
}
