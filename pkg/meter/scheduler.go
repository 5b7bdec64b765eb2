// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package meter

import (
	"context"
	"fmt"
	"time"
)

// Scheduler decides when scheduled polls happen
type Scheduler interface {
	Ticks() <-chan time.Time
	Stop()
}

// TickerScheduler fires at a fixed interval
type TickerScheduler struct {
	ticker *time.Ticker
}

// NewTickerScheduler creates a scheduler with the given interval.
// Non-positive intervals use DefaultInterval.
func NewTickerScheduler(interval time.Duration) *TickerScheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &TickerScheduler{ticker: time.NewTicker(interval)}
}

// Ticks returns the tick channel
func (s *TickerScheduler) Ticks() <-chan time.Time { return s.ticker.C }

// Stop releases the ticker
func (s *TickerScheduler) Stop() { s.ticker.Stop() }

// Run polls once immediately, then on every scheduler tick and every
// queued immediate read, until ctx is done. All polls run on the calling
// goroutine, so scheduled and triggered polls never overlap.
func (r *Reader) Run(ctx context.Context, s Scheduler) error {
	defer s.Stop()

	r.log.Info().
		Str("address", formatAddress(r.opts.Address)).
		Dur("timeout", r.opts.Timeout).
		Msg("poll loop started")

	r.poll(ctx, SourceSchedule)

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("poll loop stopped")
			return ctx.Err()
		case <-s.Ticks():
			r.poll(ctx, SourceSchedule)
		case <-r.trigger:
			r.poll(ctx, SourceTrigger)
		}
	}
}

// RequestImmediateRead queues one read to run on the Run loop as soon as
// the current poll, if any, completes. A second request while one is
// still queued returns a *BusyError.
func (r *Reader) RequestImmediateRead() error {
	select {
	case r.trigger <- struct{}{}:
		r.log.Debug().Msg("immediate read queued")
		return nil
	default:
		return &BusyError{Pending: true}
	}
}

func formatAddress(a uint8) string {
	return fmt.Sprintf("0x%02X", a)
}
