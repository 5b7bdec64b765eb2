// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package meter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Thermoquad/echostat/pkg/mbus"
)

// Sink receives published values for one channel.
type Sink interface {
	Publish(value float64)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(value float64)

// Publish calls f(value)
func (f SinkFunc) Publish(value float64) { f(value) }

type channel struct {
	enabled bool
	sink    Sink
}

// Registry maps measurement kinds to output channels. Channels are
// configured once at startup; after Freeze the set is immutable.
type Registry struct {
	mu       sync.RWMutex
	channels map[mbus.MeasurementKind]channel
	frozen   bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{channels: make(map[mbus.MeasurementKind]channel)}
}

// Configure registers the channel for kind. A disabled channel still
// claims the kind so a later duplicate is reported.
func (r *Registry) Configure(kind mbus.MeasurementKind, enabled bool, sink Sink) error {
	if !kind.Valid() {
		return fmt.Errorf("configure: invalid measurement kind %d", int(kind))
	}
	if enabled && sink == nil {
		return fmt.Errorf("configure %s: enabled channel needs a sink", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("configure %s: %w", kind, ErrFrozen)
	}
	if _, exists := r.channels[kind]; exists {
		return &DuplicateChannelError{Kind: kind}
	}
	r.channels[kind] = channel{enabled: enabled, sink: sink}
	return nil
}

// Freeze ends the configuration phase
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Enabled reports whether kind has an enabled channel
func (r *Registry) Enabled(kind mbus.MeasurementKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[kind].enabled
}

// Channels returns the enabled kinds in publish order
func (r *Registry) Channels() []mbus.MeasurementKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]mbus.MeasurementKind, 0, len(r.channels))
	for _, k := range mbus.Kinds {
		if r.channels[k].enabled {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Publish forwards value to the channel for kind. It is a no-op for kinds
// without an enabled channel and reports whether the sink was called.
func (r *Registry) Publish(kind mbus.MeasurementKind, value float64) bool {
	r.mu.RLock()
	ch := r.channels[kind]
	r.mu.RUnlock()

	if !ch.enabled {
		return false
	}
	ch.sink.Publish(value)
	return true
}

// PublishReading publishes every value of the reading that has an enabled
// channel, in publish order. Returns the number of sinks called.
func (r *Registry) PublishReading(reading *mbus.Reading) int {
	if reading == nil {
		return 0
	}
	n := 0
	for _, kind := range reading.Present() {
		value, _ := reading.Get(kind)
		if r.Publish(kind, value) {
			n++
		}
	}
	return n
}

// IsDuplicate reports whether err is a *DuplicateChannelError
func IsDuplicate(err error) bool {
	var dup *DuplicateChannelError
	return errors.As(err, &dup)
}
