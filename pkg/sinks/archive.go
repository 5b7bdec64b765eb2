// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sinks

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Thermoquad/echostat/pkg/logging"
	"github.com/Thermoquad/echostat/pkg/mbus"
	"github.com/Thermoquad/echostat/pkg/meter"
	"github.com/rs/zerolog"
)

// Archive appends one CBOR record per successful reading. It is a
// meter.Observer rather than a channel sink so a record always holds a
// whole reading.
type Archive struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	records uint64
	log     zerolog.Logger
}

// OpenArchive opens path for appending, creating it if needed
func OpenArchive(path string) (*Archive, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	a := NewArchive(f)
	a.closer = f
	return a, nil
}

// NewArchive writes records to w
func NewArchive(w io.Writer) *Archive {
	return &Archive{w: w, log: logging.For("archive")}
}

// ObservePoll appends res.Reading when the poll succeeded
func (a *Archive) ObservePoll(res meter.PollResult) {
	if res.Err != nil || res.Reading == nil {
		return
	}
	if err := a.Append(res.Reading); err != nil {
		a.log.Warn().Err(err).Msg("archive write failed")
	}
}

// Append writes one record
func (a *Archive) Append(r *mbus.Reading) error {
	data, err := mbus.MarshalRecord(r)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.Write(data); err != nil {
		return err
	}
	a.records++
	return nil
}

// Records returns how many records were written
func (a *Archive) Records() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.records
}

// Close closes the underlying file, if any
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
