// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package meter drives the request/response cycle against one heat meter
// and fans decoded values out to the configured channels.
package meter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/echostat/pkg/logging"
	"github.com/Thermoquad/echostat/pkg/mbus"
	"github.com/rs/zerolog"
)

// Defaults
const (
	DefaultTimeout   = 2 * time.Second
	DefaultInterval  = 30 * time.Second
	DefaultChunkSize = 64
)

// Options configures a Reader. Start from DefaultOptions.
type Options struct {
	Address   uint8
	Timeout   time.Duration // total budget for the response
	Wakeup    bool          // send the wake-up burst when the transport supports it
	ChunkSize int           // max bytes per transport read

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Logger defaults to logging.For("reader").
	Logger *zerolog.Logger
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() Options {
	return Options{
		Address:   mbus.AddressBroadcastReply,
		Timeout:   DefaultTimeout,
		Wakeup:    true,
		ChunkSize: DefaultChunkSize,
	}
}

// Reader polls one meter. At most one request is in flight at any time.
type Reader struct {
	transport Transport
	registry  *Registry
	opts      Options
	log       zerolog.Logger
	now       func() time.Time

	pollMu sync.Mutex // held for a whole cycle

	stateMu sync.RWMutex
	state   PollState

	observersMu sync.RWMutex
	observers   []Observer

	trigger chan struct{}
}

// NewReader creates a reader publishing into registry
func NewReader(t Transport, registry *Registry, opts Options) (*Reader, error) {
	if t == nil {
		return nil, errors.New("meter: transport required")
	}
	if registry == nil {
		return nil, errors.New("meter: registry required")
	}
	if opts.Address == mbus.AddressBroadcast {
		return nil, fmt.Errorf("meter: address 0x%02X never answers", opts.Address)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	r := &Reader{
		transport: t,
		registry:  registry,
		opts:      opts,
		now:       opts.Clock,
		trigger:   make(chan struct{}, 1),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if opts.Logger != nil {
		r.log = *opts.Logger
	} else {
		r.log = logging.For("reader")
	}
	return r, nil
}

// AddObserver registers o for every subsequent poll result
func (r *Reader) AddObserver(o Observer) {
	r.observersMu.Lock()
	r.observers = append(r.observers, o)
	r.observersMu.Unlock()
}

// State returns a snapshot of the poll state
func (r *Reader) State() PollState {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

// Options returns the effective options
func (r *Reader) Options() Options {
	return r.opts
}

// PollOnce performs one request/response cycle. It returns a *BusyError
// if another poll is in flight; otherwise the cycle's error, which is a
// *TimeoutError, *TransportError or one of the mbus decode errors.
// Values are published only when the whole frame decoded.
func (r *Reader) PollOnce(ctx context.Context) error {
	return r.poll(ctx, SourceDirect)
}

func (r *Reader) poll(ctx context.Context, source Source) error {
	if !r.pollMu.TryLock() {
		err := &BusyError{}
		r.log.Debug().Str("source", source.String()).Msg("poll rejected: in progress")
		r.notify(PollResult{Source: source, Started: r.now(), Err: err, Outcome: OutcomeBusy, State: r.State()})
		return err
	}
	defer r.pollMu.Unlock()

	started := r.now()
	frame, reading, err := r.exchange(ctx)
	duration := r.now().Sub(started)

	res := PollResult{
		Source:   source,
		Started:  started,
		Duration: duration,
		Frame:    frame,
		Err:      err,
		Outcome:  Classify(err),
	}

	r.stateMu.Lock()
	s := &r.state
	s.Phase = PhaseIdle
	s.LastPoll = started
	s.LastDuration = duration
	s.TotalPolls++
	if err != nil {
		s.ConsecutiveFailures++
		s.TotalFailures++
		s.LastError = err
	} else {
		s.ConsecutiveFailures = 0
		s.LastSuccess = reading.Timestamp
		s.LastError = nil
	}
	res.State = *s
	r.stateMu.Unlock()

	if err != nil {
		r.log.Warn().
			Err(err).
			Str("source", source.String()).
			Str("outcome", res.Outcome.String()).
			Uint64("consecutive_failures", res.State.ConsecutiveFailures).
			Msg("poll failed")
		r.notify(res)
		return err
	}

	res.Reading = reading
	res.Anomalies = mbus.ValidateReading(reading)
	for _, a := range res.Anomalies {
		r.log.Warn().Str("kind", a.Kind.String()).Msg(a.Message)
	}

	res.Published = r.registry.PublishReading(reading)

	event := r.log.Debug().
		Str("source", source.String()).
		Dur("duration", duration).
		Int("published", res.Published)
	for _, kind := range reading.Present() {
		v, _ := reading.Get(kind)
		event = event.Float64(kind.String(), v)
	}
	event.Msg("poll ok")

	r.notify(res)
	return nil
}

// exchange writes the request and collects one decoded response. The
// frame is returned whenever one was received, even if decoding failed.
func (r *Reader) exchange(ctx context.Context) (*mbus.Frame, *mbus.Reading, error) {
	r.setPhase(PhaseAwaitingResponse)

	if r.opts.Wakeup {
		if w, ok := r.transport.(Waker); ok {
			if err := w.Wakeup(); err != nil {
				return nil, nil, &TransportError{Op: "wakeup", Err: err}
			}
		}
	}
	if f, ok := r.transport.(InputFlusher); ok {
		if err := f.FlushInput(); err != nil {
			return nil, nil, &TransportError{Op: "flush", Err: err}
		}
	}

	if err := r.transport.Write(mbus.BuildRequest(r.opts.Address)); err != nil {
		return nil, nil, &TransportError{Op: "write", Err: err}
	}

	frame, err := r.awaitFrame(ctx)
	if err != nil {
		return nil, nil, err
	}

	r.setPhase(PhaseDecoding)

	if r.opts.Address != mbus.AddressBroadcastReply && frame.Address != r.opts.Address {
		return frame, nil, &mbus.FramingError{
			Reason: fmt.Sprintf("response from address 0x%02X, expected 0x%02X", frame.Address, r.opts.Address),
			Offset: 5,
		}
	}

	reading, err := mbus.DecodeFrame(frame)
	if err != nil {
		return frame, nil, err
	}
	reading.Timestamp = r.now()
	return frame, reading, nil
}

// awaitFrame feeds transport chunks to a fresh decoder until a frame
// completes or the timeout budget is spent
func (r *Reader) awaitFrame(ctx context.Context) (*mbus.Frame, error) {
	decoder := mbus.NewDecoder()
	deadline := r.now().Add(r.opts.Timeout)
	received := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := deadline.Sub(r.now())
		if remaining <= 0 {
			return nil, &TimeoutError{Timeout: r.opts.Timeout, Received: received}
		}

		chunk, err := r.transport.ReadWithTimeout(r.opts.ChunkSize, remaining)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return nil, &TimeoutError{Timeout: r.opts.Timeout, Received: received}
			}
			return nil, &TransportError{Op: "read", Err: err}
		}
		received += len(chunk)

		for _, b := range chunk {
			frame, err := decoder.DecodeByte(b)
			if err != nil {
				return nil, err
			}
			if frame != nil {
				return frame, nil
			}
		}
	}
}

func (r *Reader) setPhase(p Phase) {
	r.stateMu.Lock()
	r.state.Phase = p
	r.stateMu.Unlock()
}

func (r *Reader) notify(res PollResult) {
	r.observersMu.RLock()
	observers := r.observers
	r.observersMu.RUnlock()

	for _, o := range observers {
		o.ObservePoll(res)
	}
}
