// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package meter

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Thermoquad/echostat/pkg/mbus"
	"github.com/rs/zerolog"
)

// ============================================================
// Test Doubles
// ============================================================

// fakeTransport answers each Write with the next queued response
type fakeTransport struct {
	mu        sync.Mutex
	writes    [][]byte
	responses [][]byte
	pending   []byte
	chunk     int // split responses into chunks of this size (0 = whole)
	writeErr  error
	readErr   error
	wakeups   int
	flushes   int

	block   chan struct{} // ReadWithTimeout waits on it when non-nil
	written chan struct{} // signalled after every Write when non-nil
}

func (f *fakeTransport) queue(frames ...[]byte) {
	f.mu.Lock()
	f.responses = append(f.responses, frames...)
	f.mu.Unlock()
}

func (f *fakeTransport) Write(p []byte) error {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	if f.writeErr == nil && len(f.responses) > 0 {
		f.pending = append(f.pending, f.responses[0]...)
		f.responses = f.responses[1:]
	}
	err := f.writeErr
	f.mu.Unlock()

	if f.written != nil {
		select {
		case f.written <- struct{}{}:
		default:
		}
	}
	return err
}

func (f *fakeTransport) ReadWithTimeout(max int, timeout time.Duration) ([]byte, error) {
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readErr != nil {
		return nil, f.readErr
	}
	if len(f.pending) == 0 {
		return nil, ErrTimeout
	}
	n := len(f.pending)
	if f.chunk > 0 && n > f.chunk {
		n = f.chunk
	}
	if n > max {
		n = max
	}
	out := append([]byte(nil), f.pending[:n]...)
	f.pending = f.pending[n:]
	return out, nil
}

func (f *fakeTransport) Wakeup() error {
	f.mu.Lock()
	f.wakeups++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) FlushInput() error {
	f.mu.Lock()
	f.flushes++
	f.pending = nil
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// recordingSink stores every published value
type recordingSink struct {
	mu     sync.Mutex
	values []float64
}

func (s *recordingSink) Publish(v float64) {
	s.mu.Lock()
	s.values = append(s.values, v)
	s.mu.Unlock()
}

func (s *recordingSink) calls() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.values...)
}

// fakeClock advances only when told to
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// manualScheduler ticks when the test sends on ch
type manualScheduler struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (s *manualScheduler) Ticks() <-chan time.Time { return s.ch }
func (s *manualScheduler) Stop()                   { s.stopped.Store(true) }

// ============================================================
// Helpers
// ============================================================

func responseFrame(t *testing.T, values map[mbus.MeasurementKind]float64) []byte {
	t.Helper()
	r := mbus.NewReading()
	for k, v := range values {
		r.Set(k, v)
	}
	frame, err := mbus.EncodeResponse(mbus.AddressBroadcastReply, mbus.Header{ID: 12345678}, r)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	return frame
}

func newTestReader(t *testing.T, tr Transport, reg *Registry, opts Options) *Reader {
	t.Helper()
	nop := zerolog.Nop()
	opts.Logger = &nop
	r, err := NewReader(tr, reg, opts)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r
}

// sinksFor configures a recording sink for every kind, enabled or not
func sinksFor(t *testing.T, reg *Registry, enabled ...mbus.MeasurementKind) map[mbus.MeasurementKind]*recordingSink {
	t.Helper()
	on := make(map[mbus.MeasurementKind]bool)
	for _, k := range enabled {
		on[k] = true
	}
	sinks := make(map[mbus.MeasurementKind]*recordingSink)
	for _, k := range mbus.Kinds {
		s := &recordingSink{}
		sinks[k] = s
		if err := reg.Configure(k, on[k], s); err != nil {
			t.Fatalf("Configure(%s): %v", k, err)
		}
	}
	reg.Freeze()
	return sinks
}

func waitResult(t *testing.T, ch <-chan PollResult) PollResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poll result")
		return PollResult{}
	}
}

// ============================================================
// PollOnce Tests
// ============================================================

func TestPollOnce_PublishesEnabledChannelsOnly(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue(responseFrame(t, map[mbus.MeasurementKind]float64{
		mbus.Energy: 1234.567,
		mbus.Volume: 89.012,
		mbus.Power:  42.0,
	}))

	reg := NewRegistry()
	sinks := sinksFor(t, reg, mbus.Energy, mbus.Volume)
	r := newTestReader(t, ft, reg, DefaultOptions())

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	if got := sinks[mbus.Energy].calls(); len(got) != 1 || got[0] != 1234.567 {
		t.Errorf("energy sink: expected [1234.567], got %v", got)
	}
	if got := sinks[mbus.Volume].calls(); len(got) != 1 || got[0] != 89.012 {
		t.Errorf("volume sink: expected [89.012], got %v", got)
	}
	if got := sinks[mbus.Power].calls(); len(got) != 0 {
		t.Errorf("power sink must never be invoked, got %v", got)
	}
	for _, k := range []mbus.MeasurementKind{mbus.VolumeFlow, mbus.FlowTemp, mbus.ReturnTemp, mbus.DeltaT} {
		if got := sinks[k].calls(); len(got) != 0 {
			t.Errorf("%s sink: expected no calls, got %v", k, got)
		}
	}

	s := r.State()
	if s.ConsecutiveFailures != 0 || s.TotalPolls != 1 || s.Phase != PhaseIdle {
		t.Errorf("unexpected state %+v", s)
	}
}

func TestPollOnce_Timeout(t *testing.T) {
	ft := &fakeTransport{}
	reg := NewRegistry()
	sinks := sinksFor(t, reg, mbus.Kinds...)
	r := newTestReader(t, ft, reg, DefaultOptions())

	err := r.PollOnce(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %T", err)
	}
	if te.Timeout != 2*time.Second {
		t.Errorf("expected default 2s timeout, got %s", te.Timeout)
	}

	for k, s := range sinks {
		if len(s.calls()) != 0 {
			t.Errorf("%s sink called on timeout", k)
		}
	}
	s := r.State()
	if s.ConsecutiveFailures != 1 || s.TotalFailures != 1 {
		t.Errorf("expected one failure, got %+v", s)
	}
	if !s.LastSuccess.IsZero() {
		t.Error("last success must stay unset")
	}
}

func TestPollOnce_PartialResponseTimesOut(t *testing.T) {
	frame := responseFrame(t, map[mbus.MeasurementKind]float64{mbus.Energy: 1})
	ft := &fakeTransport{}
	ft.queue(frame[:len(frame)/2])

	reg := NewRegistry()
	sinksFor(t, reg, mbus.Energy)
	r := newTestReader(t, ft, reg, DefaultOptions())

	err := r.PollOnce(context.Background())
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %v", err)
	}
	if te.Received != len(frame)/2 {
		t.Errorf("expected %d bytes received, got %d", len(frame)/2, te.Received)
	}
}

func TestPollOnce_DeadlineUsesClock(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1760000000, 0)}
	// one byte per read, with a millisecond passing on every read
	ft := &tickingTransport{fakeTransport: &fakeTransport{chunk: 1}, clock: clock, step: time.Millisecond}
	ft.queue(responseFrame(t, map[mbus.MeasurementKind]float64{mbus.Energy: 1}))

	reg := NewRegistry()
	sinks := sinksFor(t, reg, mbus.Energy)
	opts := DefaultOptions()
	opts.Clock = clock.Now
	opts.Timeout = 5 * time.Millisecond
	r := newTestReader(t, ft, reg, opts)

	err := r.PollOnce(context.Background())
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected timeout once the clock passed the deadline, got %v", err)
	}
	if te.Received != 5 {
		t.Errorf("expected 5 bytes before the deadline, got %d", te.Received)
	}
	if len(sinks[mbus.Energy].calls()) != 0 {
		t.Error("nothing may be published after a timeout")
	}
}

// tickingTransport advances a fake clock on every read
type tickingTransport struct {
	*fakeTransport
	clock *fakeClock
	step  time.Duration
}

func (t *tickingTransport) ReadWithTimeout(max int, timeout time.Duration) ([]byte, error) {
	t.clock.Advance(t.step)
	return t.fakeTransport.ReadWithTimeout(max, timeout)
}

func TestPollOnce_DecodeErrorsPublishNothing(t *testing.T) {
	good := responseFrame(t, map[mbus.MeasurementKind]float64{mbus.Energy: 1, mbus.Volume: 2})

	badChecksum := append([]byte(nil), good...)
	badChecksum[len(badChecksum)-2] ^= 0xFF

	// volume record BCD replaced by invalid digits
	badField := append([]byte(nil), good...)
	dataEnd := len(badField) - 2
	badField[dataEnd-1] = 0xAA
	badField[len(badField)-2] = mbus.CalculateChecksum(badField[4:dataEnd])

	tests := []struct {
		name  string
		frame []byte
		check func(error) bool
	}{
		{"checksum", badChecksum, func(err error) bool { var e *mbus.ChecksumError; return errors.As(err, &e) }},
		{"field", badField, func(err error) bool { var e *mbus.FieldError; return errors.As(err, &e) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{}
			ft.queue(tt.frame)
			reg := NewRegistry()
			sinks := sinksFor(t, reg, mbus.Kinds...)
			r := newTestReader(t, ft, reg, DefaultOptions())

			err := r.PollOnce(context.Background())
			if !tt.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
			for k, s := range sinks {
				if len(s.calls()) != 0 {
					t.Errorf("%s published despite decode error", k)
				}
			}
			if r.State().ConsecutiveFailures != 1 {
				t.Errorf("expected 1 failure, got %d", r.State().ConsecutiveFailures)
			}
		})
	}
}

func TestPollOnce_FrameKeptOnFieldError(t *testing.T) {
	good := responseFrame(t, map[mbus.MeasurementKind]float64{mbus.Energy: 1})
	bad := append([]byte(nil), good...)
	dataEnd := len(bad) - 2
	bad[dataEnd-1] = 0xAA
	bad[len(bad)-2] = mbus.CalculateChecksum(bad[4:dataEnd])

	ft := &fakeTransport{}
	ft.queue(bad, good)
	r := newTestReader(t, ft, NewRegistry(), DefaultOptions())

	var got PollResult
	r.AddObserver(ObserverFunc(func(res PollResult) { got = res }))

	if err := r.PollOnce(context.Background()); err == nil {
		t.Fatal("expected field error")
	}
	if got.Frame == nil || !bytes.Equal(got.Frame.Raw, bad) {
		t.Errorf("failed result should carry the received frame, got %+v", got.Frame)
	}
	if got.Reading != nil {
		t.Error("failed result carries a reading")
	}

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got.Frame == nil || got.Reading == nil {
		t.Error("successful result should carry frame and reading")
	}
}

func TestPollOnce_FailureCounterResetsOnSuccess(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1760000000, 0)}
	ft := &fakeTransport{}
	reg := NewRegistry()
	sinksFor(t, reg, mbus.Energy)
	opts := DefaultOptions()
	opts.Clock = clock.Now
	r := newTestReader(t, ft, reg, opts)

	for i := 0; i < 2; i++ {
		if err := r.PollOnce(context.Background()); err == nil {
			t.Fatal("expected timeout")
		}
	}
	if got := r.State().ConsecutiveFailures; got != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", got)
	}

	clock.Advance(30 * time.Second)
	ft.queue(responseFrame(t, map[mbus.MeasurementKind]float64{mbus.Energy: 5}))
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	s := r.State()
	if s.ConsecutiveFailures != 0 {
		t.Errorf("expected failures reset, got %d", s.ConsecutiveFailures)
	}
	if s.TotalFailures != 2 || s.TotalPolls != 3 {
		t.Errorf("unexpected totals %+v", s)
	}
	if !s.LastSuccess.Equal(clock.Now()) {
		t.Errorf("expected last success %v, got %v", clock.Now(), s.LastSuccess)
	}
	if s.LastError != nil {
		t.Errorf("last error should clear, got %v", s.LastError)
	}
}

func TestPollOnce_SecondReadingReplacesFirst(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue(
		responseFrame(t, map[mbus.MeasurementKind]float64{mbus.Energy: 100, mbus.Volume: 2}),
		responseFrame(t, map[mbus.MeasurementKind]float64{mbus.Energy: 101}),
	)
	reg := NewRegistry()
	sinks := sinksFor(t, reg, mbus.Energy, mbus.Volume)
	r := newTestReader(t, ft, reg, DefaultOptions())

	var readings []*mbus.Reading
	r.AddObserver(ObserverFunc(func(res PollResult) { readings = append(readings, res.Reading) }))

	for i := 0; i < 2; i++ {
		if err := r.PollOnce(context.Background()); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}

	if got := sinks[mbus.Energy].calls(); len(got) != 2 || got[1] != 101 {
		t.Errorf("energy: expected second value 101, got %v", got)
	}
	if got := sinks[mbus.Volume].calls(); len(got) != 1 {
		t.Errorf("volume must not be republished from the first reading, got %v", got)
	}
	if len(readings) != 2 || readings[1].Has(mbus.Volume) {
		t.Error("second reading must not carry values of the first")
	}
}

func TestPollOnce_SameResponseSameValues(t *testing.T) {
	values := map[mbus.MeasurementKind]float64{
		mbus.Energy:     1234.567,
		mbus.Volume:     89.012,
		mbus.FlowTemp:   74.52,
		mbus.ReturnTemp: 41.3,
	}
	frame := responseFrame(t, values)
	ft := &fakeTransport{}
	ft.queue(frame, frame)
	reg := NewRegistry()
	sinks := sinksFor(t, reg, mbus.Energy, mbus.Volume, mbus.FlowTemp, mbus.ReturnTemp)
	r := newTestReader(t, ft, reg, DefaultOptions())

	var readings []*mbus.Reading
	r.AddObserver(ObserverFunc(func(res PollResult) { readings = append(readings, res.Reading) }))

	for i := 0; i < 2; i++ {
		if err := r.PollOnce(context.Background()); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}

	for kind := range values {
		got := sinks[kind].calls()
		if len(got) != 2 || got[0] != got[1] {
			t.Errorf("%s: expected the same value twice, got %v", kind, got)
		}
	}
	if len(readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(readings))
	}
	for _, kind := range mbus.Kinds {
		a, aok := readings[0].Get(kind)
		b, bok := readings[1].Get(kind)
		if aok != bok || a != b {
			t.Errorf("%s: %v/%v then %v/%v", kind, a, aok, b, bok)
		}
	}
	if !bytes.Equal(ft.writes[0], ft.writes[1]) {
		t.Errorf("requests differ: % X vs % X", ft.writes[0], ft.writes[1])
	}
}

func TestPollOnce_StrayStartByteBeforeResponse(t *testing.T) {
	frame := responseFrame(t, map[mbus.MeasurementKind]float64{mbus.Energy: 42})
	ft := &fakeTransport{}
	ft.queue(append([]byte{mbus.LongStart}, frame...))
	reg := NewRegistry()
	sinks := sinksFor(t, reg, mbus.Energy)
	r := newTestReader(t, ft, reg, DefaultOptions())

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := sinks[mbus.Energy].calls(); len(got) != 1 || got[0] != 42 {
		t.Errorf("energy: %v", got)
	}
}

func TestPollOnce_NoOverlap(t *testing.T) {
	ft := &fakeTransport{
		block:   make(chan struct{}),
		written: make(chan struct{}, 1),
	}
	ft.queue(responseFrame(t, map[mbus.MeasurementKind]float64{mbus.Energy: 1}))
	reg := NewRegistry()
	sinks := sinksFor(t, reg, mbus.Energy)
	r := newTestReader(t, ft, reg, DefaultOptions())

	done := make(chan error, 1)
	go func() { done <- r.PollOnce(context.Background()) }()

	select {
	case <-ft.written:
	case <-time.After(2 * time.Second):
		t.Fatal("first poll never wrote its request")
	}
	if got := r.State().Phase; got != PhaseAwaitingResponse {
		t.Errorf("expected AWAITING_RESPONSE, got %s", got)
	}

	err := r.PollOnce(context.Background())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	var be *BusyError
	if !errors.As(err, &be) || be.Pending {
		t.Errorf("expected in-progress BusyError, got %#v", err)
	}
	if n := ft.writeCount(); n != 1 {
		t.Errorf("second request written while first in flight: %d writes", n)
	}

	close(ft.block)
	if err := <-done; err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if len(sinks[mbus.Energy].calls()) != 1 {
		t.Error("first poll should have published")
	}
	if r.State().TotalPolls != 1 {
		t.Errorf("busy rejection must not count as a poll, got %d", r.State().TotalPolls)
	}
}

func TestPollOnce_RequestSequence(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue(
		responseFrame(t, map[mbus.MeasurementKind]float64{mbus.Energy: 1}),
		responseFrame(t, map[mbus.MeasurementKind]float64{mbus.Energy: 1}),
	)
	reg := NewRegistry()
	sinksFor(t, reg)
	r := newTestReader(t, ft, reg, DefaultOptions())

	for i := 0; i < 2; i++ {
		if err := r.PollOnce(context.Background()); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}

	want := mbus.BuildRequest(mbus.AddressBroadcastReply)
	for i, w := range ft.writes {
		if !bytes.Equal(w, want) {
			t.Errorf("write %d: expected % X, got % X", i, want, w)
		}
	}
	if ft.wakeups != 2 || ft.flushes != 2 {
		t.Errorf("expected wake-up and flush per poll, got %d/%d", ft.wakeups, ft.flushes)
	}
}

func TestPollOnce_WakeupDisabled(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue(responseFrame(t, map[mbus.MeasurementKind]float64{mbus.Energy: 1}))
	reg := NewRegistry()
	sinksFor(t, reg)
	opts := DefaultOptions()
	opts.Wakeup = false
	r := newTestReader(t, ft, reg, opts)

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if ft.wakeups != 0 {
		t.Errorf("expected no wake-up, got %d", ft.wakeups)
	}
}

func TestPollOnce_ChunkedWithEcho(t *testing.T) {
	frame := responseFrame(t, map[mbus.MeasurementKind]float64{mbus.FlowTemp: 71.25, mbus.ReturnTemp: 40.5})
	// echo arrives in the same read stream, ahead of the response
	ft := &echoTransport{fakeTransport: &fakeTransport{chunk: 3}}
	ft.queue(frame)
	reg := NewRegistry()
	sinks := sinksFor(t, reg, mbus.FlowTemp, mbus.ReturnTemp)
	r := newTestReader(t, ft, reg, DefaultOptions())

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := sinks[mbus.FlowTemp].calls(); len(got) != 1 || got[0] != 71.25 {
		t.Errorf("flow temp: %v", got)
	}
	if got := sinks[mbus.ReturnTemp].calls(); len(got) != 1 || got[0] != 40.5 {
		t.Errorf("return temp: %v", got)
	}
}

// echoTransport prepends the written request to the response, like a
// two-wire optical head does
type echoTransport struct {
	*fakeTransport
}

func (e *echoTransport) Write(p []byte) error {
	if err := e.fakeTransport.Write(p); err != nil {
		return err
	}
	e.mu.Lock()
	e.pending = append(append([]byte(nil), p...), e.pending...)
	e.mu.Unlock()
	return nil
}

func TestPollOnce_AddressMismatch(t *testing.T) {
	r0 := mbus.NewReading()
	r0.Set(mbus.Energy, 1)
	frame, err := mbus.EncodeResponse(0x02, mbus.Header{}, r0)
	if err != nil {
		t.Fatal(err)
	}
	ft := &fakeTransport{}
	ft.queue(frame)
	reg := NewRegistry()
	sinks := sinksFor(t, reg, mbus.Energy)
	opts := DefaultOptions()
	opts.Address = 0x01
	r := newTestReader(t, ft, reg, opts)

	err = r.PollOnce(context.Background())
	var fe *mbus.FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FramingError, got %v", err)
	}
	if len(sinks[mbus.Energy].calls()) != 0 {
		t.Error("response from another meter must not be published")
	}
	if !bytes.Equal(ft.writes[0], mbus.BuildRequest(0x01)) {
		t.Errorf("request not addressed to 0x01: % X", ft.writes[0])
	}
}

func TestPollOnce_TransportErrors(t *testing.T) {
	ioErr := errors.New("device unplugged")

	for name, ft := range map[string]*fakeTransport{
		"write": {writeErr: ioErr},
		"read":  {readErr: ioErr},
	} {
		t.Run(name, func(t *testing.T) {
			reg := NewRegistry()
			sinksFor(t, reg)
			r := newTestReader(t, ft, reg, DefaultOptions())

			err := r.PollOnce(context.Background())
			var te *TransportError
			if !errors.As(err, &te) || te.Op != name {
				t.Fatalf("expected %s TransportError, got %v", name, err)
			}
			if !errors.Is(err, ioErr) {
				t.Error("transport error should wrap the cause")
			}
			if Classify(err) != OutcomeTransport {
				t.Errorf("expected transport outcome, got %s", Classify(err))
			}
		})
	}
}

func TestPollOnce_CanceledContext(t *testing.T) {
	ft := &fakeTransport{}
	reg := NewRegistry()
	sinksFor(t, reg)
	r := newTestReader(t, ft, reg, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.PollOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPollOnce_ObserverSeesAnomalies(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue(responseFrame(t, map[mbus.MeasurementKind]float64{
		mbus.FlowTemp:   70,
		mbus.ReturnTemp: 40,
		mbus.DeltaT:     5,
	}))
	reg := NewRegistry()
	sinks := sinksFor(t, reg, mbus.DeltaT)
	r := newTestReader(t, ft, reg, DefaultOptions())

	var got PollResult
	r.AddObserver(ObserverFunc(func(res PollResult) { got = res }))
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(got.Anomalies) != 1 || got.Anomalies[0].Type != mbus.AnomalyDeltaTMismatch {
		t.Errorf("expected delta-T anomaly, got %v", got.Anomalies)
	}
	if len(sinks[mbus.DeltaT].calls()) != 1 {
		t.Error("anomalies must not block publishing")
	}
	if got.Published != 1 || got.Outcome != OutcomeOK || got.Source != SourceDirect {
		t.Errorf("unexpected result %+v", got)
	}
}

func TestNewReader_Validation(t *testing.T) {
	if _, err := NewReader(nil, NewRegistry(), DefaultOptions()); err == nil {
		t.Error("expected error for nil transport")
	}
	if _, err := NewReader(&fakeTransport{}, nil, DefaultOptions()); err == nil {
		t.Error("expected error for nil registry")
	}
	opts := DefaultOptions()
	opts.Address = mbus.AddressBroadcast
	if _, err := NewReader(&fakeTransport{}, NewRegistry(), opts); err == nil {
		t.Error("expected error for address 0xFF")
	}

	r, err := NewReader(&fakeTransport{}, NewRegistry(), Options{})
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if r.Options().Timeout != DefaultTimeout || r.Options().ChunkSize != DefaultChunkSize {
		t.Errorf("defaults not applied: %+v", r.Options())
	}
}

// ============================================================
// Run / Trigger Tests
// ============================================================

func TestRun_ScheduleAndTrigger(t *testing.T) {
	ft := &fakeTransport{}
	for i := 0; i < 3; i++ {
		ft.queue(responseFrame(t, map[mbus.MeasurementKind]float64{mbus.Energy: float64(i)}))
	}
	reg := NewRegistry()
	sinks := sinksFor(t, reg, mbus.Energy)
	r := newTestReader(t, ft, reg, DefaultOptions())

	results := make(chan PollResult, 8)
	r.AddObserver(ObserverFunc(func(res PollResult) { results <- res }))

	sched := &manualScheduler{ch: make(chan time.Time)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, sched) }()

	if res := waitResult(t, results); res.Source != SourceSchedule || res.Err != nil {
		t.Errorf("initial poll: %+v", res)
	}

	sched.ch <- time.Now()
	if res := waitResult(t, results); res.Source != SourceSchedule || res.Err != nil {
		t.Errorf("tick poll: %+v", res)
	}

	if err := r.RequestImmediateRead(); err != nil {
		t.Fatalf("RequestImmediateRead: %v", err)
	}
	if res := waitResult(t, results); res.Source != SourceTrigger || res.Err != nil {
		t.Errorf("triggered poll: %+v", res)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if !sched.stopped.Load() {
		t.Error("scheduler not stopped")
	}
	if got := sinks[mbus.Energy].calls(); len(got) != 3 || got[2] != 2 {
		t.Errorf("expected three published values, got %v", got)
	}
}

func TestRun_TriggerDuringScheduledPoll(t *testing.T) {
	ft := &fakeTransport{
		block:   make(chan struct{}),
		written: make(chan struct{}, 1),
	}
	ft.queue(
		responseFrame(t, map[mbus.MeasurementKind]float64{mbus.Energy: 5}),
		responseFrame(t, map[mbus.MeasurementKind]float64{mbus.Energy: 5}),
	)
	reg := NewRegistry()
	sinks := sinksFor(t, reg, mbus.Energy)
	r := newTestReader(t, ft, reg, DefaultOptions())

	results := make(chan PollResult, 8)
	r.AddObserver(ObserverFunc(func(res PollResult) { results <- res }))

	sched := &manualScheduler{ch: make(chan time.Time)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, sched) }()

	select {
	case <-ft.written:
	case <-time.After(2 * time.Second):
		t.Fatal("initial poll never wrote its request")
	}

	if err := r.RequestImmediateRead(); err != nil {
		t.Fatalf("RequestImmediateRead while in flight: %v", err)
	}
	var be *BusyError
	if err := r.RequestImmediateRead(); !errors.As(err, &be) || !be.Pending {
		t.Errorf("second request: expected pending BusyError, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if n := ft.writeCount(); n != 1 {
		t.Fatalf("%d requests written before the first response was read", n)
	}

	close(ft.block)
	first := waitResult(t, results)
	second := waitResult(t, results)
	if first.Source != SourceSchedule || first.Err != nil {
		t.Errorf("first poll: %+v", first)
	}
	if second.Source != SourceTrigger || second.Err != nil {
		t.Errorf("triggered poll: %+v", second)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if n := ft.writeCount(); n != 2 {
		t.Errorf("expected 2 requests, got %d", n)
	}
	if got := sinks[mbus.Energy].calls(); len(got) != 2 || got[0] != 5 || got[1] != 5 {
		t.Errorf("energy: %v", got)
	}
}

func TestRequestImmediateRead_QueueDepthOne(t *testing.T) {
	r := newTestReader(t, &fakeTransport{}, NewRegistry(), DefaultOptions())

	if err := r.RequestImmediateRead(); err != nil {
		t.Fatalf("first request: %v", err)
	}
	err := r.RequestImmediateRead()
	var be *BusyError
	if !errors.As(err, &be) || !be.Pending {
		t.Fatalf("expected pending BusyError, got %v", err)
	}
	if !errors.Is(err, ErrBusy) {
		t.Error("pending BusyError should match ErrBusy")
	}
}

func TestTickerScheduler_DefaultInterval(t *testing.T) {
	s := NewTickerScheduler(0)
	defer s.Stop()
	if s.Ticks() == nil {
		t.Fatal("expected tick channel")
	}
}

// ============================================================
// Registry Tests
// ============================================================

func TestRegistry_Duplicate(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Configure(mbus.Energy, true, &recordingSink{}); err != nil {
		t.Fatal(err)
	}
	err := reg.Configure(mbus.Energy, false, nil)
	var dup *DuplicateChannelError
	if !errors.As(err, &dup) || dup.Kind != mbus.Energy {
		t.Fatalf("expected DuplicateChannelError for energy, got %v", err)
	}
	if !IsDuplicate(err) {
		t.Error("IsDuplicate should report true")
	}
	if !strings.Contains(err.Error(), "energy") {
		t.Errorf("message should name the kind: %s", err)
	}
}

func TestRegistry_ConfigureErrors(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Configure(mbus.MeasurementKind(99), true, &recordingSink{}); err == nil {
		t.Error("expected error for invalid kind")
	}
	if err := reg.Configure(mbus.Power, true, nil); err == nil {
		t.Error("expected error for enabled channel without sink")
	}

	reg.Freeze()
	if !reg.Frozen() {
		t.Error("registry should be frozen")
	}
	if err := reg.Configure(mbus.Power, true, &recordingSink{}); !errors.Is(err, ErrFrozen) {
		t.Errorf("expected ErrFrozen, got %v", err)
	}
}

func TestRegistry_PublishNoOpUnlessEnabled(t *testing.T) {
	reg := NewRegistry()
	on, off := &recordingSink{}, &recordingSink{}
	if err := reg.Configure(mbus.Energy, true, on); err != nil {
		t.Fatal(err)
	}
	if err := reg.Configure(mbus.Volume, false, off); err != nil {
		t.Fatal(err)
	}

	if !reg.Publish(mbus.Energy, 1) {
		t.Error("enabled channel should publish")
	}
	if reg.Publish(mbus.Volume, 2) {
		t.Error("disabled channel must not publish")
	}
	if reg.Publish(mbus.Power, 3) {
		t.Error("unconfigured channel must not publish")
	}
	if len(off.calls()) != 0 {
		t.Error("disabled sink was called")
	}

	if chans := reg.Channels(); len(chans) != 1 || chans[0] != mbus.Energy {
		t.Errorf("unexpected channels %v", chans)
	}
	if reg.PublishReading(nil) != 0 {
		t.Error("nil reading publishes nothing")
	}
}

func TestSinkFunc(t *testing.T) {
	var got float64
	SinkFunc(func(v float64) { got = v }).Publish(4.2)
	if got != 4.2 {
		t.Errorf("expected 4.2, got %v", got)
	}
}

// ============================================================
// Classification / Statistics Tests
// ============================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeOK},
		{&TimeoutError{}, OutcomeTimeout},
		{&BusyError{}, OutcomeBusy},
		{&mbus.FramingError{}, OutcomeFraming},
		{&mbus.ChecksumError{}, OutcomeChecksum},
		{&mbus.FieldError{}, OutcomeField},
		{&TransportError{Op: "read", Err: errors.New("x")}, OutcomeTransport},
		{context.Canceled, OutcomeCanceled},
		{errors.New("other"), OutcomeOther},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestStatistics_Counts(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1760000000, 0)}
	s := newStatistics(clock.Now)

	s.ObservePoll(PollResult{Outcome: OutcomeOK, Published: 3, Duration: 250 * time.Millisecond})
	s.ObservePoll(PollResult{Outcome: OutcomeOK, Published: 3, Anomalies: make([]mbus.ValidationError, 1)})
	s.ObservePoll(PollResult{Outcome: OutcomeTimeout})
	s.ObservePoll(PollResult{Outcome: OutcomeChecksum})
	s.ObservePoll(PollResult{Outcome: OutcomeBusy})

	if s.TotalPolls != 4 || s.ValidPolls != 2 || s.Timeouts != 1 || s.ChecksumErrors != 1 {
		t.Errorf("unexpected counters %+v", s)
	}
	if s.Busy != 1 || s.ValuesSent != 6 || s.Anomalies != 1 {
		t.Errorf("unexpected busy/values/anomalies %d/%d/%d", s.Busy, s.ValuesSent, s.Anomalies)
	}
	if s.Errors() != 2 {
		t.Errorf("expected 2 errors, got %d", s.Errors())
	}

	clock.Advance(2 * time.Minute)
	s.CalculateRates()
	if s.PollRate != 2 || s.ErrorRate != 1 {
		t.Errorf("expected 2 polls/min and 1 error/min, got %v/%v", s.PollRate, s.ErrorRate)
	}

	out := s.String()
	for _, want := range []string{"Total Polls:", "Timeouts:", "Checksum Errors:", "Busy Rejections:"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Framing Errors:") {
		t.Errorf("zero counters should be omitted:\n%s", out)
	}

	s.Reset()
	if s.TotalPolls != 0 || s.Busy != 0 || !s.StartTime.Equal(clock.Now()) {
		t.Errorf("reset incomplete %+v", s)
	}
}

func TestStatistics_AsObserver(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue(responseFrame(t, map[mbus.MeasurementKind]float64{mbus.Energy: 1}))
	reg := NewRegistry()
	sinksFor(t, reg, mbus.Energy)
	r := newTestReader(t, ft, reg, DefaultOptions())
	stats := NewStatistics()
	r.AddObserver(stats)

	_ = r.PollOnce(context.Background())
	_ = r.PollOnce(context.Background())

	if stats.ValidPolls != 1 || stats.Timeouts != 1 || stats.ValuesSent != 1 {
		t.Errorf("unexpected statistics %+v", stats)
	}
}

func TestPhaseAndSourceStrings(t *testing.T) {
	if PhaseAwaitingResponse.String() != "AWAITING_RESPONSE" || Phase(9).String() != "UNKNOWN" {
		t.Error("unexpected phase names")
	}
	if SourceTrigger.String() != "trigger" {
		t.Error("unexpected source name")
	}
	for _, o := range Outcomes {
		if o.String() == "" {
			t.Errorf("outcome %d has no name", o)
		}
	}
}
