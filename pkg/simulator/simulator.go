// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package simulator emulates a CF Echo II on the meter side of a
// transport, answering REQ_UD2 with a synthetic RSP_UD frame.
package simulator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/Thermoquad/echostat/pkg/logging"
	"github.com/Thermoquad/echostat/pkg/mbus"
	"github.com/Thermoquad/echostat/pkg/meter"
	"github.com/rs/zerolog"
)

// Control field values understood by the emulator
const (
	ctrlReqUD2NoFCB = 0x7B
	ctrlSndNKE      = 0x40
)

// Heat capacity of water used for the power figure, in kWh/(m³·K)
const waterHeatCapacity = 1.163

// DefaultHeader is the application header the emulator reports
var DefaultHeader = mbus.Header{
	ID:           12345678,
	Manufacturer: mbus.EncodeManufacturer("LUG"),
	Version:      0x07,
	Medium:       0x04,
}

// Meter holds the emulated register state. Cumulative counters advance
// with the time passed to Advance.
type Meter struct {
	mu     sync.Mutex
	addr   uint8
	header mbus.Header
	rng    *rand.Rand
	log    zerolog.Logger

	energy     float64 // kWh
	volume     float64 // m³
	volumeFlow float64 // m³/h
	flowTemp   float64 // °C
	returnTemp float64 // °C

	requests uint64
}

// New creates an emulated meter at address. The same seed yields the same
// sequence of values.
func New(address uint8, header mbus.Header, seed int64) *Meter {
	return &Meter{
		addr:       address,
		header:     header,
		rng:        rand.New(rand.NewSource(seed)),
		log:        logging.For("simulator"),
		energy:     12345.678,
		volume:     456.789,
		volumeFlow: 0.6,
		flowTemp:   60,
		returnTemp: 40,
	}
}

// Address returns the primary address the meter answers on
func (m *Meter) Address() uint8 {
	return m.addr
}

// Requests returns how many REQ_UD2 frames were answered
func (m *Meter) Requests() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// Reading returns the values the next response will carry
func (m *Meter) Reading() *mbus.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reading()
}

func (m *Meter) reading() *mbus.Reading {
	r := mbus.NewReading()
	r.Header = m.header
	r.Address = m.addr

	deltaT := m.flowTemp - m.returnTemp
	r.Set(mbus.Energy, mbus.Round(m.energy, 3))
	r.Set(mbus.Volume, mbus.Round(m.volume, 3))
	r.Set(mbus.Power, mbus.Round(m.power(), 0))
	r.Set(mbus.VolumeFlow, mbus.Round(m.volumeFlow, 3))
	r.Set(mbus.FlowTemp, mbus.Round(m.flowTemp, 2))
	r.Set(mbus.ReturnTemp, mbus.Round(m.returnTemp, 2))
	r.Set(mbus.DeltaT, mbus.Round(deltaT, 2))
	return r
}

// power in W
func (m *Meter) power() float64 {
	return waterHeatCapacity * m.volumeFlow * (m.flowTemp - m.returnTemp) * 1000
}

// Advance integrates the counters over d and lets the instantaneous
// values drift
func (m *Meter) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	hours := d.Hours()
	m.energy += m.power() / 1000 * hours
	m.volume += m.volumeFlow * hours

	m.volumeFlow = clamp(m.volumeFlow+m.rng.NormFloat64()*0.01, 0.1, 2.5)
	m.flowTemp = clamp(m.flowTemp+m.rng.NormFloat64()*0.1, 45, 80)
	m.returnTemp = clamp(m.returnTemp+m.rng.NormFloat64()*0.1, 25, m.flowTemp-2)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Respond returns the reply to one short frame, or nil when the meter
// stays silent
func (m *Meter) Respond(req []byte) ([]byte, error) {
	if len(req) != mbus.ShortFrameSize || req[0] != mbus.ShortStart || req[4] != mbus.StopByte {
		return nil, nil
	}
	if mbus.CalculateChecksum(req[1:3]) != req[3] {
		return nil, nil
	}
	control, address := req[1], req[2]
	if address != m.addr && address != mbus.AddressBroadcastReply {
		return nil, nil
	}

	switch control {
	case ctrlSndNKE:
		return []byte{mbus.AckByte}, nil
	case mbus.CtrlReqUD2, ctrlReqUD2NoFCB:
		m.mu.Lock()
		defer m.mu.Unlock()
		m.requests++
		m.header.AccessNumber++
		return mbus.EncodeResponse(m.addr, m.header, m.reading())
	}
	return nil, nil
}

// Serve answers requests arriving on t until ctx is done. Wake-up bytes
// and anything else that is not a short frame are skipped.
func (m *Meter) Serve(ctx context.Context, t meter.Transport) error {
	m.log.Info().Uint8("address", m.addr).Msg("emulated meter listening")

	var pending []byte
	last := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := t.ReadWithTimeout(64, 200*time.Millisecond)
		if err != nil && !errors.Is(err, meter.ErrTimeout) {
			return err
		}
		pending = append(pending, chunk...)

		now := time.Now()
		m.Advance(now.Sub(last))
		last = now

		var frames [][]byte
		frames, pending = scanShortFrames(pending)
		for _, req := range frames {
			resp, err := m.Respond(req)
			if err != nil {
				m.log.Error().Err(err).Msg("failed to encode response")
				continue
			}
			if resp == nil {
				m.log.Debug().Hex("request", req).Msg("request ignored")
				continue
			}
			if err := t.Write(resp); err != nil {
				return err
			}
			m.log.Debug().Hex("request", req).Int("bytes", len(resp)).Msg("answered")
		}
	}
}

// scanShortFrames extracts every complete short frame from buf and returns
// the unconsumed tail
func scanShortFrames(buf []byte) ([][]byte, []byte) {
	var frames [][]byte
	for len(buf) > 0 {
		if buf[0] != mbus.ShortStart {
			buf = buf[1:]
			continue
		}
		if len(buf) < mbus.ShortFrameSize {
			break
		}
		candidate := buf[:mbus.ShortFrameSize]
		if candidate[4] != mbus.StopByte || mbus.CalculateChecksum(candidate[1:3]) != candidate[3] {
			buf = buf[1:]
			continue
		}
		frames = append(frames, append([]byte(nil), candidate...))
		buf = buf[mbus.ShortFrameSize:]
	}
	return frames, append([]byte(nil), buf...)
}
