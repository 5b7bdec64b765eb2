// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mbus

// Frame is a link layer long frame that passed structural and checksum
// validation. Data holds the bytes after the CI field up to the checksum.
type Frame struct {
	Control uint8
	Address uint8
	CI      uint8
	Data    []byte
	Raw     []byte
}

// Length returns the frame's L field.
func (f *Frame) Length() int {
	return len(f.Data) + 3
}

// Decoder states (internal)
const (
	stateIdle = iota
	stateLength1
	stateLength2
	stateStart2
	stateBody
	stateChecksum
	stateStop
)

// Decoder implements the M-Bus long frame decoder state machine.
// Bytes preceding a start byte are skipped, so wake-up echoes and stray
// single-character acknowledgements do not desynchronize it. A header that
// fails validation is rescanned from the next 0x68 it holds, which drops a
// stray start byte ahead of the real frame.
type Decoder struct {
	state    int
	length   int
	body     []byte
	checksum uint8
	raw      []byte
	skipped  int
	strict   bool // report header errors without rescanning
}

// NewDecoder creates a new frame decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state: stateIdle,
		body:  make([]byte, 0, MaxLongLength),
		raw:   make([]byte, 0, MaxFrameSize),
	}
}

// Reset returns the decoder to idle, discarding any partial frame
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.length = 0
	d.body = d.body[:0]
	d.checksum = 0
	d.raw = d.raw[:0]
}

// InFrame reports whether a frame start has been seen and the frame is
// not yet complete.
func (d *Decoder) InFrame() bool {
	return d.state != stateIdle
}

// Skipped returns how many bytes were discarded while hunting for a start byte.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Pending returns how many more bytes the current frame needs, or 0 when
// the length is not yet known.
func (d *Decoder) Pending() int {
	if d.state == stateIdle || d.state == stateLength1 {
		return 0
	}
	return d.length + longOverhead - len(d.raw)
}

// DecodeByte processes a single byte through the decoder state machine.
// It returns a completed frame, or nil while the frame is incomplete.
// On error the decoder resets and the error is one of *FramingError or
// *ChecksumError.
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	switch d.state {
	case stateIdle:
		if b != LongStart {
			d.skipped++
			return nil, nil
		}
		d.raw = append(d.raw[:0], b)
		d.state = stateLength1
		return nil, nil

	case stateLength1:
		d.raw = append(d.raw, b)
		if int(b) < MinLongLength || int(b) > MaxLongLength {
			offset := len(d.raw) - 1
			return d.resync(framingErrorf(offset, "invalid length field %d (valid %d-%d)", b, MinLongLength, MaxLongLength))
		}
		d.length = int(b)
		d.state = stateLength2
		return nil, nil

	case stateLength2:
		d.raw = append(d.raw, b)
		if int(b) != d.length {
			offset := len(d.raw) - 1
			return d.resync(framingErrorf(offset, "length fields disagree (%d != %d)", d.length, b))
		}
		d.state = stateStart2
		return nil, nil

	case stateStart2:
		d.raw = append(d.raw, b)
		if b != LongStart {
			offset := len(d.raw) - 1
			return d.resync(framingErrorf(offset, "expected second start byte 0x68, got 0x%02X", b))
		}
		d.body = d.body[:0]
		d.state = stateBody
		return nil, nil

	case stateBody:
		d.raw = append(d.raw, b)
		d.body = append(d.body, b)
		if len(d.body) >= d.length {
			d.state = stateChecksum
		}
		return nil, nil

	case stateChecksum:
		d.raw = append(d.raw, b)
		d.checksum = b
		d.state = stateStop
		return nil, nil

	case stateStop:
		d.raw = append(d.raw, b)
		if b != StopByte {
			offset := len(d.raw) - 1
			d.Reset()
			return nil, framingErrorf(offset, "expected stop byte 0x16, got 0x%02X", b)
		}

		calculated := CalculateChecksum(d.body)
		if calculated != d.checksum {
			err := &ChecksumError{Expected: calculated, Received: d.checksum}
			d.Reset()
			return nil, err
		}

		frame := &Frame{
			Control: d.body[0],
			Address: d.body[1],
			CI:      d.body[2],
			Data:    append([]byte(nil), d.body[3:]...),
			Raw:     append([]byte(nil), d.raw...),
		}
		d.Reset()
		return frame, nil

	default:
		d.Reset()
		return nil, framingErrorf(-1, "invalid decoder state %d", d.state)
	}
}

// resync restarts the decoder from the first start byte after raw[0] and
// replays the header bytes from there. Without one it resets and returns err.
func (d *Decoder) resync(err error) (*Frame, error) {
	if !d.strict {
		for i := 1; i < len(d.raw); i++ {
			if d.raw[i] != LongStart {
				continue
			}
			tail := append([]byte(nil), d.raw[i:]...)
			d.skipped += i
			d.Reset()
			for _, b := range tail {
				if _, err := d.DecodeByte(b); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}
	}
	d.Reset()
	return nil, err
}

// ParseFrame validates a complete long frame. Unlike the streaming decoder
// it requires the buffer to start at the frame start byte; bytes after the
// stop byte are ignored.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < MinFrameSize {
		if len(data) == 1 && data[0] == AckByte {
			return nil, framingErrorf(0, "single character acknowledge, not a data response")
		}
		return nil, framingErrorf(-1, "frame too short: %d bytes (min %d)", len(data), MinFrameSize)
	}
	if data[0] != LongStart {
		return nil, framingErrorf(0, "expected start byte 0x68, got 0x%02X", data[0])
	}

	d := NewDecoder()
	d.strict = true
	for _, b := range data {
		frame, err := d.DecodeByte(b)
		if err != nil {
			return nil, err
		}
		if frame != nil {
			return frame, nil
		}
	}

	return nil, framingErrorf(-1, "truncated frame: %d more bytes expected", d.Pending())
}
