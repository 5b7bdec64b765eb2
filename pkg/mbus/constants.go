// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package mbus implements the subset of wired M-Bus (EN 13757-2/-3) spoken
// by CF Echo II heat meters: the REQ_UD2 request, RSP_UD long frame
// validation and the handful of data records the meter reports.
package mbus

// Link layer framing bytes
const (
	ShortStart = 0x10
	LongStart  = 0x68
	StopByte   = 0x16
	AckByte    = 0xE5
)

// Frame size limits
const (
	ShortFrameSize = 5
	MinLongLength  = 3   // C + A + CI
	MaxLongLength  = 252 // leaves room for 68 L L 68 ... CS 16 in 258 bytes
	MinFrameSize   = MinLongLength + 6
	MaxFrameSize   = MaxLongLength + 6
	longOverhead   = 6 // 68 L L 68 + CS 16
)

// Control field values
const (
	CtrlReqUD2    = 0x5B // REQ_UD2 with FCB=1, FCV=1
	CtrlRspUD     = 0x08 // RSP_UD, ACD/DFC bits masked
	ctrlRspUDMask = 0x4F
)

// Addresses
const (
	AddressBroadcastReply = 0xFE // all meters answer
	AddressBroadcast      = 0xFF // no meter answers
)

// Control information field values
const (
	CIResponseLong  = 0x72 // 12 byte application header
	CIResponseNone  = 0x78 // no application header
	CIResponseShort = 0x7A // 4 byte application header
)

// Application header sizes
const (
	longHeaderSize  = 12
	shortHeaderSize = 4
)

// DIF special values
const (
	difFiller         = 0x2F
	difManufacturer   = 0x0F
	difMoreRecords    = 0x1F
	difExtensionBit   = 0x80
	difStorageBit     = 0x40
	difFunctionMask   = 0x30
	difDataMask       = 0x0F
	vifExtensionBit   = 0x80
	dataVariableLen   = 0x0D
	difeStorageMask   = 0x0F
	difeTariffMask    = 0x30
	difeSubunitBit    = 0x40
	vifValueMask      = 0x7F
	maxExtensionBytes = 10
)

// DIF data field codings (low nibble of DIF)
const (
	dataNone      = 0x00
	dataInt8      = 0x01
	dataInt16     = 0x02
	dataInt24     = 0x03
	dataInt32     = 0x04
	dataReal32    = 0x05
	dataInt48     = 0x06
	dataInt64     = 0x07
	dataSelection = 0x08
	dataBCD2      = 0x09
	dataBCD4      = 0x0A
	dataBCD6      = 0x0B
	dataBCD8      = 0x0C
	dataBCD12     = 0x0E
)

// Optical head wake-up sequence
const (
	WakeupByte  = 0x55
	WakeupCount = 528
)
