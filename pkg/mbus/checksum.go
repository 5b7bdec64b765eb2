// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mbus

// CalculateChecksum computes the M-Bus frame checksum: the arithmetic sum of
// all bytes modulo 256.
func CalculateChecksum(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum
}
