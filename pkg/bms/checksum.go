// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

// Checksum returns the sum of all bytes in data modulo 256
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// ChecksumValid reports whether the last byte of frame equals the checksum
// of every byte before it
func ChecksumValid(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	return frame[len(frame)-1] == Checksum(frame[:len(frame)-1])
}

// SealChecksum overwrites the last byte of frame with the checksum of the
// bytes before it
func SealChecksum(frame []byte) {
	if len(frame) == 0 {
		return
	}
	frame[len(frame)-1] = Checksum(frame[:len(frame)-1])
}
