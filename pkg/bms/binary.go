// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// BytesToHex renders data as space separated lowercase hex pairs, e.g. "55 aa eb 90"
func BytesToHex(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(data) * 3)
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(hex.EncodeToString([]byte{b}))
	}
	return sb.String()
}

// HexToBytes parses a hex string produced by BytesToHex.
// Pairs may also be separated by colons or commas and may carry a 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ':' || r == ',' || r == '\t' || r == '\n'
	})

	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		if len(f)%2 == 1 {
			f = "0" + f
		}
		b, err := hex.DecodeString(f)
		if err != nil {
			return nil, fmt.Errorf("invalid hex %q: %w", f, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

// IntToHex formats v as lowercase hex with an even number of digits and the given prefix
func IntToHex(v uint64, prefix string) string {
	s := strconv.FormatUint(v, 16)
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return prefix + s
}

// HasPrefix reports whether data starts with prefix and carries at least one
// byte past it. A buffer holding only the prefix does not count.
func HasPrefix(data, prefix []byte) bool {
	if len(prefix) == 0 || len(data) <= len(prefix) {
		return false
	}
	for i, b := range prefix {
		if data[i] != b {
			return false
		}
	}
	return true
}

func byteOrder(e Endianness) binary.ByteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// ReadNumber extracts a number of type t from b. len(b) must equal t.Size().
// Endianness is ignored for single byte types.
func ReadNumber(t NumberType, e Endianness, b []byte) (float64, error) {
	if len(b) != t.Size() {
		return 0, fmt.Errorf("%s needs %d bytes, got %d", t, t.Size(), len(b))
	}
	order := byteOrder(e)

	switch t {
	case Int8:
		return float64(int8(b[0])), nil
	case Uint8:
		return float64(b[0]), nil
	case Int16:
		return float64(int16(order.Uint16(b))), nil
	case Uint16:
		return float64(order.Uint16(b)), nil
	case Int32:
		return float64(int32(order.Uint32(b))), nil
	case Uint32:
		return float64(order.Uint32(b)), nil
	case Int64:
		return float64(int64(order.Uint64(b))), nil
	case Uint64:
		return float64(order.Uint64(b)), nil
	case Float32:
		return float64(math.Float32frombits(order.Uint32(b))), nil
	case Float64:
		return math.Float64frombits(order.Uint64(b)), nil
	default:
		return 0, fmt.Errorf("unknown number type %d", t)
	}
}

// PutNumber writes v into b as type t. Integer types are rounded and
// saturated to their range.
func PutNumber(t NumberType, e Endianness, b []byte, v float64) error {
	if len(b) != t.Size() {
		return fmt.Errorf("%s needs %d bytes, got %d", t, t.Size(), len(b))
	}
	order := byteOrder(e)
	r := math.Round(v)

	switch t {
	case Int8:
		b[0] = byte(int8(clamp(r, math.MinInt8, math.MaxInt8)))
	case Uint8:
		b[0] = uint8(clamp(r, 0, math.MaxUint8))
	case Int16:
		order.PutUint16(b, uint16(int16(clamp(r, math.MinInt16, math.MaxInt16))))
	case Uint16:
		order.PutUint16(b, uint16(clamp(r, 0, math.MaxUint16)))
	case Int32:
		order.PutUint32(b, uint32(int32(clamp(r, math.MinInt32, math.MaxInt32))))
	case Uint32:
		order.PutUint32(b, uint32(clamp(r, 0, math.MaxUint32)))
	case Int64:
		order.PutUint64(b, uint64(int64(clamp(r, math.MinInt64, math.MaxInt64))))
	case Uint64:
		order.PutUint64(b, uint64(clamp(r, 0, math.MaxUint64)))
	case Float32:
		order.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		order.PutUint64(b, math.Float64bits(v))
	default:
		return fmt.Errorf("unknown number type %d", t)
	}
	return nil
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

// RoundTo rounds v to the given number of decimal digits
func RoundTo(v float64, digits int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
