// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import "fmt"

// DefaultPrecision is the number of decimal digits kept by numeric fields
// that do not set their own precision
const DefaultPrecision = 5

// WholeNumber is a Precision that rounds to an integer. Zero cannot be used
// for that since it selects DefaultPrecision.
const WholeNumber = -1

// NumberType is the wire representation of a numeric field
type NumberType int

const (
	Int8 NumberType = iota
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Float32
	Float64
)

// Size returns the width of the type in bytes
func (t NumberType) Size() int {
	switch t {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

func (t NumberType) String() string {
	switch t {
	case Int8:
		return "Int8"
	case Uint8:
		return "Uint8"
	case Int16:
		return "Int16"
	case Uint16:
		return "Uint16"
	case Int32:
		return "Int32"
	case Uint32:
		return "Uint32"
	case Int64:
		return "Int64"
	case Uint64:
		return "Uint64"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	default:
		return fmt.Sprintf("NumberType(%d)", int(t))
	}
}

// Endianness selects byte order for multi-byte numeric fields
type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

func (e Endianness) String() string {
	if e == BigEndian {
		return "BE"
	}
	return "LE"
}

// TextEncoding selects how a text field is rendered
type TextEncoding int

const (
	// ASCII decodes single byte text. Bytes above 0x7f follow windows-1252.
	ASCII TextEncoding = iota
	UTF8
	// Hex renders the bytes as lowercase hex pairs
	Hex
)

func (e TextEncoding) String() string {
	switch e {
	case ASCII:
		return "ASCII"
	case UTF8:
		return "UTF-8"
	case Hex:
		return "hex"
	default:
		return fmt.Sprintf("TextEncoding(%d)", int(e))
	}
}

// RuleKind identifies the decoding rule variant of a field
type RuleKind int

const (
	RuleNumeric RuleKind = iota
	RuleText
	RuleBoolean
	RuleRaw
)

func (k RuleKind) String() string {
	switch k {
	case RuleNumeric:
		return "numeric"
	case RuleText:
		return "text"
	case RuleBoolean:
		return "boolean"
	case RuleRaw:
		return "raw"
	default:
		return fmt.Sprintf("RuleKind(%d)", int(k))
	}
}

// Rule is the decoding rule of a field: Numeric, Text, Boolean or Raw
type Rule interface {
	Kind() RuleKind
}

// Numeric decodes an integer or float, scales it by Multiplier and rounds
// it to Precision decimal digits.
type Numeric struct {
	Type   NumberType
	Endian Endianness
	// Multiplier defaults to 1 when zero
	Multiplier float64
	// Precision is the number of decimal digits kept. Zero selects
	// DefaultPrecision and WholeNumber (any negative value) keeps none.
	Precision int
}

func (Numeric) Kind() RuleKind { return RuleNumeric }

// Digits returns the number of decimal digits the rule rounds to
func (n Numeric) Digits() int {
	switch {
	case n.Precision < 0:
		return 0
	case n.Precision == 0:
		return DefaultPrecision
	default:
		return n.Precision
	}
}

// Text decodes a string. Trailing NUL bytes are stripped for ASCII and UTF-8.
type Text struct {
	Encoding TextEncoding
}

func (Text) Kind() RuleKind { return RuleText }

// Boolean is true when any byte of the field is nonzero
type Boolean struct{}

func (Boolean) Kind() RuleKind { return RuleBoolean }

// FieldContext is handed to custom extractors
type FieldContext struct {
	Slice  []byte
	Offset int
	Length int
	// Buffer is the whole frame being decoded
	Buffer []byte
}

// Extractor computes a field value from its bytes and the surrounding frame
type Extractor func(FieldContext) (interface{}, error)

// Raw returns a copy of the field bytes, or the result of Extract when set
type Raw struct {
	Extract Extractor
}

func (Raw) Kind() RuleKind { return RuleRaw }

// Describe returns a short description of a rule, e.g. "Int16 LE x0.001"
func Describe(r Rule) string {
	switch rule := r.(type) {
	case Numeric:
		s := rule.Type.String()
		if rule.Type.Size() > 1 {
			s += " " + rule.Endian.String()
		}
		if rule.Multiplier != 0 && rule.Multiplier != 1 {
			s += fmt.Sprintf(" x%g", rule.Multiplier)
		}
		return s
	case Text:
		return rule.Encoding.String()
	case Boolean:
		return "bool"
	case Raw:
		if rule.Extract != nil {
			return "raw (extractor)"
		}
		return "raw"
	default:
		return "unknown"
	}
}
