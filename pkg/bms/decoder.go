// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
)

// Decoder turns complete frames into Records using a validated Schema
type Decoder struct {
	schema *Schema
	logger *zap.Logger
}

// NewDecoder validates schema and returns a decoder bound to it
func NewDecoder(schema *Schema, logger *zap.Logger) (*Decoder, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{
		schema: schema,
		logger: logger.Named("decoder"),
	}, nil
}

// Schema returns the schema the decoder was built with
func (d *Decoder) Schema() *Schema {
	return d.schema
}

// DecodeByName decodes buf as the named response
func (d *Decoder) DecodeByName(name string, buf []byte) (Record, error) {
	spec, ok := d.schema.Response(name)
	if !ok {
		return nil, &Error{Kind: KindDecode, Message: fmt.Sprintf("unknown response %s", name)}
	}
	return d.Decode(spec, buf)
}

// Decode extracts every field of spec from buf in offset order. The first
// failing field aborts the decode and no partial record is returned.
func (d *Decoder) Decode(spec *ResponseSpec, buf []byte) (rec Record, err error) {
	rec = make(Record, len(spec.Fields))
	multi := make(map[string]bool)

	var current FieldSpec
	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = &Error{
				Kind:    KindDecode,
				Message: fmt.Sprintf("%s: field panicked: %v", spec.Name, r),
				Key:     current.Key,
				Offset:  current.Offset,
			}
		}
	}()

	for _, f := range spec.Fields {
		current = f
		v, ferr := d.DecodeField(f, buf)
		if ferr != nil {
			d.logger.Debug("Field decode failed",
				zap.String("response", spec.Name),
				zap.String("key", f.Key),
				zap.Int("offset", f.Offset),
				zap.Error(ferr))
			return nil, &Error{
				Kind:    KindDecode,
				Message: spec.Name,
				Key:     f.Key,
				Offset:  f.Offset,
				Err:     ferr,
			}
		}
		rec.accumulate(f.Key, v, multi)
	}

	d.logger.Debug("Response decoded",
		zap.String("response", spec.Name),
		zap.Int("items", len(rec)))

	return rec, nil
}

// DecodeField decodes a single field of buf
func (d *Decoder) DecodeField(f FieldSpec, buf []byte) (interface{}, error) {
	if f.End() > len(buf) {
		return nil, fmt.Errorf("needs bytes %d..%d, buffer has %d", f.Offset, f.End(), len(buf))
	}
	slice := buf[f.Offset:f.End()]

	switch rule := f.Rule.(type) {
	case Numeric:
		v, err := ReadNumber(rule.Type, rule.Endian, slice)
		if err != nil {
			return nil, err
		}
		mult := rule.Multiplier
		if mult == 0 {
			mult = 1
		}
		return RoundTo(v*mult, rule.Digits()), nil

	case Text:
		return decodeText(rule.Encoding, slice)

	case Boolean:
		for _, b := range slice {
			if b != 0 {
				return true, nil
			}
		}
		return false, nil

	case Raw:
		if rule.Extract != nil {
			return rule.Extract(FieldContext{
				Slice:  slice,
				Offset: f.Offset,
				Length: f.Length,
				Buffer: buf,
			})
		}
		return clone(slice), nil

	default:
		return nil, fmt.Errorf("unsupported rule %T", f.Rule)
	}
}

func decodeText(enc TextEncoding, slice []byte) (string, error) {
	switch enc {
	case Hex:
		return BytesToHex(slice), nil
	case ASCII:
		s, err := charmap.Windows1252.NewDecoder().Bytes(slice)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(s), "\x00"), nil
	case UTF8:
		s := string(slice)
		if !utf8.ValidString(s) {
			s = strings.ToValidUTF8(s, "\uFFFD")
		}
		return strings.TrimRight(s, "\x00"), nil
	default:
		return "", fmt.Errorf("unknown text encoding %d", int(enc))
	}
}
