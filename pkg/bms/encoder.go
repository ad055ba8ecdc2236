// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import (
	"fmt"

	"golang.org/x/text/encoding/charmap"
)

// BuildCommand constructs the wire frame of a command:
// command header, opcode, payload, zero padding and a checksum in the last
// byte. The checksum never overwrites payload, so header, opcode and
// payload together must be shorter than CommandLength.
func (s *Schema) BuildCommand(name string, payload []byte) ([]byte, error) {
	cmd, ok := s.Command(name)
	if !ok {
		return nil, &Error{Kind: KindProtocol, Message: fmt.Sprintf("command %s does not exist for %s", name, s.Name)}
	}

	used := len(s.CommandHeader) + len(cmd.Opcode) + len(payload)
	if used > s.CommandLength-1 {
		return nil, &Error{
			Kind: KindProtocol,
			Message: fmt.Sprintf("command %s payload %d B exceeds protocol limit %d B",
				name, used, s.CommandLength-1),
			Details: map[string]interface{}{"command": name, "length": used, "limit": s.CommandLength - 1},
		}
	}

	frame := make([]byte, s.CommandLength)
	n := copy(frame, s.CommandHeader)
	n += copy(frame[n:], cmd.Opcode)
	copy(frame[n:], payload)
	SealChecksum(frame)

	return frame, nil
}

// CommandBody strips the command header, padding and checksum from a frame
// built by BuildCommand and returns opcode and payload. Trailing zero bytes
// of the payload are indistinguishable from padding and are dropped.
func (s *Schema) CommandBody(frame []byte) ([]byte, error) {
	if len(frame) != s.CommandLength || !HasPrefix(frame, s.CommandHeader) {
		return nil, &Error{Kind: KindProtocol, Message: "not a command frame"}
	}
	if !ChecksumValid(frame) {
		return nil, &Error{Kind: KindChecksum, Message: "command checksum mismatch"}
	}
	body := frame[len(s.CommandHeader) : len(frame)-1]
	end := len(body)
	for end > 0 && body[end-1] == 0 {
		end--
	}
	return clone(body[:end]), nil
}

// MatchCommand finds the command whose opcode starts the body of frame
func (s *Schema) MatchCommand(frame []byte) (CommandSpec, []byte, error) {
	if len(frame) != s.CommandLength || !HasPrefix(frame, s.CommandHeader) {
		return CommandSpec{}, nil, &Error{Kind: KindProtocol, Message: "not a command frame"}
	}
	if !ChecksumValid(frame) {
		return CommandSpec{}, nil, &Error{Kind: KindChecksum, Message: "command checksum mismatch"}
	}
	body := frame[len(s.CommandHeader) : len(frame)-1]
	for _, cmd := range s.commands {
		if HasPrefix(body, cmd.Opcode) {
			return cmd, clone(body[len(cmd.Opcode):]), nil
		}
	}
	return CommandSpec{}, nil, &Error{
		Kind:    KindProtocol,
		Message: fmt.Sprintf("unknown opcode %s", BytesToHex(body[:1])),
	}
}

// EncodeResponse builds a frame for spec from rec. It is the inverse of
// Decode for numeric, text, boolean and plain raw fields. Keys missing
// from rec encode as zero bytes. The segment header, signature and frame
// number are always stamped and the checksum is computed last.
func (s *Schema) EncodeResponse(spec *ResponseSpec, rec Record, frameNumber byte) ([]byte, error) {
	frame := make([]byte, spec.Length)

	counts := make(map[string]int)
	for _, f := range spec.Fields {
		counts[f.Key]++
	}
	seen := make(map[string]int)

	for _, f := range spec.Fields {
		idx := seen[f.Key]
		seen[f.Key]++

		v, ok := rec[f.Key]
		if !ok {
			continue
		}
		if counts[f.Key] > 1 {
			seq, isSeq := v.([]interface{})
			if !isSeq {
				if idx > 0 {
					continue
				}
			} else {
				if idx >= len(seq) {
					continue
				}
				v = seq[idx]
			}
		}

		if err := encodeField(f, frame[f.Offset:f.End()], v); err != nil {
			return nil, &Error{Kind: KindDecode, Message: spec.Name, Key: f.Key, Offset: f.Offset, Err: err}
		}
	}

	n := copy(frame, s.SegmentHeader)
	n += copy(frame[n:], spec.Signature)
	if n < len(frame)-1 {
		frame[n] = frameNumber
	}
	SealChecksum(frame)

	return frame, nil
}

func encodeField(f FieldSpec, dst []byte, v interface{}) error {
	switch rule := f.Rule.(type) {
	case Numeric:
		x, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("%T is not numeric", v)
		}
		mult := rule.Multiplier
		if mult == 0 {
			mult = 1
		}
		return PutNumber(rule.Type, rule.Endian, dst, x/mult)

	case Text:
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("%T is not text", v)
		}
		var raw []byte
		switch rule.Encoding {
		case Hex:
			b, err := HexToBytes(str)
			if err != nil {
				return err
			}
			raw = b
		case ASCII:
			b, err := charmap.Windows1252.NewEncoder().Bytes([]byte(str))
			if err != nil {
				return err
			}
			raw = b
		default:
			raw = []byte(str)
		}
		if len(raw) > len(dst) {
			return fmt.Errorf("text of %d bytes does not fit in %d", len(raw), len(dst))
		}
		copy(dst, raw)
		return nil

	case Boolean:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%T is not a boolean", v)
		}
		if b {
			dst[0] = 1
		}
		return nil

	case Raw:
		b, ok := v.([]byte)
		if !ok {
			// extractor results cannot be inverted
			return nil
		}
		if len(b) > len(dst) {
			return fmt.Errorf("raw value of %d bytes does not fit in %d", len(b), len(dst))
		}
		copy(dst, b)
		return nil

	default:
		return fmt.Errorf("unsupported rule %T", f.Rule)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
