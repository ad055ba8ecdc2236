// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import (
	"fmt"

	"go.uber.org/zap"
)

// PushResult describes what the Assembler did with a fragment
type PushResult int

const (
	// PushStarted means the fragment carried the segment header and replaced the buffer
	PushStarted PushResult = iota
	// PushAppended means the fragment extended a buffer that starts with the header
	PushAppended
	// PushOrphaned means there was no frame in progress and the fragment was dropped
	PushOrphaned
	// PushOverflow means the buffer grew past its limit and was discarded
	PushOverflow
)

// Assembler accumulates notification fragments into a frame buffer.
// Only a fragment that begins with the segment header can start a frame.
type Assembler struct {
	header []byte
	buf    []byte
	limit  int
}

// NewAssembler creates an assembler for frames starting with header.
// A limit of zero disables the overflow check.
func NewAssembler(header []byte, limit int) *Assembler {
	return &Assembler{header: clone(header), limit: limit}
}

// Push adds a fragment to the buffer
func (a *Assembler) Push(fragment []byte) PushResult {
	if HasPrefix(fragment, a.header) {
		a.buf = append(a.buf[:0], fragment...)
		return PushStarted
	}
	if !HasPrefix(a.buf, a.header) {
		return PushOrphaned
	}
	a.buf = append(a.buf, fragment...)
	if a.limit > 0 && len(a.buf) > a.limit {
		a.Reset()
		return PushOverflow
	}
	return PushAppended
}

// Bytes returns the buffered frame. The slice is reused by later pushes.
func (a *Assembler) Bytes() []byte {
	return a.buf
}

// Len returns the number of buffered bytes
func (a *Assembler) Len() int {
	return len(a.buf)
}

// Reset discards the buffered frame
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
}

// EventKind is the outcome of feeding one fragment to a Framer
type EventKind int

const (
	EventEmpty EventKind = iota
	EventOrphan
	EventOverflow
	EventPartial
	EventUnknownSignature
	EventChecksumError
	EventDecodeError
	EventFrame
)

func (k EventKind) String() string {
	switch k {
	case EventEmpty:
		return "empty"
	case EventOrphan:
		return "orphan"
	case EventOverflow:
		return "overflow"
	case EventPartial:
		return "partial"
	case EventUnknownSignature:
		return "unknown-signature"
	case EventChecksumError:
		return "checksum-error"
	case EventDecodeError:
		return "decode-error"
	case EventFrame:
		return "frame"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event reports what happened to a fragment
type Event struct {
	Kind     EventKind
	Response *ResponseSpec
	// Frame is set once a frame is complete, whether or not it decoded
	Frame  []byte
	Record Record
	// Excess counts bytes received past the declared response length
	Excess int
	// Buffered is the reassembly buffer length after the fragment
	Buffered int
	Err      error
}

// Framer reassembles fragments into frames, validates their checksum and
// decodes them. It never panics. The buffer is reset after every
// complete frame regardless of the outcome.
type Framer struct {
	schema  *Schema
	decoder *Decoder
	asm     *Assembler
	logger  *zap.Logger
}

// NewFramer creates a framer around decoder
func NewFramer(decoder *Decoder, logger *zap.Logger) *Framer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := decoder.Schema()
	limit := 0
	for _, r := range s.Responses() {
		if r.Length > limit {
			limit = r.Length
		}
	}
	return &Framer{
		schema:  s,
		decoder: decoder,
		asm:     NewAssembler(s.SegmentHeader, limit*2),
		logger:  logger.Named("framer"),
	}
}

// Reset discards any partial frame
func (f *Framer) Reset() {
	f.asm.Reset()
}

// Buffered returns the number of bytes waiting for completion
func (f *Framer) Buffered() int {
	return f.asm.Len()
}

// Feed processes one fragment
func (f *Framer) Feed(fragment []byte) (ev Event) {
	defer func() {
		if r := recover(); r != nil {
			f.asm.Reset()
			f.logger.Error("Fragment handling failed", zap.Any("panic", r))
			ev = Event{Kind: EventDecodeError, Err: &Error{Kind: KindDecode, Message: fmt.Sprintf("fragment handling failed: %v", r)}}
		}
	}()

	if len(fragment) == 0 {
		f.logger.Warn("Received empty notification, ignoring")
		return Event{Kind: EventEmpty, Buffered: f.asm.Len()}
	}

	switch f.asm.Push(fragment) {
	case PushStarted:
		f.logger.Debug("Segment header detected", zap.Int("length", len(fragment)))
	case PushAppended:
		f.logger.Debug("Appending fragment", zap.Int("length", len(fragment)), zap.Int("total", f.asm.Len()))
	case PushOrphaned:
		f.logger.Warn("Segment header must come first, dropping fragment",
			zap.String("fragment", BytesToHex(fragment)))
		return Event{
			Kind: EventOrphan,
			Err:  &Error{Kind: KindProtocol, Message: "fragment without segment header"},
		}
	case PushOverflow:
		f.logger.Warn("Reassembly buffer overflow, discarding")
		return Event{
			Kind: EventOverflow,
			Err:  &Error{Kind: KindProtocol, Message: "reassembly buffer overflow"},
		}
	}

	buf := f.asm.Bytes()
	spec, ready := f.schema.MatchFrame(buf)
	if spec == nil {
		if !ready {
			return Event{Kind: EventPartial, Buffered: len(buf)}
		}
		sig := buf[len(f.schema.SegmentHeader)]
		f.logger.Warn("Unexpected segment type", zap.String("signature", IntToHex(uint64(sig), "0x")))
		return Event{
			Kind:     EventUnknownSignature,
			Buffered: len(buf),
			Err:      &Error{Kind: KindProtocol, Message: fmt.Sprintf("unexpected segment type %s", IntToHex(uint64(sig), "0x"))},
		}
	}

	if len(buf) < spec.Length {
		f.logger.Debug("Segment not complete, waiting for more data",
			zap.String("response", spec.Name),
			zap.Int("missing", spec.Length-len(buf)))
		return Event{Kind: EventPartial, Response: spec, Buffered: len(buf)}
	}

	excess := len(buf) - spec.Length
	if excess > 0 {
		f.logger.Warn("Segment is longer than expected, proceeding with caution",
			zap.String("response", spec.Name),
			zap.Int("excess", excess))
	}

	frame := clone(buf[:spec.Length])
	f.asm.Reset()

	if !ChecksumValid(frame) {
		got := frame[len(frame)-1]
		want := Checksum(frame[:len(frame)-1])
		f.logger.Warn("Segment corrupted, flushing",
			zap.String("response", spec.Name),
			zap.String("checksum", IntToHex(uint64(got), "0x")),
			zap.String("expected", IntToHex(uint64(want), "0x")))
		return Event{
			Kind:     EventChecksumError,
			Response: spec,
			Frame:    frame,
			Excess:   excess,
			Err: &Error{
				Kind:    KindChecksum,
				Message: fmt.Sprintf("%s checksum %s, expected %s", spec.Name, IntToHex(uint64(got), "0x"), IntToHex(uint64(want), "0x")),
				Details: map[string]interface{}{"got": got, "want": want},
			},
		}
	}

	rec, err := f.decoder.Decode(spec, frame)
	if err != nil {
		f.logger.Error("Response decode failed", zap.String("response", spec.Name), zap.Error(err))
		return Event{Kind: EventDecodeError, Response: spec, Frame: frame, Excess: excess, Err: err}
	}

	return Event{Kind: EventFrame, Response: spec, Frame: frame, Record: rec, Excess: excess}
}
