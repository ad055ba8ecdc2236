// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport connects a session to BLE peripherals.
//
// Real radios sit behind a BLE gateway reached over a serial port or a
// WebSocket. Both carry the same byte stream: messages are CBOR arrays
// [type, body] wrapped in a byte-stuffed frame
//
//	START | stuffed(length:2 BE | cbor | crc16:2 BE) | END
//
// where the CRC-16-CCITT covers the length and CBOR bytes. The Simulator
// implements the same session interfaces in process.
package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

const (
	// MaxPayloadSize bounds the CBOR body of one frame. A notification
	// carries at most one ATT payload plus envelope overhead.
	MaxPayloadSize = 1024

	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// MessageType identifies a bridge message
type MessageType uint8

const (
	MsgScan          MessageType = 0x01 // host -> gateway: start scanning
	MsgStopScan      MessageType = 0x02 // host -> gateway
	MsgAdvertisement MessageType = 0x03 // gateway -> host
	MsgConnect       MessageType = 0x04 // host -> gateway
	MsgDisconnect    MessageType = 0x05 // host -> gateway
	MsgDisconnected  MessageType = 0x06 // gateway -> host: link lost
	MsgDiscover      MessageType = 0x07 // host -> gateway: resolve a characteristic
	MsgSubscribe     MessageType = 0x08 // host -> gateway
	MsgUnsubscribe   MessageType = 0x09 // host -> gateway
	MsgWrite         MessageType = 0x0A // host -> gateway
	MsgNotification  MessageType = 0x0B // gateway -> host
	MsgAck           MessageType = 0x0C // gateway -> host: result of a request
)

// String returns the message type name
func (t MessageType) String() string {
	switch t {
	case MsgScan:
		return "SCAN"
	case MsgStopScan:
		return "STOP_SCAN"
	case MsgAdvertisement:
		return "ADVERTISEMENT"
	case MsgConnect:
		return "CONNECT"
	case MsgDisconnect:
		return "DISCONNECT"
	case MsgDisconnected:
		return "DISCONNECTED"
	case MsgDiscover:
		return "DISCOVER"
	case MsgSubscribe:
		return "SUBSCRIBE"
	case MsgUnsubscribe:
		return "UNSUBSCRIBE"
	case MsgWrite:
		return "WRITE"
	case MsgNotification:
		return "NOTIFICATION"
	case MsgAck:
		return "ACK"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// Message is one bridge message. Requests carry a Seq that the gateway
// echoes in its MsgAck. Status zero means success.
type Message struct {
	Type MessageType `cbor:"-"`

	Seq            uint32 `cbor:"1,keyasint,omitempty"`
	Device         string `cbor:"2,keyasint,omitempty"`
	Name           string `cbor:"3,keyasint,omitempty"`
	Service        uint16 `cbor:"4,keyasint,omitempty"`
	Characteristic uint16 `cbor:"5,keyasint,omitempty"`
	Data           []byte `cbor:"6,keyasint,omitempty"`
	Ack            bool   `cbor:"7,keyasint,omitempty"`
	Status         uint8  `cbor:"8,keyasint,omitempty"`
	Error          string `cbor:"9,keyasint,omitempty"`
	RSSI           int8   `cbor:"10,keyasint,omitempty"`
}

type envelope struct {
	_    struct{} `cbor:",toarray"`
	Type uint8
	Body Message
}

// CalculateCRC computes the CRC-16-CCITT of data
func CalculateCRC(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// MarshalMessage encodes m as a CBOR [type, body] array
func MarshalMessage(m Message) ([]byte, error) {
	return cbor.Marshal(envelope{Type: uint8(m.Type), Body: m})
}

// UnmarshalMessage decodes a CBOR [type, body] array
func UnmarshalMessage(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("empty CBOR payload")
	}
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("failed to decode CBOR: %w", err)
	}
	m := env.Body
	m.Type = MessageType(env.Type)
	return m, nil
}

// EncodeFrame encodes m into a stuffed wire frame
func EncodeFrame(m Message) ([]byte, error) {
	payload, err := MarshalMessage(m)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(payload), MaxPayloadSize)
	}

	body := make([]byte, 0, len(payload)+4)
	body = append(body, byte(len(payload)>>8), byte(len(payload)))
	body = append(body, payload...)
	crc := CalculateCRC(body)
	body = append(body, byte(crc>>8), byte(crc))

	frame := make([]byte, 0, len(body)*2+2)
	frame = append(frame, StartByte)
	frame = append(frame, stuffBytes(body)...)
	frame = append(frame, EndByte)
	return frame, nil
}

// stuffBytes escapes START, END and ESC as ESC followed by b^EscXor
func stuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)
	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}
	return result
}

// Decoder states
const (
	stateIdle = iota
	stateLength1
	stateLength2
	statePayload
	stateCRC1
	stateCRC2
	stateEnd
)

// Decoder reassembles bridge messages from a byte stream
type Decoder struct {
	state      int
	escapeNext bool
	length     int
	body       []byte
	crc        uint16
}

// NewDecoder creates a decoder waiting for a START byte
func NewDecoder() *Decoder {
	return &Decoder{body: make([]byte, 0, MaxPayloadSize+2)}
}

// Reset drops any partial frame
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.escapeNext = false
	d.length = 0
	d.body = d.body[:0]
	d.crc = 0
}

// DecodeByte feeds one byte. It returns a message when b completes a
// frame, nil while a frame is incomplete, and an error when a frame is
// malformed. After an error the decoder resynchronizes on the next START.
func (d *Decoder) DecodeByte(b byte) (*Message, error) {
	if b == StartByte {
		d.Reset()
		d.state = stateLength1
		return nil, nil
	}
	if d.state == stateIdle {
		return nil, nil
	}

	if b == EndByte {
		if d.state != stateEnd {
			state := d.state
			d.Reset()
			return nil, fmt.Errorf("unexpected END byte in state %d", state)
		}
		defer d.Reset()

		payload := d.body[2:]
		if calculated := CalculateCRC(d.body); calculated != d.crc {
			return nil, fmt.Errorf("CRC mismatch: expected 0x%04X, got 0x%04X", calculated, d.crc)
		}
		m, err := UnmarshalMessage(payload)
		if err != nil {
			return nil, err
		}
		return &m, nil
	}

	if b == EscByte && !d.escapeNext {
		d.escapeNext = true
		return nil, nil
	}
	if d.escapeNext {
		b ^= EscXor
		d.escapeNext = false
	}

	switch d.state {
	case stateLength1:
		d.body = append(d.body, b)
		d.length = int(b) << 8
		d.state = stateLength2
	case stateLength2:
		d.body = append(d.body, b)
		d.length |= int(b)
		if d.length == 0 || d.length > MaxPayloadSize {
			length := d.length
			d.Reset()
			return nil, fmt.Errorf("invalid payload length: %d", length)
		}
		d.state = statePayload
	case statePayload:
		d.body = append(d.body, b)
		if len(d.body) == d.length+2 {
			d.state = stateCRC1
		}
	case stateCRC1:
		d.crc = uint16(b) << 8
		d.state = stateCRC2
	case stateCRC2:
		d.crc |= uint16(b)
		d.state = stateEnd
	case stateEnd:
		d.Reset()
		return nil, fmt.Errorf("missing END byte")
	}
	return nil, nil
}
