// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bms implements the protocol layer of a BMS telemetry monitor.
//
// A Definition describes a device protocol compactly: framing constants,
// outbound commands and inbound response layouts as ordered field lists.
// Load expands it into an indexed Schema with computed field offsets and
// validates that every response layout adds up to its declared length.
// The Decoder turns complete frames into Records, the Framer reassembles
// notification fragments into frames, and the encoder builds command
// frames and synthetic responses.
package bms

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Command names with a fixed meaning for the session layer
const (
	CommandGetSettings       = "GET_SETTINGS"
	CommandGetDeviceInfo     = "GET_DEVICE_INFO"
	CommandToggleCharging    = "TOGGLE_CHARGING"
	CommandToggleDischarging = "TOGGLE_DISCHARGING"
)

// Definition is the compact description of a device protocol
type Definition struct {
	Name string

	ServiceUUID        uint16
	CharacteristicUUID uint16

	// SegmentHeader starts every inbound frame
	SegmentHeader []byte
	// CommandHeader prefixes every outbound command
	CommandHeader []byte
	// CommandLength is the fixed size of an outbound command including its checksum
	CommandLength int

	// ConnectPreviousTimeout bounds the wait for a previous device's advertisement
	ConnectPreviousTimeout time.Duration
	// InactivityTimeout disconnects a session that stopped receiving notifications
	InactivityTimeout time.Duration

	// Bootstrap lists the commands sent after notifications start,
	// BootstrapDelay after subscribing
	Bootstrap      []string
	BootstrapDelay time.Duration

	// InternalKeys are split out of decoded records before delivery
	InternalKeys []string

	Commands  []CommandSpec
	Responses []ResponseDefinition
}

// CommandSpec is an outbound command
type CommandSpec struct {
	Name   string
	Opcode []byte
	// Timeout bounds the transport write. Zero means no timeout.
	Timeout time.Duration
	// Wait is slept after a successful write before the next command
	Wait time.Duration
	// Response names the response this command triggers, if any
	Response string
}

// Item is one packed field: its byte length, destination key and rule
type Item struct {
	Length int
	Key    string
	Rule   Rule
}

// ResponseDefinition is the packed layout of an inbound frame
type ResponseDefinition struct {
	Name      string
	Signature []byte
	Length    int
	Items     []Item
}

// FieldSpec is an expanded field with its computed offset
type FieldSpec struct {
	Index  int
	Offset int
	Length int
	Key    string
	Rule   Rule
}

// End returns the offset one past the field's last byte
func (f FieldSpec) End() int {
	return f.Offset + f.Length
}

// ResponseSpec is an expanded inbound frame layout
type ResponseSpec struct {
	Name      string
	Signature []byte
	Length    int
	Fields    []FieldSpec
}

// Schema is an immutable, indexed protocol description
type Schema struct {
	Name string

	ServiceUUID        uint16
	CharacteristicUUID uint16

	SegmentHeader []byte
	CommandHeader []byte
	CommandLength int

	ConnectPreviousTimeout time.Duration
	InactivityTimeout      time.Duration

	Bootstrap      []string
	BootstrapDelay time.Duration

	commands  []CommandSpec
	responses []*ResponseSpec

	commandIndex   map[string]int
	responseIndex  map[string]int
	signatureIndex map[string]int
	internal       map[string]bool
}

func schemaError(response string, details map[string]interface{}, format string, args ...interface{}) *Error {
	if details == nil {
		details = map[string]interface{}{}
	}
	if response != "" {
		details["response"] = response
	}
	return &Error{Kind: KindSchema, Message: fmt.Sprintf(format, args...), Details: details}
}

// Load expands def into a Schema. Field offsets are the running sum of the
// previous field lengths within each response. Any inconsistency is
// returned as a schema error and no Schema is produced.
func Load(def Definition, logger *zap.Logger) (*Schema, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("schema").With(zap.String("protocol", def.Name))

	if def.Name == "" {
		return nil, schemaError("", nil, "protocol name is empty")
	}
	if len(def.SegmentHeader) == 0 {
		return nil, schemaError("", nil, "segment header is empty")
	}
	if def.CommandLength <= len(def.CommandHeader) {
		return nil, schemaError("", nil, "command length %d leaves no room after the %d byte command header",
			def.CommandLength, len(def.CommandHeader))
	}

	s := &Schema{
		Name:                   def.Name,
		ServiceUUID:            def.ServiceUUID,
		CharacteristicUUID:     def.CharacteristicUUID,
		SegmentHeader:          clone(def.SegmentHeader),
		CommandHeader:          clone(def.CommandHeader),
		CommandLength:          def.CommandLength,
		ConnectPreviousTimeout: def.ConnectPreviousTimeout,
		InactivityTimeout:      def.InactivityTimeout,
		Bootstrap:              append([]string(nil), def.Bootstrap...),
		BootstrapDelay:         def.BootstrapDelay,
		commandIndex:           make(map[string]int),
		responseIndex:          make(map[string]int),
		signatureIndex:         make(map[string]int),
		internal:               make(map[string]bool),
	}

	for _, k := range def.InternalKeys {
		s.internal[k] = true
	}

	for _, rd := range def.Responses {
		spec, err := expandResponse(rd, len(def.SegmentHeader))
		if err != nil {
			return nil, err
		}
		if _, dup := s.responseIndex[spec.Name]; dup {
			return nil, schemaError(spec.Name, nil, "duplicate response %s", spec.Name)
		}
		s.responseIndex[spec.Name] = len(s.responses)

		sig := string(spec.Signature)
		if first, dup := s.signatureIndex[sig]; dup {
			log.Warn("Duplicate response signature, first declared wins",
				zap.String("signature", BytesToHex(spec.Signature)),
				zap.String("response", spec.Name),
				zap.String("first", s.responses[first].Name))
		} else {
			s.signatureIndex[sig] = len(s.responses)
		}
		s.responses = append(s.responses, spec)
	}

	for _, cmd := range def.Commands {
		if cmd.Name == "" {
			return nil, schemaError("", nil, "command without a name")
		}
		if _, dup := s.commandIndex[cmd.Name]; dup {
			return nil, schemaError("", map[string]interface{}{"command": cmd.Name}, "duplicate command %s", cmd.Name)
		}
		if len(cmd.Opcode) == 0 {
			return nil, schemaError("", map[string]interface{}{"command": cmd.Name}, "command %s has no opcode", cmd.Name)
		}
		if len(def.CommandHeader)+len(cmd.Opcode) >= def.CommandLength {
			return nil, schemaError("", map[string]interface{}{"command": cmd.Name},
				"command %s opcode does not fit in %d bytes", cmd.Name, def.CommandLength)
		}
		if cmd.Response != "" {
			if _, ok := s.responseIndex[cmd.Response]; !ok {
				return nil, schemaError(cmd.Response, map[string]interface{}{"command": cmd.Name},
					"command %s refers to unknown response %s", cmd.Name, cmd.Response)
			}
		}
		c := cmd
		c.Opcode = clone(cmd.Opcode)
		s.commandIndex[c.Name] = len(s.commands)
		s.commands = append(s.commands, c)
	}

	for _, name := range s.Bootstrap {
		if _, ok := s.commandIndex[name]; !ok {
			return nil, schemaError("", map[string]interface{}{"command": name}, "bootstrap command %s is not declared", name)
		}
	}

	log.Info("Protocol loaded",
		zap.Int("commands", len(s.commands)),
		zap.Int("responses", len(s.responses)))

	return s, nil
}

// MustLoad is like Load but panics on error. Use it for built-in protocols.
func MustLoad(def Definition, logger *zap.Logger) *Schema {
	s, err := Load(def, logger)
	if err != nil {
		panic(err)
	}
	return s
}

func expandResponse(rd ResponseDefinition, headerLen int) (*ResponseSpec, error) {
	if rd.Name == "" {
		return nil, schemaError("", nil, "response without a name")
	}
	if len(rd.Signature) == 0 {
		return nil, schemaError(rd.Name, nil, "response %s has no signature", rd.Name)
	}
	if rd.Length < headerLen+len(rd.Signature)+1 {
		return nil, schemaError(rd.Name, nil, "response %s length %d cannot hold header, signature and checksum", rd.Name, rd.Length)
	}

	spec := &ResponseSpec{
		Name:      rd.Name,
		Signature: clone(rd.Signature),
		Length:    rd.Length,
		Fields:    make([]FieldSpec, 0, len(rd.Items)),
	}

	offset := 0
	for i, item := range rd.Items {
		if item.Length <= 0 {
			return nil, schemaError(rd.Name, map[string]interface{}{"index": i},
				"response %s item %d has length %d", rd.Name, i, item.Length)
		}
		if item.Key == "" {
			return nil, schemaError(rd.Name, map[string]interface{}{"index": i},
				"response %s item %d has no key", rd.Name, i)
		}
		rule, err := normalizeRule(item.Rule, item.Length)
		if err != nil {
			return nil, schemaError(rd.Name, map[string]interface{}{"index": i, "key": item.Key},
				"response %s item %d (%s): %v", rd.Name, i, item.Key, err)
		}
		spec.Fields = append(spec.Fields, FieldSpec{
			Index:  i,
			Offset: offset,
			Length: item.Length,
			Key:    item.Key,
			Rule:   rule,
		})
		offset += item.Length
	}

	if offset != rd.Length {
		delta := rd.Length - offset
		return nil, schemaError(rd.Name, map[string]interface{}{"declared": rd.Length, "sum": offset, "delta": delta},
			"response %s fields sum to %d bytes but length is %d (delta %d)", rd.Name, offset, rd.Length, delta)
	}

	return spec, nil
}

func normalizeRule(r Rule, length int) (Rule, error) {
	switch rule := r.(type) {
	case nil:
		return nil, fmt.Errorf("missing rule")
	case Numeric:
		size := rule.Type.Size()
		if size == 0 {
			return nil, fmt.Errorf("unknown number type %d", int(rule.Type))
		}
		if size != length {
			return nil, fmt.Errorf("%s needs %d bytes, field has %d", rule.Type, size, length)
		}
		if rule.Multiplier == 0 {
			rule.Multiplier = 1
		}
		if rule.Precision == 0 {
			rule.Precision = DefaultPrecision
		}
		return rule, nil
	case Text:
		if rule.Encoding < ASCII || rule.Encoding > Hex {
			return nil, fmt.Errorf("unknown text encoding %d", int(rule.Encoding))
		}
		return rule, nil
	case Boolean, Raw:
		return rule, nil
	default:
		return nil, fmt.Errorf("unsupported rule %T", r)
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Validate re-checks the expanded layouts. Schemas built by Load always pass.
func (s *Schema) Validate() error {
	if s == nil {
		return schemaError("", nil, "schema is nil")
	}
	for _, r := range s.responses {
		offset := 0
		for _, f := range r.Fields {
			if f.Offset != offset {
				return schemaError(r.Name, map[string]interface{}{"key": f.Key},
					"response %s field %s at offset %d, expected %d", r.Name, f.Key, f.Offset, offset)
			}
			offset += f.Length
		}
		if offset != r.Length {
			return schemaError(r.Name, map[string]interface{}{"delta": r.Length - offset},
				"response %s fields sum to %d bytes but length is %d (delta %d)", r.Name, offset, r.Length, r.Length-offset)
		}
	}
	return nil
}

// Command looks up a command by exact name
func (s *Schema) Command(name string) (CommandSpec, bool) {
	i, ok := s.commandIndex[name]
	if !ok {
		return CommandSpec{}, false
	}
	return s.commands[i], true
}

// Response looks up a response by exact name
func (s *Schema) Response(name string) (*ResponseSpec, bool) {
	i, ok := s.responseIndex[name]
	if !ok {
		return nil, false
	}
	return s.responses[i], true
}

// ResponseBySignature looks up a response by its signature bytes
func (s *Schema) ResponseBySignature(sig []byte) (*ResponseSpec, bool) {
	i, ok := s.signatureIndex[string(sig)]
	if !ok {
		return nil, false
	}
	return s.responses[i], true
}

// MatchFrame identifies the response of a buffer that starts with the
// segment header by comparing the bytes after the header against each
// signature in declaration order. ready is false when the buffer is too
// short to hold the longest candidate signature.
func (s *Schema) MatchFrame(buf []byte) (spec *ResponseSpec, ready bool) {
	hl := len(s.SegmentHeader)
	ready = true
	for _, r := range s.responses {
		end := hl + len(r.Signature)
		if len(buf) < end {
			ready = false
			continue
		}
		if string(buf[hl:end]) == string(r.Signature) {
			return r, true
		}
	}
	return nil, ready
}

// Commands returns the declared commands in order
func (s *Schema) Commands() []CommandSpec {
	return append([]CommandSpec(nil), s.commands...)
}

// Responses returns the declared responses in order
func (s *Schema) Responses() []*ResponseSpec {
	return append([]*ResponseSpec(nil), s.responses...)
}

// IsInternalKey reports whether key is bookkeeping rather than device data
func (s *Schema) IsInternalKey(key string) bool {
	return s.internal[key]
}
