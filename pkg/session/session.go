// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package session manages the connection lifecycle of a BLE battery monitor.
//
// A Session discovers or reconnects to a device, subscribes to its
// notify characteristic, sends the protocol's bootstrap commands and then
// reassembles, validates and decodes every notification frame, handing
// records to the caller through Callbacks. All state transitions are
// guarded by one mutex. Callbacks run outside of it and must not block for
// long: fragments are processed one at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/bms"
	"go.uber.org/zap"
)

// Status is the connection state reported through OnStatusChange
type Status int

const (
	StatusDisconnected Status = iota
	StatusScanning
	StatusConnecting
	StatusConnected
	// StatusPaused is reserved. No transition currently enters it.
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusScanning:
		return "scanning"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusPaused:
		return "paused"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// DisconnectReason tells callers why a session ended
type DisconnectReason string

const (
	ReasonInactivity DisconnectReason = "inactivity"
	ReasonError      DisconnectReason = "error"
	ReasonReset      DisconnectReason = "reset"
	ReasonExternal   DisconnectReason = "external"
	ReasonUser       DisconnectReason = "user"
)

// DefaultTeardownGrace is the pause after stopping notifications and after
// closing the link, giving the adapter time to settle
const DefaultTeardownGrace = 100 * time.Millisecond

// teardownTimeout bounds StopNotifications during disconnect
const teardownTimeout = 2 * time.Second

var (
	// ErrNotConnected is returned by commands sent without a live connection
	ErrNotConnected = errors.New("session is not connected")
	// ErrBusy is returned by Connect unless the session is disconnected
	ErrBusy = errors.New("session is busy")
	// ErrPreviousUnavailable is returned when a reconnect target is not authorized or not in range
	ErrPreviousUnavailable = errors.New("previous device is unavailable")
	// ErrAborted is returned by Connect when Disconnect interrupted it
	ErrAborted = errors.New("connect aborted")
)

// Identity names the connected device
type Identity struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ConnectOptions selects between reconnecting and interactive discovery
type ConnectOptions struct {
	// Previous, when set, reconnects to that device only. Discovery is never
	// used as a fallback.
	Previous *Identity
}

// Data is one decoded frame as delivered to OnDataReceived
type Data struct {
	Response  string
	Timestamp time.Time
	// TimeSinceLastOne is the gap to the previous frame of the same response
	TimeSinceLastOne time.Duration
	HasPrevious      bool
	// Values holds the device readings. Internal holds framing and secrets.
	Values   bms.Record
	Internal bms.Record
	Frame    []byte
}

// Callbacks are the session's outputs. Any of them may be nil.
type Callbacks struct {
	OnStatusChange        func(Status)
	OnConnected           func(Identity)
	OnDisconnected        func(DisconnectReason)
	OnDataReceived        func(response string, data Data)
	OnError               func(error)
	OnRequestDeviceError  func(error)
	OnPreviousUnavailable func(*Peripheral)
}

// Options configure a Session
type Options struct {
	Logger    *zap.Logger
	Callbacks Callbacks
	// InactivityTimeout overrides the protocol's value when positive
	InactivityTimeout time.Duration
	// TeardownGrace of zero selects DefaultTeardownGrace. Negative disables it.
	TeardownGrace time.Duration
	// Statistics collects framing counters. One is created when nil.
	Statistics *bms.Statistics
}

// Session is a single device connection. It is safe for concurrent use.
type Session struct {
	schema     *bms.Schema
	transport  Transport
	logger     *zap.Logger
	cb         Callbacks
	stats      *bms.Statistics
	inactivity time.Duration
	grace      time.Duration

	// cmdMu allows a single outstanding command
	cmdMu sync.Mutex

	mu            sync.Mutex
	status        Status
	tearingDown   bool
	identity      *Identity
	conn          Connection
	char          Characteristic
	framer        *bms.Framer
	cache         map[string]Data
	attempt       uint64
	cancelConnect context.CancelFunc
	// connGen invalidates listeners registered on earlier connections
	connGen uint64
	// timerGen invalidates watchdog timers that were replaced or stopped
	timerGen uint64
	watchdog *time.Timer
}

// New creates a disconnected session for schema over transport
func New(schema *bms.Schema, transport Transport, opts Options) (*Session, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	decoder, err := bms.NewDecoder(schema, logger)
	if err != nil {
		return nil, err
	}

	inactivity := schema.InactivityTimeout
	if opts.InactivityTimeout > 0 {
		inactivity = opts.InactivityTimeout
	}
	grace := opts.TeardownGrace
	if grace == 0 {
		grace = DefaultTeardownGrace
	}
	stats := opts.Statistics
	if stats == nil {
		stats = bms.NewStatistics()
	}

	return &Session{
		schema:     schema,
		transport:  transport,
		logger:     logger.Named("session").With(zap.String("protocol", schema.Name)),
		cb:         opts.Callbacks,
		stats:      stats,
		inactivity: inactivity,
		grace:      grace,
		framer:     bms.NewFramer(decoder, logger),
		cache:      make(map[string]Data),
	}, nil
}

// Schema returns the protocol the session speaks
func (s *Session) Schema() *bms.Schema {
	return s.schema
}

// Statistics returns the framing counters
func (s *Session) Statistics() *bms.Statistics {
	return s.stats
}

// Status returns the current connection state
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Identity returns the connected device, or nil
func (s *Session) Identity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

// Latest returns the last frame received for response on this connection
func (s *Session) Latest(response string) (Data, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.cache[response]
	return d, ok
}

// advance moves to st unless Disconnect aborted the attempt
func (s *Session) advance(attempt uint64, st Status) bool {
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return false
	}
	prev := s.status
	s.status = st
	s.mu.Unlock()
	s.notifyStatus(prev, st)
	return true
}

func (s *Session) notifyStatus(prev, st Status) {
	if prev == st {
		return
	}
	s.logger.Info("Status changed", zap.Stringer("from", prev), zap.Stringer("to", st))
	if s.cb.OnStatusChange != nil {
		s.cb.OnStatusChange(st)
	}
}

func (s *Session) reportError(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
