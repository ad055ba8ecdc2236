// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/bms"
	"github.com/Thermoquad/bmsmon/pkg/jkbms"
	"github.com/Thermoquad/bmsmon/pkg/session"
	"go.uber.org/zap"
)

// Simulator defaults
const (
	DefaultSimulatorID       = "C8:47:80:00:00:01"
	DefaultFragmentSize      = 128
	DefaultSimulatorInterval = 500 * time.Millisecond
)

// SimulatorOptions configures a Simulator
type SimulatorOptions struct {
	Logger *zap.Logger
	Pack   jkbms.Pack
	// DeviceID is the advertised address. Empty means DefaultSimulatorID.
	DeviceID string
	// FragmentSize splits frames the way a small ATT MTU does
	FragmentSize int
	// Interval between LIVE_DATA frames once streaming
	Interval time.Duration
	// ScanDelay is how long Scan takes to "find" the pack
	ScanDelay time.Duration
	// OutOfRange makes the pack invisible to scans and proximity checks
	OutOfRange bool
}

// Simulator is an in-process JK-BMS. It answers GET_SETTINGS and
// GET_DEVICE_INFO, applies the toggle commands to its pack, and streams
// LIVE_DATA after the first GET_SETTINGS.
type Simulator struct {
	schema  *bms.Schema
	logger  *zap.Logger
	id      string
	mtu     int
	period  time.Duration
	delay   time.Duration
	started time.Time

	mu         sync.Mutex
	pack       jkbms.Pack
	outOfRange bool
	conn       *simConn
}

var _ session.Transport = (*Simulator)(nil)

// NewSimulator creates a simulator speaking schema, which must define the
// JK-BMS-02 responses
func NewSimulator(schema *bms.Schema, opts SimulatorOptions) *Simulator {
	s := &Simulator{
		schema:     schema,
		logger:     opts.Logger,
		id:         opts.DeviceID,
		mtu:        opts.FragmentSize,
		period:     opts.Interval,
		delay:      opts.ScanDelay,
		started:    time.Now(),
		pack:       opts.Pack,
		outOfRange: opts.OutOfRange,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.id == "" {
		s.id = DefaultSimulatorID
	}
	if s.mtu <= 0 {
		s.mtu = DefaultFragmentSize
	}
	if s.period <= 0 {
		s.period = DefaultSimulatorInterval
	}
	if s.pack.Cells == 0 && s.pack.Name == "" {
		s.pack = jkbms.DefaultPack()
	}
	return s
}

// Pack returns the simulated pack's current state
func (s *Simulator) Pack() jkbms.Pack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pack
}

// SetInRange moves the pack in or out of radio range
func (s *Simulator) SetInRange(in bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outOfRange = !in
}

// Drop simulates link loss on the open connection
func (s *Simulator) Drop() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.close()
		conn.lost()
	}
}

func (s *Simulator) peripheral() session.Peripheral {
	return session.Peripheral{ID: s.id, Name: s.pack.Name}
}

func (s *Simulator) visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.outOfRange
}

// Scan reports the pack after ScanDelay when it is in range and its name
// matches the filter. Otherwise it waits for ctx.
func (s *Simulator) Scan(ctx context.Context, filter session.ScanFilter) (session.Peripheral, error) {
	s.mu.Lock()
	p := s.peripheral()
	s.mu.Unlock()

	match := s.visible() && strings.HasPrefix(p.Name, filter.NamePrefix) &&
		(filter.ServiceUUID == 0 || filter.ServiceUUID == s.schema.ServiceUUID)
	if !match {
		<-ctx.Done()
		return session.Peripheral{}, fmt.Errorf("scan: %w", ctx.Err())
	}

	select {
	case <-time.After(s.delay):
		return p, nil
	case <-ctx.Done():
		return session.Peripheral{}, fmt.Errorf("scan: %w", ctx.Err())
	}
}

// AuthorizedDevices always returns the simulated pack
func (s *Simulator) AuthorizedDevices(ctx context.Context) ([]session.Peripheral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []session.Peripheral{s.peripheral()}, nil
}

// WatchProximity reports the pack's range state without waiting
func (s *Simulator) WatchProximity(ctx context.Context, p session.Peripheral, timeout time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return strings.EqualFold(p.ID, s.id) && s.visible(), nil
}

// Connect opens a simulated link
func (s *Simulator) Connect(ctx context.Context, p session.Peripheral) (session.Connection, error) {
	if !strings.EqualFold(p.ID, s.id) {
		return nil, fmt.Errorf("connect %s: unknown device", p.ID)
	}
	if !s.visible() {
		return nil, fmt.Errorf("connect %s: device out of range", p.ID)
	}
	for _, name := range []string{jkbms.ResponseLiveData, jkbms.ResponseSettings, jkbms.ResponseDeviceInfo} {
		if _, ok := s.schema.Response(name); !ok {
			return nil, fmt.Errorf("connect %s: schema %q has no %s response", p.ID, s.schema.Name, name)
		}
	}

	conn := &simConn{
		sim:   s,
		queue: make(chan []byte, 8),
		stop:  make(chan struct{}),
	}
	conn.char = &simChar{conn: conn}

	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("connect %s: already connected", p.ID)
	}
	s.conn = conn
	s.mu.Unlock()

	go conn.run()
	return conn, nil
}

type simConn struct {
	sim  *Simulator
	char *simChar

	queue chan []byte
	stop  chan struct{}
	once  sync.Once

	mu         sync.Mutex
	onLost     func()
	subscribed bool
	streaming  bool
	frame      byte
}

func (c *simConn) Characteristic(ctx context.Context, service, characteristic uint16) (session.Characteristic, error) {
	if service != c.sim.schema.ServiceUUID || characteristic != c.sim.schema.CharacteristicUUID {
		return nil, fmt.Errorf("characteristic 0x%04x/0x%04x not found", service, characteristic)
	}
	return c.char, nil
}

func (c *simConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = fn
}

func (c *simConn) lost() {
	c.mu.Lock()
	fn := c.onLost
	c.mu.Unlock()
	if fn != nil {
		go fn()
	}
}

func (c *simConn) close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *simConn) Disconnect() error {
	c.close()
	c.sim.mu.Lock()
	if c.sim.conn == c {
		c.sim.conn = nil
	}
	c.sim.mu.Unlock()
	return nil
}

// run is the only goroutine that calls the notification handler
func (c *simConn) run() {
	ticker := time.NewTicker(c.sim.period)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.queue:
			c.emit(frame)
		case <-ticker.C:
			c.mu.Lock()
			streaming := c.streaming
			c.mu.Unlock()
			if !streaming {
				continue
			}
			pack := c.sim.Pack()
			frame, err := c.encode(jkbms.ResponseLiveData, pack.SampleLiveData(time.Since(c.sim.started)))
			if err != nil {
				c.sim.logger.Error("simulated LIVE_DATA encode failed", zap.Error(err))
				continue
			}
			c.emit(frame)
		case <-c.stop:
			return
		}
	}
}

func (c *simConn) encode(name string, rec bms.Record) ([]byte, error) {
	spec, _ := c.sim.schema.Response(name)

	c.mu.Lock()
	c.frame++
	n := c.frame
	c.mu.Unlock()

	return c.sim.schema.EncodeResponse(spec, rec, n)
}

func (c *simConn) emit(frame []byte) {
	c.mu.Lock()
	subscribed := c.subscribed
	c.mu.Unlock()
	if !subscribed {
		return
	}

	for off := 0; off < len(frame); off += c.sim.mtu {
		end := off + c.sim.mtu
		if end > len(frame) {
			end = len(frame)
		}
		fragment := append([]byte(nil), frame[off:end]...)
		c.char.notify(fragment)
	}
}

func (c *simConn) enqueue(frame []byte) {
	select {
	case c.queue <- frame:
	case <-c.stop:
	}
}

// handleCommand applies one command frame to the pack
func (c *simConn) handleCommand(data []byte) error {
	cmd, payload, err := c.sim.schema.MatchCommand(data)
	if err != nil {
		return err
	}
	c.sim.logger.Debug("simulator command", zap.String("command", cmd.Name), zap.String("payload", bms.BytesToHex(payload)))

	switch cmd.Name {
	case bms.CommandGetSettings:
		frame, err := c.encode(jkbms.ResponseSettings, c.sim.Pack().SampleSettings())
		if err != nil {
			return err
		}
		c.enqueue(frame)
		c.mu.Lock()
		c.streaming = true
		c.mu.Unlock()

	case bms.CommandGetDeviceInfo:
		frame, err := c.encode(jkbms.ResponseDeviceInfo, c.sim.Pack().SampleDeviceInfo())
		if err != nil {
			return err
		}
		c.enqueue(frame)

	case bms.CommandToggleCharging, bms.CommandToggleDischarging:
		on := len(payload) > 0 && payload[0] == 0x01
		c.sim.mu.Lock()
		if cmd.Name == bms.CommandToggleCharging {
			c.sim.pack.Charging = on
		} else {
			c.sim.pack.Discharging = on
		}
		c.sim.mu.Unlock()

	default:
		return fmt.Errorf("simulator does not implement %s", cmd.Name)
	}
	return nil
}

type simChar struct {
	conn *simConn

	mu      sync.Mutex
	handler func([]byte)
}

func (ch *simChar) OnNotification(fn func([]byte)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.handler = fn
}

func (ch *simChar) notify(data []byte) {
	ch.mu.Lock()
	fn := ch.handler
	ch.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (ch *simChar) setSubscribed(on bool) {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	ch.conn.subscribed = on
}

func (ch *simChar) closed() bool {
	select {
	case <-ch.conn.stop:
		return true
	default:
		return false
	}
}

func (ch *simChar) StartNotifications(ctx context.Context) error {
	if ch.closed() {
		return fmt.Errorf("start notifications: %w", ErrLinkClosed)
	}
	ch.setSubscribed(true)
	return nil
}

func (ch *simChar) StopNotifications(ctx context.Context) error {
	ch.setSubscribed(false)
	return nil
}

func (ch *simChar) WriteWithAck(ctx context.Context, data []byte) error {
	if ch.closed() {
		return fmt.Errorf("write: %w", ErrLinkClosed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ch.conn.handleCommand(data)
}

func (ch *simChar) WriteWithoutAck(ctx context.Context, data []byte) error {
	if ch.closed() {
		return fmt.Errorf("write: %w", ErrLinkClosed)
	}
	if err := ch.conn.handleCommand(data); err != nil {
		ch.conn.sim.logger.Debug("simulator ignored write", zap.Error(err))
	}
	return nil
}
