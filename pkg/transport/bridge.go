// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/session"
	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds a gateway request when the caller's
// context has no deadline
const DefaultRequestTimeout = 10 * time.Second

// BridgeOptions configures a Bridge
type BridgeOptions struct {
	Logger *zap.Logger
	// Authorized lists devices the user already granted. Devices connected
	// through this bridge are added as they connect.
	Authorized []session.Peripheral
	// Device restricts Scan to one address. Empty accepts the first match.
	Device string
	// RequestTimeout bounds requests whose context has no deadline
	RequestTimeout time.Duration
}

// Bridge implements session.Transport on top of a gateway Link
type Bridge struct {
	link    Link
	logger  *zap.Logger
	device  string
	timeout time.Duration

	writeMu sync.Mutex

	mu         sync.Mutex
	seq        uint32
	pending    map[uint32]chan Message
	watchers   map[int]chan Message
	nextWatch  int
	authorized []session.Peripheral
	conn       *bridgeConn
	closed     bool
	err        error

	notes chan notification
	done  chan struct{}
}

type notification struct {
	char *bridgeChar
	data []byte
}

var _ session.Transport = (*Bridge)(nil)

// NewBridge starts reading from link. Close stops the reader and closes link.
func NewBridge(link Link, opts BridgeOptions) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	b := &Bridge{
		link:       link,
		logger:     logger,
		device:     strings.ToUpper(opts.Device),
		timeout:    timeout,
		pending:    make(map[uint32]chan Message),
		watchers:   make(map[int]chan Message),
		authorized: append([]session.Peripheral(nil), opts.Authorized...),
		notes:      make(chan notification, 256),
		done:       make(chan struct{}),
	}
	go b.readLoop()
	go b.notifyLoop()
	return b
}

// Close shuts the link down
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.link.Close()
	<-b.done
	return err
}

// Done is closed when the reader exits
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err returns the error that stopped the reader, if any
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Bridge) readLoop() {
	defer close(b.done)

	decoder := NewDecoder()
	buf := make([]byte, 512)
	for {
		n, err := b.link.Read(buf)
		for i := 0; i < n; i++ {
			msg, derr := decoder.DecodeByte(buf[i])
			if derr != nil {
				b.logger.Warn("bridge frame dropped", zap.Error(derr))
				continue
			}
			if msg != nil {
				b.dispatch(*msg)
			}
		}
		if err != nil {
			b.shutdown(err)
			return
		}
	}
}

// notifyLoop delivers notifications in order on one goroutine so handlers
// may issue requests without stalling the reader
func (b *Bridge) notifyLoop() {
	for {
		select {
		case n := <-b.notes:
			n.char.notify(n.data)
		case <-b.done:
			return
		}
	}
}

func (b *Bridge) dispatch(msg Message) {
	b.logger.Debug("bridge message",
		zap.Stringer("type", msg.Type),
		zap.Uint32("seq", msg.Seq),
		zap.String("device", msg.Device),
		zap.Int("len", len(msg.Data)))

	switch msg.Type {
	case MsgAck:
		b.mu.Lock()
		ch, ok := b.pending[msg.Seq]
		delete(b.pending, msg.Seq)
		b.mu.Unlock()
		if ok {
			ch <- msg
		} else {
			b.logger.Debug("unsolicited ack", zap.Uint32("seq", msg.Seq))
		}

	case MsgAdvertisement:
		b.mu.Lock()
		for _, ch := range b.watchers {
			select {
			case ch <- msg:
			default:
			}
		}
		b.mu.Unlock()

	case MsgNotification:
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return
		}
		select {
		case b.notes <- notification{char: conn.char, data: msg.Data}:
		default:
			b.logger.Warn("notification queue full, fragment dropped", zap.Int("len", len(msg.Data)))
		}

	case MsgDisconnected:
		b.mu.Lock()
		conn := b.conn
		if conn != nil && (msg.Device == "" || strings.EqualFold(msg.Device, conn.peripheral.ID)) {
			b.conn = nil
		} else {
			conn = nil
		}
		b.mu.Unlock()
		if conn != nil {
			conn.lost()
		}

	default:
		b.logger.Debug("ignored bridge message", zap.Stringer("type", msg.Type))
	}
}

func (b *Bridge) shutdown(err error) {
	b.mu.Lock()
	if !b.closed {
		b.err = err
		b.logger.Warn("gateway link lost", zap.Error(err))
	}
	b.closed = true
	pending := b.pending
	b.pending = make(map[uint32]chan Message)
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- Message{Type: MsgAck, Status: 0xFF, Error: ErrLinkClosed.Error()}
	}
	if conn != nil {
		conn.lost()
	}
}

func (b *Bridge) write(msg Message) error {
	frame, err := EncodeFrame(msg)
	if err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_, err = b.link.Write(frame)
	return err
}

// send writes msg without waiting for an acknowledgement
func (b *Bridge) send(msg Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrLinkClosed
	}
	b.seq++
	msg.Seq = b.seq
	b.mu.Unlock()

	return b.write(msg)
}

// request writes msg and waits for the matching MsgAck
func (b *Bridge) request(ctx context.Context, msg Message) (Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	ch := make(chan Message, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Message{}, ErrLinkClosed
	}
	b.seq++
	msg.Seq = b.seq
	b.pending[msg.Seq] = ch
	b.mu.Unlock()

	forget := func() {
		b.mu.Lock()
		delete(b.pending, msg.Seq)
		b.mu.Unlock()
	}

	if err := b.write(msg); err != nil {
		forget()
		return Message{}, fmt.Errorf("write %s: %w", msg.Type, err)
	}

	select {
	case ack := <-ch:
		if ack.Status != 0 {
			return ack, fmt.Errorf("%s rejected (status %d): %s", msg.Type, ack.Status, ack.Error)
		}
		return ack, nil
	case <-ctx.Done():
		forget()
		return Message{}, ctx.Err()
	}
}

func (b *Bridge) watch() (int, chan Message) {
	ch := make(chan Message, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextWatch++
	b.watchers[b.nextWatch] = ch
	return b.nextWatch, ch
}

func (b *Bridge) unwatch(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.watchers, id)
}

// scanUntil runs a gateway scan until match accepts an advertisement or
// ctx ends
func (b *Bridge) scanUntil(ctx context.Context, service uint16, match func(Message) bool) (Message, error) {
	id, ch := b.watch()
	defer b.unwatch(id)

	if _, err := b.request(ctx, Message{Type: MsgScan, Service: service}); err != nil {
		return Message{}, err
	}
	defer func() {
		if err := b.send(Message{Type: MsgStopScan}); err != nil {
			b.logger.Debug("stop scan failed", zap.Error(err))
		}
	}()

	for {
		select {
		case adv := <-ch:
			if match(adv) {
				return adv, nil
			}
		case <-b.done:
			return Message{}, ErrLinkClosed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Scan returns the first advertising device offering filter.ServiceUUID
// whose name starts with filter.NamePrefix
func (b *Bridge) Scan(ctx context.Context, filter session.ScanFilter) (session.Peripheral, error) {
	adv, err := b.scanUntil(ctx, filter.ServiceUUID, func(m Message) bool {
		if b.device != "" && !strings.EqualFold(m.Device, b.device) {
			return false
		}
		return strings.HasPrefix(m.Name, filter.NamePrefix)
	})
	if err != nil {
		return session.Peripheral{}, fmt.Errorf("scan: %w", err)
	}

	b.logger.Info("device found",
		zap.String("id", adv.Device),
		zap.String("name", adv.Name),
		zap.Int8("rssi", adv.RSSI))
	return session.Peripheral{ID: adv.Device, Name: adv.Name}, nil
}

// AuthorizedDevices returns the configured devices plus every device
// connected through this bridge
func (b *Bridge) AuthorizedDevices(ctx context.Context) ([]session.Peripheral, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]session.Peripheral(nil), b.authorized...), nil
}

// WatchProximity scans for p's advertisement for at most timeout. A
// timeout of zero or less is bounded by ctx alone.
func (b *Bridge) WatchProximity(ctx context.Context, p session.Peripheral, timeout time.Duration) (bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	_, err := b.scanUntil(ctx, 0, func(m Message) bool {
		return strings.EqualFold(m.Device, p.ID)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, context.DeadlineExceeded):
		return false, nil
	default:
		return false, err
	}
}

// Connect asks the gateway to open a link to p
func (b *Bridge) Connect(ctx context.Context, p session.Peripheral) (session.Connection, error) {
	if _, err := b.request(ctx, Message{Type: MsgConnect, Device: p.ID}); err != nil {
		return nil, fmt.Errorf("connect %s: %w", p.ID, err)
	}

	conn := &bridgeConn{bridge: b, peripheral: p}
	conn.char = &bridgeChar{conn: conn}

	b.mu.Lock()
	b.conn = conn
	known := false
	for _, a := range b.authorized {
		if strings.EqualFold(a.ID, p.ID) {
			known = true
			break
		}
	}
	if !known {
		b.authorized = append(b.authorized, p)
	}
	b.mu.Unlock()

	return conn, nil
}

type bridgeConn struct {
	bridge     *Bridge
	peripheral session.Peripheral
	char       *bridgeChar

	mu       sync.Mutex
	onLost   func()
	finished bool
}

func (c *bridgeConn) Characteristic(ctx context.Context, service, characteristic uint16) (session.Characteristic, error) {
	_, err := c.bridge.request(ctx, Message{
		Type:           MsgDiscover,
		Device:         c.peripheral.ID,
		Service:        service,
		Characteristic: characteristic,
	})
	if err != nil {
		return nil, fmt.Errorf("characteristic 0x%04x/0x%04x: %w", service, characteristic, err)
	}

	c.char.mu.Lock()
	c.char.service = service
	c.char.characteristic = characteristic
	c.char.mu.Unlock()
	return c.char, nil
}

func (c *bridgeConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = fn
}

// lost fires the disconnect listener once, off the reader goroutine
func (c *bridgeConn) lost() {
	c.mu.Lock()
	fn := c.onLost
	already := c.finished
	c.finished = true
	c.mu.Unlock()

	if fn != nil && !already {
		go fn()
	}
}

func (c *bridgeConn) Disconnect() error {
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()

	b := c.bridge
	b.mu.Lock()
	if b.conn == c {
		b.conn = nil
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := b.request(ctx, Message{Type: MsgDisconnect, Device: c.peripheral.ID}); err != nil {
		return fmt.Errorf("disconnect %s: %w", c.peripheral.ID, err)
	}
	return nil
}

type bridgeChar struct {
	conn *bridgeConn

	mu             sync.Mutex
	service        uint16
	characteristic uint16
	handler        func([]byte)
}

func (ch *bridgeChar) OnNotification(fn func([]byte)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.handler = fn
}

// notify runs on the bridge notifier goroutine only
func (ch *bridgeChar) notify(data []byte) {
	ch.mu.Lock()
	fn := ch.handler
	ch.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (ch *bridgeChar) message(t MessageType) Message {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return Message{
		Type:           t,
		Device:         ch.conn.peripheral.ID,
		Service:        ch.service,
		Characteristic: ch.characteristic,
	}
}

func (ch *bridgeChar) StartNotifications(ctx context.Context) error {
	_, err := ch.conn.bridge.request(ctx, ch.message(MsgSubscribe))
	return err
}

func (ch *bridgeChar) StopNotifications(ctx context.Context) error {
	_, err := ch.conn.bridge.request(ctx, ch.message(MsgUnsubscribe))
	return err
}

func (ch *bridgeChar) WriteWithAck(ctx context.Context, data []byte) error {
	msg := ch.message(MsgWrite)
	msg.Data = data
	msg.Ack = true
	_, err := ch.conn.bridge.request(ctx, msg)
	return err
}

func (ch *bridgeChar) WriteWithoutAck(ctx context.Context, data []byte) error {
	msg := ch.message(MsgWrite)
	msg.Data = data
	return ch.conn.bridge.send(msg)
}
