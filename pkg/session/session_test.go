// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/bms"
)

// ============================================================
// Test Protocol
// ============================================================

func testSchema(t *testing.T) *bms.Schema {
	t.Helper()
	frame := []bms.Item{
		{Length: 4, Key: "header", Rule: bms.Text{Encoding: bms.Hex}},
		{Length: 1, Key: "responseSignature", Rule: bms.Text{Encoding: bms.Hex}},
		{Length: 1, Key: "frameNumber", Rule: bms.Numeric{Type: bms.Uint8}},
		{Length: 2, Key: "voltage", Rule: bms.Numeric{Type: bms.Uint16, Multiplier: 0.001}},
		{Length: 1, Key: "chargingEnabled", Rule: bms.Boolean{}},
		{Length: 1, Key: "checksum", Rule: bms.Text{Encoding: bms.Hex}},
	}
	s, err := bms.Load(bms.Definition{
		Name:                   "TEST",
		ServiceUUID:            0xffe0,
		CharacteristicUUID:     0xffe1,
		SegmentHeader:          []byte{0x55, 0xaa, 0xeb, 0x90},
		CommandHeader:          []byte{0xaa, 0x55, 0x90, 0xeb},
		CommandLength:          20,
		ConnectPreviousTimeout: 50 * time.Millisecond,
		InactivityTimeout:      time.Hour,
		Bootstrap:              []string{bms.CommandGetSettings},
		InternalKeys:           []string{"header", "responseSignature", "frameNumber", "checksum"},
		Commands: []bms.CommandSpec{
			{Name: bms.CommandGetSettings, Opcode: []byte{0x96}, Timeout: 50 * time.Millisecond, Response: "STATUS"},
			{Name: bms.CommandToggleCharging, Opcode: []byte{0x1d, 0x04}, Timeout: 50 * time.Millisecond},
			{Name: bms.CommandToggleDischarging, Opcode: []byte{0x1e, 0x04}, Timeout: 50 * time.Millisecond},
		},
		Responses: []bms.ResponseDefinition{
			{Name: "STATUS", Signature: []byte{0x01}, Length: 10, Items: frame},
		},
	}, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return s
}

// statusFrame returns a sealed STATUS frame with voltage in millivolts
func statusFrame(counter byte, millivolts uint16, charging bool) []byte {
	frame := []byte{0x55, 0xaa, 0xeb, 0x90, 0x01, counter, byte(millivolts), byte(millivolts >> 8), 0x00, 0x00}
	if charging {
		frame[8] = 0x01
	}
	bms.SealChecksum(frame)
	return frame
}

// ============================================================
// Fake Transport
// ============================================================

type fakeChar struct {
	mu         sync.Mutex
	notify     func([]byte)
	started    int
	stopped    int
	writes     [][]byte
	acked      []bool
	writeErr   error
	block      bool
	writeDelay time.Duration
	inFlight   int
	maxFlight  int
}

func (c *fakeChar) OnNotification(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

func (c *fakeChar) StartNotifications(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
	return nil
}

func (c *fakeChar) StopNotifications(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped++
	return nil
}

func (c *fakeChar) write(ctx context.Context, data []byte, ack bool) error {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.maxFlight {
		c.maxFlight = c.inFlight
	}
	block, delay, err := c.block, c.writeDelay, c.writeErr
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	c.acked = append(c.acked, ack)
	c.mu.Unlock()
	return nil
}

func (c *fakeChar) WriteWithAck(ctx context.Context, data []byte) error {
	return c.write(ctx, data, true)
}

func (c *fakeChar) WriteWithoutAck(ctx context.Context, data []byte) error {
	return c.write(ctx, data, false)
}

// push delivers a fragment the way a transport would
func (c *fakeChar) push(fragment []byte) {
	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	if fn != nil {
		fn(fragment)
	}
}

func (c *fakeChar) snapshotWrites() ([][]byte, []bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...), append([]bool(nil), c.acked...)
}

type fakeConn struct {
	mu            sync.Mutex
	char          *fakeChar
	onDisconnect  func()
	disconnects   int
	disconnectErr error
}

func (c *fakeConn) Characteristic(ctx context.Context, service, characteristic uint16) (Characteristic, error) {
	if service != 0xffe0 || characteristic != 0xffe1 {
		return nil, errors.New("no such characteristic")
	}
	return c.char, nil
}

func (c *fakeConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return c.disconnectErr
}

// drop simulates the device going away
func (c *fakeConn) drop() {
	c.mu.Lock()
	fn := c.onDisconnect
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeConn) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

type fakeTransport struct {
	mu         sync.Mutex
	device     Peripheral
	scanErr    error
	scans      int
	authorized []Peripheral
	inRange    bool
	connectErr error
	conns      []*fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		device:  Peripheral{ID: "C8:47:80:12:34:56", Name: "JK_B2A8S20P"},
		inRange: true,
	}
}

func (f *fakeTransport) Scan(ctx context.Context, filter ScanFilter) (Peripheral, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	if f.scanErr != nil {
		return Peripheral{}, f.scanErr
	}
	return f.device, nil
}

func (f *fakeTransport) AuthorizedDevices(ctx context.Context) ([]Peripheral, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Peripheral(nil), f.authorized...), nil
}

func (f *fakeTransport) WatchProximity(ctx context.Context, p Peripheral, timeout time.Duration) (bool, error) {
	f.mu.Lock()
	inRange := f.inRange
	f.mu.Unlock()
	if inRange {
		return true, nil
	}
	<-ctx.Done()
	return false, ctx.Err()
}

func (f *fakeTransport) Connect(ctx context.Context, p Peripheral) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	conn := &fakeConn{char: &fakeChar{}}
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeTransport) lastConn() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *fakeTransport) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

// ============================================================
// Callback Recorder
// ============================================================

type recorder struct {
	mu           sync.Mutex
	statuses     []Status
	connected    []Identity
	disconnected []DisconnectReason
	data         []Data
	errs         []error
	requestErrs  []error
	unavailable  []*Peripheral
	dataCh       chan Data
	disconnectCh chan DisconnectReason
}

func newRecorder() *recorder {
	return &recorder{
		dataCh:       make(chan Data, 16),
		disconnectCh: make(chan DisconnectReason, 16),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStatusChange: func(s Status) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, s)
		},
		OnConnected: func(id Identity) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected = append(r.connected, id)
		},
		OnDisconnected: func(reason DisconnectReason) {
			r.mu.Lock()
			r.disconnected = append(r.disconnected, reason)
			r.mu.Unlock()
			r.disconnectCh <- reason
		},
		OnDataReceived: func(response string, d Data) {
			r.mu.Lock()
			r.data = append(r.data, d)
			r.mu.Unlock()
			r.dataCh <- d
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnRequestDeviceError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.requestErrs = append(r.requestErrs, err)
		},
		OnPreviousUnavailable: func(p *Peripheral) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.unavailable = append(r.unavailable, p)
		},
	}
}

func (r *recorder) disconnectReasons() []DisconnectReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DisconnectReason(nil), r.disconnected...)
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *recorder) waitData(t *testing.T) Data {
	t.Helper()
	select {
	case d := <-r.dataCh:
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data")
		return Data{}
	}
}

func (r *recorder) waitDisconnect(t *testing.T) DisconnectReason {
	t.Helper()
	select {
	case reason := <-r.disconnectCh:
		return reason
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect")
		return ""
	}
}

func newTestSession(t *testing.T, ft *fakeTransport, rec *recorder, opts Options) *Session {
	t.Helper()
	opts.Callbacks = rec.callbacks()
	if opts.TeardownGrace == 0 {
		opts.TeardownGrace = -1
	}
	s, err := New(testSchema(t), ft, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func mustConnect(t *testing.T, s *Session) *Identity {
	t.Helper()
	id, err := s.Connect(context.Background(), ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return id
}

// ============================================================
// Connect Tests
// ============================================================

func TestConnect_Discovery(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	s := newTestSession(t, ft, rec, Options{})

	id := mustConnect(t, s)
	if id.ID != ft.device.ID || id.Name != ft.device.Name {
		t.Errorf("unexpected identity %+v", id)
	}
	if s.Status() != StatusConnected {
		t.Errorf("expected connected, got %s", s.Status())
	}

	expected := []Status{StatusScanning, StatusConnecting, StatusConnected}
	rec.mu.Lock()
	statuses := append([]Status(nil), rec.statuses...)
	connected := len(rec.connected)
	rec.mu.Unlock()
	if len(statuses) != len(expected) {
		t.Fatalf("expected statuses %v, got %v", expected, statuses)
	}
	for i := range expected {
		if statuses[i] != expected[i] {
			t.Errorf("status %d: expected %s, got %s", i, expected[i], statuses[i])
		}
	}
	if connected != 1 {
		t.Errorf("expected one OnConnected, got %d", connected)
	}

	char := ft.lastConn().char
	if char.started != 1 {
		t.Errorf("expected notifications started once, got %d", char.started)
	}

	writes, acked := char.snapshotWrites()
	want, _ := s.Schema().BuildCommand(bms.CommandGetSettings, nil)
	if len(writes) != 1 || string(writes[0]) != string(want) {
		t.Fatalf("expected bootstrap GET_SETTINGS, got %v", writes)
	}
	if acked[0] {
		t.Error("commands without payload should be written without ack")
	}
}

func TestConnect_Busy(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft, newRecorder(), Options{})
	mustConnect(t, s)

	if _, err := s.Connect(context.Background(), ConnectOptions{}); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestConnect_ScanFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.scanErr = errors.New("user cancelled the chooser")
	rec := newRecorder()
	s := newTestSession(t, ft, rec, Options{})

	_, err := s.Connect(context.Background(), ConnectOptions{})
	if !bms.IsTransportError(err) {
		t.Errorf("expected transport error, got %v", err)
	}
	if s.Status() != StatusDisconnected {
		t.Errorf("expected disconnected, got %s", s.Status())
	}
	if len(rec.requestErrs) != 1 {
		t.Errorf("expected OnRequestDeviceError, got %d calls", len(rec.requestErrs))
	}
}

func TestConnect_ConnectFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = errors.New("gatt error")
	rec := newRecorder()
	s := newTestSession(t, ft, rec, Options{})

	if _, err := s.Connect(context.Background(), ConnectOptions{}); !bms.IsTransportError(err) {
		t.Errorf("expected transport error, got %v", err)
	}
	if s.Status() != StatusDisconnected {
		t.Errorf("expected disconnected, got %s", s.Status())
	}
	if rec.errorCount() != 1 {
		t.Errorf("expected one OnError, got %d", rec.errorCount())
	}
	if reasons := rec.disconnectReasons(); len(reasons) != 1 || reasons[0] != ReasonError {
		t.Errorf("expected disconnect with reason error, got %v", reasons)
	}
}

func TestConnect_BootstrapTimeout(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	s, err := New(testSchema(t), blockingTransport{ft}, Options{TeardownGrace: -1, Callbacks: rec.callbacks()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = s.Connect(context.Background(), ConnectOptions{})
	if !bms.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if s.Status() != StatusDisconnected {
		t.Errorf("expected disconnected, got %s", s.Status())
	}
	if reasons := rec.disconnectReasons(); len(reasons) != 1 || reasons[0] != ReasonError {
		t.Errorf("expected disconnect with reason error, got %v", reasons)
	}
}

// blockingTransport hands out characteristics whose writes never complete
type blockingTransport struct {
	*fakeTransport
}

func (b blockingTransport) Connect(ctx context.Context, p Peripheral) (Connection, error) {
	c, err := b.fakeTransport.Connect(ctx, p)
	if err != nil {
		return nil, err
	}
	c.(*fakeConn).char.block = true
	return c, nil
}

// ============================================================
// Previous Device Tests
// ============================================================

func TestConnectPrevious_NotInRange(t *testing.T) {
	ft := newFakeTransport()
	ft.authorized = []Peripheral{ft.device}
	ft.inRange = false
	rec := newRecorder()
	s := newTestSession(t, ft, rec, Options{})

	start := time.Now()
	id, err := s.Connect(context.Background(), ConnectOptions{Previous: &Identity{ID: ft.device.ID}})
	if !errors.Is(err, ErrPreviousUnavailable) {
		t.Fatalf("expected ErrPreviousUnavailable, got %v", err)
	}
	if id != nil {
		t.Error("no identity expected")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("proximity watch should stop after the timeout, took %s", elapsed)
	}
	if s.Status() != StatusDisconnected {
		t.Errorf("expected disconnected, got %s", s.Status())
	}
	if ft.scanCount() != 0 {
		t.Error("must never fall back to discovery")
	}
	if len(rec.unavailable) != 1 || rec.unavailable[0] == nil || rec.unavailable[0].ID != ft.device.ID {
		t.Errorf("expected OnPreviousUnavailable with the device, got %v", rec.unavailable)
	}
}

func TestConnectPrevious_NotAuthorized(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	s := newTestSession(t, ft, rec, Options{})

	_, err := s.Connect(context.Background(), ConnectOptions{Previous: &Identity{ID: "AA:BB"}})
	if !errors.Is(err, ErrPreviousUnavailable) {
		t.Fatalf("expected ErrPreviousUnavailable, got %v", err)
	}
	if len(rec.unavailable) != 1 || rec.unavailable[0] != nil {
		t.Errorf("expected OnPreviousUnavailable(nil), got %v", rec.unavailable)
	}
	if ft.scanCount() != 0 {
		t.Error("must never fall back to discovery")
	}
}

func TestConnectPrevious_InRange(t *testing.T) {
	ft := newFakeTransport()
	ft.authorized = []Peripheral{{ID: "other"}, ft.device}
	s := newTestSession(t, ft, newRecorder(), Options{})

	id, err := s.Connect(context.Background(), ConnectOptions{Previous: &Identity{ID: ft.device.ID}})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if id.ID != ft.device.ID {
		t.Errorf("expected %s, got %s", ft.device.ID, id.ID)
	}
	if ft.scanCount() != 0 {
		t.Error("reconnect should not scan")
	}
}

// ============================================================
// Notification Tests
// ============================================================

func TestNotification_TwoFragments(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	s := newTestSession(t, ft, rec, Options{})
	mustConnect(t, s)
	char := ft.lastConn().char

	frame := statusFrame(1, 3300, true)
	char.push(frame[:6])
	select {
	case <-rec.dataCh:
		t.Fatal("no data expected before the frame is complete")
	default:
	}
	char.push(frame[6:])

	d := rec.waitData(t)
	if d.Response != "STATUS" {
		t.Errorf("expected STATUS, got %s", d.Response)
	}
	if v, _ := d.Values.Float("voltage"); v != 3.3 {
		t.Errorf("expected 3.3 V, got %v", v)
	}
	if _, ok := d.Values["checksum"]; ok {
		t.Error("checksum should be internal")
	}
	if _, ok := d.Internal["frameNumber"]; !ok {
		t.Error("frameNumber should be internal")
	}
	if d.HasPrevious {
		t.Error("first frame has no previous")
	}

	char.push(statusFrame(2, 3310, true))
	d2 := rec.waitData(t)
	if !d2.HasPrevious || d2.TimeSinceLastOne < 0 {
		t.Errorf("second frame should report the gap, got %+v", d2)
	}

	latest, ok := s.Latest("STATUS")
	if !ok {
		t.Fatal("latest STATUS missing")
	}
	if v, _ := latest.Values.Float("voltage"); v != 3.31 {
		t.Errorf("expected latest 3.31 V, got %v", v)
	}
}

func TestNotification_NoiseIsSwallowed(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	s := newTestSession(t, ft, rec, Options{})
	mustConnect(t, s)
	char := ft.lastConn().char

	// orphan, corrupt frame, unknown signature
	char.push([]byte{0x01, 0x02, 0x03})
	bad := statusFrame(1, 3300, false)
	bad[len(bad)-1] ^= 0xff
	char.push(bad)
	char.push([]byte{0x55, 0xaa, 0xeb, 0x90, 0x7f, 0x00})

	if rec.errorCount() != 0 {
		t.Errorf("framing noise must not reach OnError, got %d", rec.errorCount())
	}
	if s.Status() != StatusConnected {
		t.Errorf("noise must not change status, got %s", s.Status())
	}

	stats := s.Statistics().Snapshot()
	if stats.OrphanFragments != 1 || stats.ChecksumErrors != 1 || stats.UnknownSignatures != 1 {
		t.Errorf("unexpected counters: %+v", stats)
	}

	char.push(statusFrame(3, 3300, false))
	rec.waitData(t)
}

func TestNotification_HandlerPanic(t *testing.T) {
	ft := newFakeTransport()
	calls := 0
	s, err := New(testSchema(t), ft, Options{
		TeardownGrace: -1,
		Callbacks: Callbacks{
			OnDataReceived: func(string, Data) {
				calls++
				panic("handler bug")
			},
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	mustConnect(t, s)
	char := ft.lastConn().char

	char.push(statusFrame(1, 3300, true))
	char.push(statusFrame(2, 3300, true))

	if calls != 2 {
		t.Errorf("handler should be called for every frame, got %d", calls)
	}
	if s.Status() != StatusConnected {
		t.Errorf("expected connected, got %s", s.Status())
	}
}

// ============================================================
// Inactivity Tests
// ============================================================

func TestInactivity_DisconnectsOnce(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	s := newTestSession(t, ft, rec, Options{InactivityTimeout: 50 * time.Millisecond})
	mustConnect(t, s)

	if reason := rec.waitDisconnect(t); reason != ReasonInactivity {
		t.Errorf("expected inactivity, got %s", reason)
	}
	time.Sleep(150 * time.Millisecond)

	if reasons := rec.disconnectReasons(); len(reasons) != 1 {
		t.Errorf("expected exactly one disconnect, got %v", reasons)
	}
	if n := ft.lastConn().disconnectCount(); n != 1 {
		t.Errorf("expected link closed once, got %d", n)
	}
	if s.Status() != StatusDisconnected {
		t.Errorf("expected disconnected, got %s", s.Status())
	}
}

func TestInactivity_NotificationsKeepAlive(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	s := newTestSession(t, ft, rec, Options{InactivityTimeout: 80 * time.Millisecond})
	mustConnect(t, s)
	char := ft.lastConn().char

	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		char.push(statusFrame(byte(i), 3300, true))
	}
	if reasons := rec.disconnectReasons(); len(reasons) != 0 {
		t.Errorf("active session should stay connected, got %v", reasons)
	}
	_ = s.Disconnect(ReasonUser)
}

// ============================================================
// Disconnect Tests
// ============================================================

func TestDisconnect_User(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	s := newTestSession(t, ft, rec, Options{})
	mustConnect(t, s)
	conn := ft.lastConn()

	if err := s.Disconnect(ReasonUser); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if conn.char.stopped != 1 || conn.disconnectCount() != 1 {
		t.Errorf("expected notifications stopped and link closed, got %d/%d", conn.char.stopped, conn.disconnectCount())
	}
	if s.Status() != StatusDisconnected || s.Identity() != nil {
		t.Error("session should be fully reset")
	}
	if reasons := rec.disconnectReasons(); len(reasons) != 1 || reasons[0] != ReasonUser {
		t.Errorf("expected user disconnect, got %v", reasons)
	}

	// idempotent
	if err := s.Disconnect(ReasonUser); err != nil {
		t.Errorf("second Disconnect failed: %v", err)
	}
	if len(rec.disconnectReasons()) != 1 {
		t.Error("second Disconnect should do nothing")
	}

	if err := s.SendCommand(context.Background(), bms.CommandGetSettings, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnect_External(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	s := newTestSession(t, ft, rec, Options{})
	mustConnect(t, s)
	conn := ft.lastConn()

	conn.drop()

	if reason := rec.waitDisconnect(t); reason != ReasonExternal {
		t.Errorf("expected external, got %s", reason)
	}
	if conn.char.stopped != 0 || conn.disconnectCount() != 0 {
		t.Error("a dropped link should not be torn down again")
	}
	if s.Status() != StatusDisconnected {
		t.Errorf("expected disconnected, got %s", s.Status())
	}
}

func TestDisconnect_StaleListenerIgnored(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	s := newTestSession(t, ft, rec, Options{})

	mustConnect(t, s)
	first := ft.lastConn()
	_ = s.Disconnect(ReasonUser)
	rec.waitDisconnect(t)

	mustConnect(t, s)
	first.drop()
	first.char.push(statusFrame(1, 3300, true))

	if s.Status() != StatusConnected {
		t.Errorf("old connection events must not affect the new one, got %s", s.Status())
	}
	select {
	case <-rec.dataCh:
		t.Error("notification from an old connection delivered")
	default:
	}
}

func TestDisconnect_TeardownFailure(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	s := newTestSession(t, ft, rec, Options{})
	mustConnect(t, s)
	ft.lastConn().disconnectErr = errors.New("adapter wedged")

	err := s.Disconnect(ReasonUser)
	if !bms.IsTeardownError(err) {
		t.Fatalf("expected teardown error, got %v", err)
	}
	if s.Status() != StatusDisconnected {
		t.Errorf("session must end disconnected, got %s", s.Status())
	}
	if rec.errorCount() != 1 {
		t.Errorf("expected OnError, got %d calls", rec.errorCount())
	}

	// the session is reusable
	mustConnect(t, s)
}

// ============================================================
// Command Tests
// ============================================================

func TestToggleCharging(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft, newRecorder(), Options{})
	mustConnect(t, s)
	char := ft.lastConn().char

	if err := s.ToggleCharging(context.Background(), false); err != nil {
		t.Fatalf("ToggleCharging failed: %v", err)
	}

	writes, acked := char.snapshotWrites()
	if len(writes) != 3 {
		t.Fatalf("expected bootstrap, toggle and refresh, got %d writes", len(writes))
	}
	toggle, _ := s.Schema().BuildCommand(bms.CommandToggleCharging, []byte{0x00})
	refresh, _ := s.Schema().BuildCommand(bms.CommandGetSettings, nil)
	if string(writes[1]) != string(toggle) || !acked[1] {
		t.Errorf("expected acked toggle, got %s", bms.BytesToHex(writes[1]))
	}
	if string(writes[2]) != string(refresh) {
		t.Errorf("expected settings refresh, got %s", bms.BytesToHex(writes[2]))
	}
}

func TestToggleDischarging_NotConnected(t *testing.T) {
	s := newTestSession(t, newFakeTransport(), newRecorder(), Options{})
	if err := s.ToggleDischarging(context.Background(), true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendCommand_Unknown(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft, newRecorder(), Options{})
	mustConnect(t, s)

	if err := s.SendCommand(context.Background(), "REBOOT", nil); !bms.IsProtocolViolation(err) {
		t.Errorf("expected protocol violation, got %v", err)
	}
}

func TestSendCommand_WriteError(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft, newRecorder(), Options{})
	mustConnect(t, s)
	char := ft.lastConn().char
	char.mu.Lock()
	char.writeErr = errors.New("write failed")
	char.mu.Unlock()

	if err := s.SendCommand(context.Background(), bms.CommandGetSettings, nil); !bms.IsTransportError(err) {
		t.Errorf("expected transport error, got %v", err)
	}
}

func TestSendCommand_Serialized(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft, newRecorder(), Options{})
	mustConnect(t, s)
	char := ft.lastConn().char
	char.mu.Lock()
	char.writeDelay = 5 * time.Millisecond
	char.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.SendCommand(context.Background(), bms.CommandGetSettings, nil)
		}()
	}
	wg.Wait()

	char.mu.Lock()
	defer char.mu.Unlock()
	if char.maxFlight != 1 {
		t.Errorf("expected one command in flight, saw %d", char.maxFlight)
	}
	if len(char.writes) != 9 {
		t.Errorf("expected 9 writes, got %d", len(char.writes))
	}
}

// ============================================================
// Status Tests
// ============================================================

func TestStatus_String(t *testing.T) {
	tests := map[Status]string{
		StatusDisconnected: "disconnected",
		StatusScanning:     "scanning",
		StatusConnecting:   "connecting",
		StatusConnected:    "connected",
		StatusPaused:       "paused",
	}
	for st, want := range tests {
		if st.String() != want {
			t.Errorf("expected %s, got %s", want, st.String())
		}
	}
}

func TestPause_IsInert(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	s := newTestSession(t, ft, rec, Options{})
	mustConnect(t, s)

	rec.mu.Lock()
	before := len(rec.statuses)
	rec.mu.Unlock()

	s.Pause()

	if s.Status() != StatusConnected {
		t.Errorf("expected connected after Pause, got %s", s.Status())
	}
	rec.mu.Lock()
	after := len(rec.statuses)
	rec.mu.Unlock()
	if after != before {
		t.Errorf("Pause emitted %d status changes", after-before)
	}
}
