// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"errors"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/bms"
	"go.uber.org/zap"
)

// Connect establishes a session: reconnect to opts.Previous or run
// discovery, connect, bind the characteristic, subscribe and send the
// bootstrap commands. It returns the device identity once connected.
//
// Discovery failures go to OnRequestDeviceError. A previous device that is
// not authorized or not seen within the protocol's ConnectPreviousTimeout
// goes to OnPreviousUnavailable. Later failures tear the link down with
// ReasonError and go to OnError. Every failure is also returned.
func (s *Session) Connect(ctx context.Context, opts ConnectOptions) (*Identity, error) {
	s.mu.Lock()
	if s.status != StatusDisconnected || s.tearingDown || s.cancelConnect != nil {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.attempt++
	attempt := s.attempt
	ctx, cancel := context.WithCancel(ctx)
	s.cancelConnect = cancel
	s.mu.Unlock()
	defer s.endAttempt(attempt, cancel)

	var (
		p   Peripheral
		err error
	)
	if opts.Previous != nil {
		var ok bool
		p, ok = s.findPrevious(ctx, attempt, *opts.Previous)
		if !ok {
			if !s.advance(attempt, StatusDisconnected) {
				return nil, ErrAborted
			}
			return nil, ErrPreviousUnavailable
		}
	} else {
		p, err = s.scan(ctx, attempt)
		if err != nil {
			if !s.advance(attempt, StatusDisconnected) {
				return nil, ErrAborted
			}
			if s.cb.OnRequestDeviceError != nil {
				s.cb.OnRequestDeviceError(err)
			}
			return nil, err
		}
	}

	log := s.logger.With(zap.String("device", p.ID), zap.String("name", p.Name))
	if !s.advance(attempt, StatusConnecting) {
		return nil, ErrAborted
	}

	conn, err := s.transport.Connect(ctx, p)
	if err != nil {
		return s.fail(attempt, bms.NewTransportError(err, "connect to %s", p.ID))
	}

	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		_ = conn.Disconnect()
		return nil, ErrAborted
	}
	s.connGen++
	gen := s.connGen
	s.conn = conn
	s.mu.Unlock()

	conn.OnDisconnect(func() { s.handleTransportDisconnect(gen) })

	char, err := conn.Characteristic(ctx, s.schema.ServiceUUID, s.schema.CharacteristicUUID)
	if err != nil {
		return s.fail(attempt, bms.NewTransportError(err, "characteristic %s/%s",
			bms.IntToHex(uint64(s.schema.ServiceUUID), "0x"), bms.IntToHex(uint64(s.schema.CharacteristicUUID), "0x")))
	}

	identity := &Identity{ID: p.ID, Name: p.Name}

	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return nil, ErrAborted
	}
	s.char = char
	s.identity = identity
	s.framer.Reset()
	s.cache = make(map[string]Data)
	s.registerActivityLocked()
	prev := s.status
	s.status = StatusConnected
	s.mu.Unlock()
	s.notifyStatus(prev, StatusConnected)

	char.OnNotification(func(fragment []byte) { s.handleNotification(gen, fragment) })
	if err := char.StartNotifications(ctx); err != nil {
		return s.fail(attempt, bms.NewTransportError(err, "start notifications"))
	}
	log.Info("Subscribed to notifications")

	if err := sleep(ctx, s.schema.BootstrapDelay); err != nil {
		return s.fail(attempt, err)
	}
	for _, name := range s.schema.Bootstrap {
		if err := s.SendCommand(ctx, name, nil); err != nil {
			return s.fail(attempt, err)
		}
	}

	if s.aborted(attempt) {
		return nil, ErrAborted
	}

	log.Info("Connected")
	if s.cb.OnConnected != nil {
		s.cb.OnConnected(*identity)
	}
	return identity, nil
}

func (s *Session) scan(ctx context.Context, attempt uint64) (Peripheral, error) {
	s.advance(attempt, StatusScanning)
	p, err := s.transport.Scan(ctx, ScanFilter{ServiceUUID: s.schema.ServiceUUID})
	if err != nil {
		s.logger.Warn("Device discovery failed", zap.Error(err))
		return Peripheral{}, bms.NewTransportError(err, "discovery")
	}
	s.logger.Info("Device selected", zap.String("device", p.ID), zap.String("name", p.Name))
	return p, nil
}

// findPrevious looks up a previously connected device among the authorized
// ones and waits for its advertisement
func (s *Session) findPrevious(ctx context.Context, attempt uint64, prev Identity) (Peripheral, bool) {
	log := s.logger.With(zap.String("device", prev.ID))
	s.advance(attempt, StatusScanning)

	devices, err := s.transport.AuthorizedDevices(ctx)
	if err != nil {
		log.Warn("Listing authorized devices failed", zap.Error(err))
	}

	var found *Peripheral
	for i := range devices {
		if devices[i].ID == prev.ID {
			found = &devices[i]
			break
		}
	}
	if found == nil {
		log.Info("Previous device is not authorized")
		s.previousUnavailable(nil)
		return Peripheral{}, false
	}

	timeout := s.schema.ConnectPreviousTimeout
	wctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	seen, err := s.transport.WatchProximity(wctx, *found, timeout)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn("Watching advertisements failed", zap.Error(err))
	}
	if !seen {
		log.Info("Previous device not in range", zap.Duration("timeout", timeout))
		s.previousUnavailable(found)
		return Peripheral{}, false
	}

	return *found, true
}

func (s *Session) previousUnavailable(p *Peripheral) {
	if s.cb.OnPreviousUnavailable != nil {
		s.cb.OnPreviousUnavailable(p)
	}
}

func (s *Session) aborted(attempt uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt != attempt
}

func (s *Session) endAttempt(attempt uint64, cancel context.CancelFunc) {
	s.mu.Lock()
	if s.attempt == attempt {
		s.cancelConnect = nil
	}
	s.mu.Unlock()
	cancel()
}

// fail tears down a half-built connection and reports err
func (s *Session) fail(attempt uint64, err error) (*Identity, error) {
	if s.aborted(attempt) {
		return nil, ErrAborted
	}
	s.logger.Error("Connect failed", zap.Error(err))
	_ = s.Disconnect(ReasonError)
	s.reportError(err)
	return nil, err
}

// Disconnect ends the session. Unless the link is already gone
// (ReasonExternal) notifications are stopped and the link closed, each
// followed by the teardown grace. The session is always left disconnected.
// A cleanup failure is returned as a teardown error and sent to OnError.
// Calling Disconnect on a disconnected session does nothing.
func (s *Session) Disconnect(reason DisconnectReason) error {
	s.mu.Lock()
	if s.tearingDown || (s.status == StatusDisconnected && s.conn == nil && s.cancelConnect == nil) {
		s.mu.Unlock()
		return nil
	}
	s.tearingDown = true
	s.attempt++
	cancel := s.cancelConnect
	s.cancelConnect = nil
	conn, char := s.conn, s.char
	s.conn, s.char, s.identity = nil, nil, nil
	s.connGen++
	s.stopWatchdogLocked()
	s.framer.Reset()
	s.cache = make(map[string]Data)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	log := s.logger.With(zap.String("reason", string(reason)))
	log.Info("Disconnecting")

	var errs []error
	if reason != ReasonExternal && conn != nil {
		if char != nil {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			if err := char.StopNotifications(ctx); err != nil {
				errs = append(errs, err)
			}
			cancel()
			s.waitGrace()
		}
		if err := conn.Disconnect(); err != nil {
			errs = append(errs, err)
		}
		s.waitGrace()
	}

	s.mu.Lock()
	s.tearingDown = false
	prev := s.status
	s.status = StatusDisconnected
	s.mu.Unlock()
	s.notifyStatus(prev, StatusDisconnected)
	if s.cb.OnDisconnected != nil {
		s.cb.OnDisconnected(reason)
	}

	if len(errs) > 0 {
		err := bms.NewTeardownError(errors.Join(errs...), "disconnect (%s)", reason)
		log.Error("Teardown failed", zap.Error(err))
		s.reportError(err)
		return err
	}
	return nil
}

// Pause is accepted for API completeness. StatusPaused is reserved and no
// transport action backs it, so the session state does not change.
func (s *Session) Pause() {
	s.logger.Debug("Pause requested, ignoring", zap.Stringer("status", s.Status()))
}

func (s *Session) waitGrace() {
	if s.grace > 0 {
		time.Sleep(s.grace)
	}
}

func (s *Session) handleTransportDisconnect(gen uint64) {
	s.mu.Lock()
	stale := gen != s.connGen
	s.mu.Unlock()
	if stale {
		return
	}
	s.logger.Warn("Device disconnected")
	_ = s.Disconnect(ReasonExternal)
}

// registerActivityLocked rearms the inactivity watchdog
func (s *Session) registerActivityLocked() {
	s.stopWatchdogLocked()
	if s.inactivity <= 0 {
		return
	}
	gen := s.timerGen
	s.watchdog = time.AfterFunc(s.inactivity, func() { s.inactivityExpired(gen) })
}

func (s *Session) stopWatchdogLocked() {
	s.timerGen++
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *Session) inactivityExpired(gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.timerGen++
	s.watchdog = nil
	s.mu.Unlock()

	s.logger.Warn("No notification received, disconnecting", zap.Duration("timeout", s.inactivity))
	_ = s.Disconnect(ReasonInactivity)
}
