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

// SendCommand writes the named command and then waits the command's Wait
// interval. Only one command is in flight at a time; concurrent callers
// queue. Commands with a payload are written with acknowledgement, others
// without. The write is cancelled after the command's Timeout.
func (s *Session) SendCommand(ctx context.Context, name string, payload []byte) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.mu.Lock()
	char := s.char
	connected := s.status == StatusConnected
	s.mu.Unlock()
	if char == nil || !connected {
		return ErrNotConnected
	}

	log := s.logger.With(zap.String("command", name))

	frame, err := s.schema.BuildCommand(name, payload)
	if err != nil {
		log.Warn("Command rejected", zap.Error(err))
		return err
	}
	cmd, _ := s.schema.Command(name)

	wctx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	if len(payload) > 0 {
		err = char.WriteWithAck(wctx, frame)
	} else {
		err = char.WriteWithoutAck(wctx, frame)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(wctx.Err(), context.DeadlineExceeded) {
			log.Warn("Command timed out", zap.Duration("timeout", cmd.Timeout))
			return bms.NewTimeoutError(err, "command %s timed out after %s", name, cmd.Timeout)
		}
		log.Warn("Command write failed", zap.Error(err))
		return bms.NewTransportError(err, "command %s", name)
	}
	log.Debug("Command sent", zap.String("frame", bms.BytesToHex(frame)))

	return sleep(ctx, cmd.Wait)
}

// ToggleCharging enables or disables the charge MOSFET and then requests
// the settings so the new state is reported
func (s *Session) ToggleCharging(ctx context.Context, enabled bool) error {
	return s.toggle(ctx, bms.CommandToggleCharging, enabled)
}

// ToggleDischarging enables or disables the discharge MOSFET and then
// requests the settings so the new state is reported
func (s *Session) ToggleDischarging(ctx context.Context, enabled bool) error {
	return s.toggle(ctx, bms.CommandToggleDischarging, enabled)
}

func (s *Session) toggle(ctx context.Context, name string, enabled bool) error {
	payload := []byte{0x00}
	if enabled {
		payload[0] = 0x01
	}
	err := s.SendCommand(ctx, name, payload)
	if errors.Is(err, ErrNotConnected) {
		return err
	}
	return errors.Join(err, s.SendCommand(ctx, bms.CommandGetSettings, nil))
}

// handleNotification feeds one fragment through the framer. Framing and
// decode failures are logged and counted, never returned.
func (s *Session) handleNotification(gen uint64, fragment []byte) {
	s.mu.Lock()
	if gen != s.connGen {
		s.mu.Unlock()
		return
	}
	s.registerActivityLocked()
	ev := s.framer.Feed(fragment)

	var (
		data    Data
		deliver bool
	)
	if ev.Kind == bms.EventFrame {
		name := ev.Response.Name
		values, internal := ev.Record.Split(s.schema.IsInternalKey)
		data = Data{
			Response:  name,
			Timestamp: time.Now(),
			Values:    values,
			Internal:  internal,
			Frame:     ev.Frame,
		}
		if prev, ok := s.cache[name]; ok {
			data.TimeSinceLastOne = data.Timestamp.Sub(prev.Timestamp)
			data.HasPrevious = true
		}
		s.cache[name] = data
		deliver = true
	}
	s.mu.Unlock()

	var anomalies []bms.ValidationError
	if ev.Kind == bms.EventFrame {
		anomalies = bms.ValidateRecord(ev.Record)
		for _, a := range anomalies {
			s.logger.Warn("Implausible value", zap.String("response", ev.Response.Name), zap.String("anomaly", a.Message))
		}
	}
	s.stats.Update(ev, anomalies)

	if deliver {
		s.deliver(data)
	}
}

func (s *Session) deliver(data Data) {
	if s.cb.OnDataReceived == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Data handler panicked", zap.String("response", data.Response), zap.Any("panic", r))
		}
	}()
	s.cb.OnDataReceived(data.Response, data)
}
