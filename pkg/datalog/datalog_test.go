// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package datalog

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/bms"
	"github.com/Thermoquad/bmsmon/pkg/jkbms"
	"github.com/Thermoquad/bmsmon/pkg/session"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is advanced by tests
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newLogger(limit int) (*Logger, *fakeClock) {
	clock := &fakeClock{t: epoch}
	return New(Options{Limit: limit, Now: clock.now}), clock
}

func liveData(ts time.Time, voltage, current float64) session.Data {
	return session.Data{
		Response:  jkbms.ResponseLiveData,
		Timestamp: ts,
		Values: bms.Record{
			"voltage":           voltage,
			"current":           current,
			"cellVoltageDelta":  0.004,
			"remainingCapacity": 200.5,
			"percentage":        72.0,
			"temperatureProbes": []interface{}{21.5, 22.0},
			"balanceCurrent":    0.0,
		},
	}
}

// ============================================================
// Add Tests
// ============================================================

func TestAdd_ExtractsFields(t *testing.T) {
	l, _ := newLogger(0)

	if !l.Add(liveData(epoch, 26.4, -5.2)) {
		t.Fatal("Add rejected live data")
	}

	points := l.Points()
	if len(points) != 1 {
		t.Fatalf("len = %d, want 1", len(points))
	}
	p := points[0]
	if p.Voltage != 26.4 || p.Current != 5.2 || p.Percentage != 72 || p.RemainingCapacity != 200.5 {
		t.Errorf("point = %+v", p)
	}
	if len(p.TemperatureProbes) != 2 || p.TemperatureProbes[1] != 22 {
		t.Errorf("TemperatureProbes = %v", p.TemperatureProbes)
	}
	if !p.Corrected.Equal(p.Timestamp) {
		t.Errorf("Corrected = %v, want %v", p.Corrected, p.Timestamp)
	}
}

func TestAdd_IgnoresOtherResponses(t *testing.T) {
	l, _ := newLogger(0)
	d := liveData(epoch, 26.4, 1)
	d.Response = jkbms.ResponseSettings

	if l.Add(d) {
		t.Error("Add accepted SETTINGS")
	}
	if l.Len() != 0 {
		t.Errorf("Len = %d, want 0", l.Len())
	}
}

func TestAdd_Trim(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		adds  int
		want  int
	}{
		{"at limit", 8, 8, 8},
		{"one over limit", 8, 9, 9},
		{"trims to three quarters", 8, 10, 6},
		{"default limit", 0, DefaultLimit + 2, DefaultLimit - DefaultLimit/4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newLogger(tt.limit)
			for i := 0; i < tt.adds; i++ {
				l.Add(liveData(epoch.Add(time.Duration(i)*time.Second), float64(i), 0))
			}
			if l.Len() != tt.want {
				t.Fatalf("Len = %d, want %d", l.Len(), tt.want)
			}
			points := l.Points()
			if last := points[len(points)-1].Voltage; last != float64(tt.adds-1) {
				t.Errorf("newest point voltage = %v, want %v", last, tt.adds-1)
			}
		})
	}
}

// ============================================================
// Pause Tests
// ============================================================

func TestStopStart_CorrectsTimestamps(t *testing.T) {
	l, clock := newLogger(0)
	l.Add(liveData(epoch, 26.4, 0))
	l.Add(liveData(epoch.Add(time.Second), 26.5, 0))

	clock.advance(2 * time.Second)
	l.Stop()

	if l.Add(liveData(clock.t, 26.6, 0)) {
		t.Error("Add accepted data while paused")
	}
	if paused, started := l.Paused(); !paused || !started {
		t.Errorf("Paused() = %v, %v", paused, started)
	}

	clock.advance(60 * time.Second)
	l.Start()

	points := l.Points()
	if len(points) != 3 {
		t.Fatalf("len = %d, want 3 (two points and a gap)", len(points))
	}
	if !points[2].Gap {
		t.Error("last point is not a gap marker")
	}

	shift := 60*time.Second - ResumeGap
	for i, p := range points[:2] {
		if got := p.Corrected.Sub(p.Timestamp); got != shift {
			t.Errorf("point %d shifted by %v, want %v", i, got, shift)
		}
	}
	if !points[2].Corrected.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("gap marker moved to %v", points[2].Corrected)
	}
}

func TestStop_EmptyLogHasNoGap(t *testing.T) {
	l, _ := newLogger(0)
	l.Stop()

	if l.Len() != 0 {
		t.Errorf("Len = %d, want 0", l.Len())
	}
	if _, started := l.Paused(); started {
		t.Error("empty log reports started")
	}
}

func TestStopStart_Idempotent(t *testing.T) {
	l, clock := newLogger(0)
	l.Add(liveData(epoch, 26.4, 0))

	l.Start()
	l.Stop()
	l.Stop()
	if l.Len() != 2 {
		t.Errorf("Len = %d, want one gap marker", l.Len())
	}

	clock.advance(10 * time.Second)
	l.Start()
	l.Start()
	if got := l.Points()[0].Corrected.Sub(epoch); got != 7*time.Second {
		t.Errorf("shift = %v, want 7s applied once", got)
	}
}

func TestHandleStatus(t *testing.T) {
	l, clock := newLogger(0)

	l.HandleStatus(session.StatusDisconnected)
	if paused, _ := l.Paused(); paused {
		t.Error("empty log stopped on disconnect")
	}

	l.Add(liveData(epoch, 26.4, 0))
	l.HandleStatus(session.StatusConnecting)
	l.HandleStatus(session.StatusDisconnected)
	if paused, _ := l.Paused(); !paused {
		t.Error("not stopped on disconnect")
	}

	clock.advance(5 * time.Second)
	l.HandleStatus(session.StatusConnected)
	if paused, _ := l.Paused(); paused {
		t.Error("not started on connect")
	}
	if l.Len() != 2 {
		t.Errorf("Len = %d, want 2", l.Len())
	}
}

func TestReset(t *testing.T) {
	l, _ := newLogger(0)
	l.Add(liveData(epoch, 26.4, 0))
	l.Stop()
	l.Reset()

	if paused, started := l.Paused(); paused || started {
		t.Errorf("Paused() = %v, %v after reset", paused, started)
	}
	if !l.Add(liveData(epoch, 26.4, 0)) {
		t.Error("Add rejected after reset")
	}
}

// ============================================================
// Persistence Tests
// ============================================================

func TestSaveLoad(t *testing.T) {
	l, clock := newLogger(0)
	l.Add(liveData(epoch.Add(1500*time.Millisecond), 26.4, -3))
	clock.advance(5 * time.Second)
	l.Stop()

	var buf bytes.Buffer
	if err := l.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	restored, _ := newLogger(0)
	if err := restored.Load(&buf); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got, want := restored.Points(), l.Points()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Timestamp.Equal(want[i].Timestamp) || !got[i].Corrected.Equal(want[i].Corrected) {
			t.Errorf("point %d time = %v/%v, want %v/%v", i,
				got[i].Timestamp, got[i].Corrected, want[i].Timestamp, want[i].Corrected)
		}
		if got[i].Voltage != want[i].Voltage || got[i].Current != want[i].Current || got[i].Gap != want[i].Gap {
			t.Errorf("point %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if paused, _ := restored.Paused(); !paused {
		t.Error("paused state not restored")
	}
}

func TestLoad_KeepsNewestWithinLimit(t *testing.T) {
	big, _ := newLogger(0)
	for i := 0; i < 10; i++ {
		big.Add(liveData(epoch.Add(time.Duration(i)*time.Second), float64(i), 0))
	}
	var buf bytes.Buffer
	if err := big.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	small, _ := newLogger(4)
	if err := small.Load(&buf); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	points := small.Points()
	if len(points) != 4 || points[0].Voltage != 6 {
		t.Errorf("loaded %d points starting at %v", len(points), points[0].Voltage)
	}
}

func TestLoad_Rejects(t *testing.T) {
	other := New(Options{Response: jkbms.ResponseSettings})
	var buf bytes.Buffer
	if err := other.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	l, _ := newLogger(0)
	if err := l.Load(&buf); err == nil {
		t.Error("loaded a SETTINGS log into a LIVE_DATA logger")
	}
	if err := l.Load(bytes.NewReader([]byte{0xff, 0x00})); err == nil {
		t.Error("loaded garbage")
	}
}

func TestSaveFileLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "live.cbor")

	l, _ := newLogger(0)
	if err := l.LoadFile(path); err != nil {
		t.Fatalf("LoadFile on missing file: %v", err)
	}

	l.Add(liveData(epoch, 26.4, 0))
	if err := l.SaveFile(path); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}

	restored, _ := newLogger(0)
	if err := restored.LoadFile(path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if restored.Len() != 1 {
		t.Errorf("Len = %d, want 1", restored.Len())
	}
}
