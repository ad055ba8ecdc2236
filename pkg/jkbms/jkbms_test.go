// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jkbms

import (
	"testing"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/bms"
)

func mustSchema(t *testing.T) *bms.Schema {
	t.Helper()
	s, err := Schema(nil)
	if err != nil {
		t.Fatalf("JK-BMS-02 schema failed to load: %v", err)
	}
	return s
}

func mustDecoder(t *testing.T) *bms.Decoder {
	t.Helper()
	d, err := bms.NewDecoder(mustSchema(t), nil)
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	return d
}

func fieldOffset(t *testing.T, spec *bms.ResponseSpec, key string) int {
	t.Helper()
	for _, f := range spec.Fields {
		if f.Key == key {
			return f.Offset
		}
	}
	t.Fatalf("%s has no field %s", spec.Name, key)
	return -1
}

// ============================================================
// Protocol Layout Tests
// ============================================================

func TestSchema_Loads(t *testing.T) {
	s := mustSchema(t)
	for _, r := range s.Responses() {
		if r.Length != FrameLength {
			t.Errorf("%s: expected length %d, got %d", r.Name, FrameLength, r.Length)
		}
	}
	if len(s.Bootstrap) != 2 || s.Bootstrap[0] != bms.CommandGetSettings {
		t.Errorf("unexpected bootstrap sequence %v", s.Bootstrap)
	}
}

func TestSchema_FieldOffsets(t *testing.T) {
	s := mustSchema(t)

	tests := []struct {
		response string
		key      string
		offset   int
	}{
		{ResponseLiveData, "voltages", 6},
		{ResponseLiveData, "averageCellVoltage", 58},
		{ResponseLiveData, "resistances", 64},
		{ResponseLiveData, "voltage", 118},
		{ResponseLiveData, "power", 122},
		{ResponseLiveData, "current", 126},
		{ResponseLiveData, "temperatureProbes", 130},
		{ResponseLiveData, "mosTemperature", 134},
		{ResponseLiveData, "percentage", 141},
		{ResponseLiveData, "remainingCapacity", 142},
		{ResponseLiveData, "cycleCount", 150},
		{ResponseLiveData, "upTime", 162},
		{ResponseDeviceInfo, "model", 6},
		{ResponseDeviceInfo, "powerOnTimes", 42},
		{ResponseDeviceInfo, "serialNumber", 86},
		{ResponseDeviceInfo, "settingsPassword", 118},
		{ResponseSettings, "smartSleepVoltage", 6},
		{ResponseSettings, "mosOvertemperatureRecovery", 110},
		{ResponseSettings, "cellCount", 114},
		{ResponseSettings, "chargingEnabled", 118},
		{ResponseSettings, "batteryCapacity", 130},
	}

	for _, tt := range tests {
		t.Run(tt.response+"/"+tt.key, func(t *testing.T) {
			spec, ok := s.Response(tt.response)
			if !ok {
				t.Fatalf("response %s missing", tt.response)
			}
			if got := fieldOffset(t, spec, tt.key); got != tt.offset {
				t.Errorf("expected offset %d, got %d", tt.offset, got)
			}
		})
	}
}

func TestSchema_Signatures(t *testing.T) {
	s := mustSchema(t)
	tests := map[byte]string{
		SignatureSettings:   ResponseSettings,
		SignatureLiveData:   ResponseLiveData,
		SignatureDeviceInfo: ResponseDeviceInfo,
	}
	for sig, name := range tests {
		spec, ok := s.ResponseBySignature([]byte{sig})
		if !ok || spec.Name != name {
			t.Errorf("signature 0x%02x: expected %s, got %v", sig, name, spec)
		}
	}
}

// ============================================================
// Command Tests
// ============================================================

func TestCommands_WireFrames(t *testing.T) {
	s := mustSchema(t)

	tests := []struct {
		name     string
		payload  []byte
		expected string
	}{
		{bms.CommandGetSettings, nil, "aa 55 90 eb 96 00 00 00 00 00 00 00 00 00 00 00 00 00 00 10"},
		{bms.CommandGetDeviceInfo, nil, "aa 55 90 eb 97 00 00 00 00 00 00 00 00 00 00 00 00 00 00 11"},
		{bms.CommandToggleCharging, []byte{0x01}, "aa 55 90 eb 1d 04 01 00 00 00 00 00 00 00 00 00 00 00 00 9c"},
		{bms.CommandToggleDischarging, []byte{0x00}, "aa 55 90 eb 1e 04 00 00 00 00 00 00 00 00 00 00 00 00 00 9c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := s.BuildCommand(tt.name, tt.payload)
			if err != nil {
				t.Fatalf("BuildCommand failed: %v", err)
			}
			if got := bms.BytesToHex(frame); got != tt.expected {
				t.Errorf("expected %s\n got      %s", tt.expected, got)
			}
		})
	}
}

// ============================================================
// Sample Record Tests
// ============================================================

func TestSampleLiveData_RoundTrip(t *testing.T) {
	d := mustDecoder(t)
	s := d.Schema()
	spec, _ := s.Response(ResponseLiveData)

	pack := DefaultPack()
	in := pack.SampleLiveData(42 * time.Second)
	frame, err := s.EncodeResponse(spec, in, 3)
	if err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}

	rec, err := d.Decode(spec, frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	for _, key := range []string{"voltage", "current", "averageCellVoltage", "remainingCapacity", "mosTemperature", "percentage"} {
		want, _ := in.Float(key)
		got, _ := rec.Float(key)
		if diff := want - got; diff > 0.001 || diff < -0.001 {
			t.Errorf("%s: expected %v, got %v", key, want, got)
		}
	}
	if got := len(rec.Floats("voltages")); got != MaxCells {
		t.Errorf("expected %d voltages, got %d", MaxCells, got)
	}
	if got, _ := rec.Float("upTime"); got != UptimePlaceholder {
		t.Errorf("expected placeholder uptime, got %v", got)
	}
	if errs := bms.ValidateRecord(rec); len(errs) != 0 {
		t.Errorf("sample record should validate cleanly: %v", errs)
	}
}

func TestSampleDeviceInfo_RoundTrip(t *testing.T) {
	d := mustDecoder(t)
	s := d.Schema()
	spec, _ := s.Response(ResponseDeviceInfo)

	pack := DefaultPack()
	frame, err := s.EncodeResponse(spec, pack.SampleDeviceInfo(), 0)
	if err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}
	rec, err := d.Decode(spec, frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if got, _ := rec.String("model"); got != pack.Model {
		t.Errorf("model: expected %q, got %q", pack.Model, got)
	}
	if got, _ := rec.String("serialNumber"); got != pack.SerialNumber {
		t.Errorf("serialNumber: expected %q, got %q", pack.SerialNumber, got)
	}
	if got, _ := rec.Float("powerOnTimes"); got != 4 {
		t.Errorf("powerOnTimes: expected 4, got %v", got)
	}

	public, private := rec.Split(s.IsInternalKey)
	if _, ok := public["passcode"]; ok {
		t.Error("passcode should be internal")
	}
	if _, ok := private["userData"]; !ok {
		t.Error("userData should be internal")
	}
}

func TestSampleSettings_RoundTrip(t *testing.T) {
	d := mustDecoder(t)
	s := d.Schema()
	spec, _ := s.Response(ResponseSettings)

	pack := DefaultPack()
	pack.Charging = false
	frame, err := s.EncodeResponse(spec, pack.SampleSettings(), 0)
	if err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}
	rec, err := d.Decode(spec, frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if got, _ := rec.Bool("chargingEnabled"); got {
		t.Error("charging should be disabled")
	}
	if got, _ := rec.Bool("dischargingEnabled"); !got {
		t.Error("discharging should be enabled")
	}
	if got, _ := rec.Float("cellOvervoltageProtection"); got != 3.65 {
		t.Errorf("cellOvervoltageProtection: expected 3.65, got %v", got)
	}
	if got, _ := rec.Float("chargeOvertemperature"); got != 55 {
		t.Errorf("chargeOvertemperature: expected 55, got %v", got)
	}
	if got, _ := rec.Float("cellCount"); got != float64(pack.Cells) {
		t.Errorf("cellCount: expected %d, got %v", pack.Cells, got)
	}
}

// ============================================================
// Derived Value Tests
// ============================================================

func TestDerive(t *testing.T) {
	rec := bms.Record{
		"voltages":          []interface{}{3.30, 3.32, 3.28, 0.0, 0.0},
		"resistances":       []interface{}{0.06, 0.07, 0.08, 0.0, 0.0},
		"temperatureProbes": []interface{}{20.0, 24.0},
	}

	out := Derive(rec)

	expected := map[string]float64{
		KeyCellCount:             3,
		KeyMinVoltage:            3.28,
		KeyMaxVoltage:            3.32,
		KeyAverageCellResistance: 0.07,
		KeyAverageTemperature:    22,
		KeyMinTemperature:        20,
		KeyMaxTemperature:        24,
	}
	for k, want := range expected {
		got, ok := out.Float(k)
		if !ok {
			t.Errorf("%s missing", k)
			continue
		}
		if diff := want - got; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("%s: expected %v, got %v", k, want, got)
		}
	}

	if _, ok := rec[KeyCellCount]; ok {
		t.Error("Derive should not modify its input")
	}
}

func TestDerive_NoCells(t *testing.T) {
	out := Derive(bms.Record{"voltages": []interface{}{0.0, 0.0}})
	if got, _ := out.Float(KeyCellCount); got != 0 {
		t.Errorf("expected 0 cells, got %v", got)
	}
	if _, ok := out[KeyMinVoltage]; ok {
		t.Error("min voltage should be absent without cells")
	}
}
