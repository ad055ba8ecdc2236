// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package jkbms defines the JK-BMS-02 BLE protocol.
//
// Frames are 300 bytes: the segment header 55 aa eb 90, a one byte
// response signature, a frame counter, the payload and a checksum byte.
// Commands are 20 bytes: aa 55 90 eb, opcode, payload, zero padding and a
// checksum byte. Sending GET_SETTINGS starts the LIVE_DATA stream.
package jkbms

import (
	"time"

	"github.com/Thermoquad/bmsmon/pkg/bms"
	"go.uber.org/zap"
)

// Protocol identity and transport addressing
const (
	Name               = "JK-BMS-02"
	ServiceUUID        = 0xffe0
	CharacteristicUUID = 0xffe1
	FrameLength        = 300
	CommandLength      = 20
	MaxCells           = 24
)

// Response names
const (
	ResponseLiveData   = "LIVE_DATA"
	ResponseDeviceInfo = "DEVICE_INFO"
	ResponseSettings   = "SETTINGS"
)

// Response signatures
const (
	SignatureSettings   = 0x01
	SignatureLiveData   = 0x02
	SignatureDeviceInfo = 0x03
)

// Timing
const (
	ConnectPreviousTimeout = 3000 * time.Millisecond
	InactivityTimeout      = 5000 * time.Millisecond
	BootstrapDelay         = 200 * time.Millisecond
	CommandTimeout         = 1000 * time.Millisecond
	CommandWait            = 400 * time.Millisecond
)

var (
	SegmentHeader = []byte{0x55, 0xaa, 0xeb, 0x90}
	CommandHeader = []byte{0xaa, 0x55, 0x90, 0xeb}
)

// InternalKeys are frame bookkeeping and secrets kept out of public records
var InternalKeys = []string{"header", "responseSignature", "frameNumber", "checksum", "passcode", "userData"}

// UptimePlaceholder is reported for the uptime field until its encoding is known
const UptimePlaceholder = float64(24 * time.Hour / time.Millisecond)

func placeholderUptime(bms.FieldContext) (interface{}, error) {
	return UptimePlaceholder, nil
}

func item(length int, key string, rule bms.Rule) bms.Item {
	return bms.Item{Length: length, Key: key, Rule: rule}
}

func num(key string, t bms.NumberType, multiplier float64) bms.Item {
	return bms.Item{Length: t.Size(), Key: key, Rule: bms.Numeric{Type: t, Multiplier: multiplier}}
}

func text(length int, key string) bms.Item {
	return item(length, key, bms.Text{Encoding: bms.ASCII})
}

func unknown(length int) bms.Item {
	return item(length, "unknownSegments", bms.Raw{})
}

func repeat(n int, it bms.Item) []bms.Item {
	out := make([]bms.Item, n)
	for i := range out {
		out[i] = it
	}
	return out
}

func frame(parts ...[]bms.Item) []bms.Item {
	items := []bms.Item{
		item(4, "header", bms.Text{Encoding: bms.Hex}),
		item(1, "responseSignature", bms.Text{Encoding: bms.Hex}),
		num("frameNumber", bms.Uint8, 1),
	}
	for _, p := range parts {
		items = append(items, p...)
	}
	return append(items, item(1, "checksum", bms.Text{Encoding: bms.Hex}))
}

func liveData() []bms.Item {
	return frame(
		repeat(MaxCells, num("voltages", bms.Uint16, 0.001)),
		[]bms.Item{
			unknown(4),
			num("averageCellVoltage", bms.Uint16, 0.001),
			num("cellVoltageDelta", bms.Uint16, 0.001),
			num("balanceCurrent", bms.Int16, 0.001),
		},
		repeat(MaxCells, num("resistances", bms.Uint16, 0.001)),
		[]bms.Item{
			unknown(6),
			num("voltage", bms.Uint32, 0.001),
			num("power", bms.Uint32, 0.001),
			num("current", bms.Int32, 0.001),
			num("temperatureProbes", bms.Int16, 0.1),
			num("temperatureProbes", bms.Int16, 0.1),
			num("mosTemperature", bms.Int16, 0.1),
			unknown(5),
			num("percentage", bms.Uint8, 1),
			num("remainingCapacity", bms.Uint32, 0.001),
			num("nominalCapacity", bms.Uint32, 0.001),
			num("cycleCount", bms.Uint32, 1),
			num("cycledCapacity", bms.Uint32, 0.001),
			unknown(4),
			item(3, "upTime", bms.Raw{Extract: placeholderUptime}),
			unknown(134),
		},
	)
}

func deviceInfo() []bms.Item {
	return frame([]bms.Item{
		text(16, "model"),
		text(8, "hardwareVersion"),
		text(8, "firmwareVersion"),
		item(4, "upTime", bms.Raw{Extract: placeholderUptime}),
		item(4, "powerOnTimes", bms.Numeric{Type: bms.Int32, Endian: bms.BigEndian}),
		text(16, "name"),
		text(16, "password"),
		text(8, "manufacturingDate"),
		text(11, "serialNumber"),
		text(5, "passcode"),
		text(16, "userData"),
		text(16, "settingsPassword"),
		unknown(165),
	})
}

func settings() []bms.Item {
	volts := func(key string) bms.Item { return num(key, bms.Uint32, 0.001) }
	amps := func(key string) bms.Item { return num(key, bms.Uint32, 0.001) }
	seconds := func(key string) bms.Item { return num(key, bms.Uint32, 1) }
	celsius := func(key string) bms.Item { return num(key, bms.Int32, 0.1) }

	return frame([]bms.Item{
		volts("smartSleepVoltage"),
		volts("cellUndervoltageProtection"),
		volts("cellUndervoltageRecovery"),
		volts("cellOvervoltageProtection"),
		volts("cellOvervoltageRecovery"),
		volts("balanceTriggerVoltage"),
		volts("socFullVoltage"),
		volts("socEmptyVoltage"),
		volts("cellRequestChargeVoltage"),
		volts("cellRequestFloatVoltage"),
		volts("powerOffVoltage"),
		amps("maxChargeCurrent"),
		seconds("chargeOvercurrentDelay"),
		seconds("chargeOvercurrentRecovery"),
		amps("maxDischargeCurrent"),
		seconds("dischargeOvercurrentDelay"),
		seconds("dischargeOvercurrentRecovery"),
		seconds("shortCircuitRecovery"),
		amps("maxBalanceCurrent"),
		celsius("chargeOvertemperature"),
		celsius("chargeOvertemperatureRecovery"),
		celsius("dischargeOvertemperature"),
		celsius("dischargeOvertemperatureRecovery"),
		celsius("chargeUndertemperature"),
		celsius("chargeUndertemperatureRecovery"),
		celsius("mosOvertemperature"),
		celsius("mosOvertemperatureRecovery"),
		num("cellCount", bms.Uint32, 1),
		item(4, "chargingEnabled", bms.Boolean{}),
		item(4, "dischargingEnabled", bms.Boolean{}),
		item(4, "balancerEnabled", bms.Boolean{}),
		num("batteryCapacity", bms.Uint32, 0.001),
		unknown(165),
	})
}

// Definition returns the packed JK-BMS-02 protocol description
func Definition() bms.Definition {
	return bms.Definition{
		Name:                   Name,
		ServiceUUID:            ServiceUUID,
		CharacteristicUUID:     CharacteristicUUID,
		SegmentHeader:          SegmentHeader,
		CommandHeader:          CommandHeader,
		CommandLength:          CommandLength,
		ConnectPreviousTimeout: ConnectPreviousTimeout,
		InactivityTimeout:      InactivityTimeout,
		Bootstrap:              []string{bms.CommandGetSettings, bms.CommandGetDeviceInfo},
		BootstrapDelay:         BootstrapDelay,
		InternalKeys:           InternalKeys,
		Commands: []bms.CommandSpec{
			{
				Name:     bms.CommandGetSettings,
				Opcode:   []byte{0x96},
				Timeout:  CommandTimeout,
				Wait:     CommandWait,
				Response: ResponseSettings,
			},
			{
				Name:     bms.CommandGetDeviceInfo,
				Opcode:   []byte{0x97},
				Timeout:  CommandTimeout,
				Wait:     CommandWait,
				Response: ResponseDeviceInfo,
			},
			{
				Name:    bms.CommandToggleCharging,
				Opcode:  []byte{0x1d, 0x04},
				Timeout: CommandTimeout,
				Wait:    CommandWait,
			},
			{
				Name:    bms.CommandToggleDischarging,
				Opcode:  []byte{0x1e, 0x04},
				Timeout: CommandTimeout,
				Wait:    CommandWait,
			},
		},
		Responses: []bms.ResponseDefinition{
			{Name: ResponseSettings, Signature: []byte{SignatureSettings}, Length: FrameLength, Items: settings()},
			{Name: ResponseLiveData, Signature: []byte{SignatureLiveData}, Length: FrameLength, Items: liveData()},
			{Name: ResponseDeviceInfo, Signature: []byte{SignatureDeviceInfo}, Length: FrameLength, Items: deviceInfo()},
		},
	}
}

// Schema loads the JK-BMS-02 protocol
func Schema(logger *zap.Logger) (*bms.Schema, error) {
	return bms.Load(Definition(), logger)
}
