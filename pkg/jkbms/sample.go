// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jkbms

import (
	"math"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/bms"
)

// Pack describes a synthetic battery used to generate sample records
type Pack struct {
	Cells             int
	NominalCapacityAh float64
	Model             string
	Name              string
	SerialNumber      string
	Charging          bool
	Discharging       bool
}

// DefaultPack is an 8S 280 Ah LiFePO4 pack
func DefaultPack() Pack {
	return Pack{
		Cells:             8,
		NominalCapacityAh: 280,
		Model:             "BK_BLE_V1",
		Name:              "JK_B2A8S20P",
		SerialNumber:      "3060340061",
		Charging:          true,
		Discharging:       true,
	}
}

// SampleLiveData returns a plausible LIVE_DATA record for the pack at
// elapsed time t. Values drift slowly so consecutive samples differ.
func (p Pack) SampleLiveData(t time.Duration) bms.Record {
	phase := t.Seconds() / 30

	cells := p.Cells
	if cells > MaxCells {
		cells = MaxCells
	}

	voltages := make([]interface{}, MaxCells)
	resistances := make([]interface{}, MaxCells)
	total, lo, hi := 0.0, math.Inf(1), math.Inf(-1)
	for i := 0; i < MaxCells; i++ {
		if i >= cells {
			voltages[i] = 0.0
			resistances[i] = 0.0
			continue
		}
		v := bms.RoundTo(3.30+0.004*math.Sin(phase+float64(i)), 3)
		voltages[i] = v
		resistances[i] = bms.RoundTo(0.060+0.001*float64(i%3), 3)
		total += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if cells == 0 {
		lo, hi = 0, 0
	}

	current := 0.0
	if p.Discharging {
		current = bms.RoundTo(-5.2+1.5*math.Sin(phase/3), 3)
	}
	if p.Charging && !p.Discharging {
		current = 10
	}

	percentage := 80 + 10*math.Sin(phase/10)
	remaining := p.NominalCapacityAh * percentage / 100

	avg := 0.0
	if cells > 0 {
		avg = total / float64(cells)
	}

	return bms.Record{
		"voltages":           voltages,
		"averageCellVoltage": bms.RoundTo(avg, 3),
		"cellVoltageDelta":   bms.RoundTo(hi-lo, 3),
		"balanceCurrent":     0.0,
		"resistances":        resistances,
		"voltage":            bms.RoundTo(total, 3),
		"power":              bms.RoundTo(total*math.Abs(current), 3),
		"current":            current,
		"temperatureProbes":  []interface{}{bms.RoundTo(21.5+math.Sin(phase/5), 1), 22.0},
		"mosTemperature":     bms.RoundTo(27+math.Sin(phase/7), 1),
		"percentage":         math.Round(percentage),
		"remainingCapacity":  bms.RoundTo(remaining, 3),
		"nominalCapacity":    p.NominalCapacityAh,
		"cycleCount":         12.0,
		"cycledCapacity":     3360.0,
	}
}

// SampleDeviceInfo returns a DEVICE_INFO record for the pack
func (p Pack) SampleDeviceInfo() bms.Record {
	return bms.Record{
		"model":             p.Model,
		"hardwareVersion":   "11.XW",
		"firmwareVersion":   "11.26",
		"powerOnTimes":      4.0,
		"name":              p.Name,
		"password":          "1234",
		"manufacturingDate": "230916",
		"serialNumber":      p.SerialNumber,
		"passcode":          "0000",
		"userData":          "Input Userdata",
		"settingsPassword":  "123456",
	}
}

// SampleSettings returns a SETTINGS record for the pack
func (p Pack) SampleSettings() bms.Record {
	return bms.Record{
		"smartSleepVoltage":                3.0,
		"cellUndervoltageProtection":       2.6,
		"cellUndervoltageRecovery":         2.8,
		"cellOvervoltageProtection":        3.65,
		"cellOvervoltageRecovery":          3.55,
		"balanceTriggerVoltage":            0.005,
		"socFullVoltage":                   3.5,
		"socEmptyVoltage":                  2.9,
		"cellRequestChargeVoltage":         3.45,
		"cellRequestFloatVoltage":          3.375,
		"powerOffVoltage":                  2.5,
		"maxChargeCurrent":                 100.0,
		"chargeOvercurrentDelay":           30.0,
		"chargeOvercurrentRecovery":        60.0,
		"maxDischargeCurrent":              150.0,
		"dischargeOvercurrentDelay":        300.0,
		"dischargeOvercurrentRecovery":     60.0,
		"shortCircuitRecovery":             5.0,
		"maxBalanceCurrent":                2.0,
		"chargeOvertemperature":            55.0,
		"chargeOvertemperatureRecovery":    50.0,
		"dischargeOvertemperature":         65.0,
		"dischargeOvertemperatureRecovery": 60.0,
		"chargeUndertemperature":           0.0,
		"chargeUndertemperatureRecovery":   5.0,
		"mosOvertemperature":               90.0,
		"mosOvertemperatureRecovery":       70.0,
		"cellCount":                        float64(p.Cells),
		"chargingEnabled":                  p.Charging,
		"dischargingEnabled":               p.Discharging,
		"balancerEnabled":                  true,
		"batteryCapacity":                  p.NominalCapacityAh,
	}
}
