// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jkbms

import (
	"math"

	"github.com/Thermoquad/bmsmon/pkg/bms"
)

// Derived LIVE_DATA keys
const (
	KeyCellCount             = "cellCount"
	KeyMinVoltage            = "minVoltage"
	KeyMaxVoltage            = "maxVoltage"
	KeyAverageCellResistance = "averageCellResistance"
	KeyAverageTemperature    = "averageTemperature"
	KeyMinTemperature        = "minTemperature"
	KeyMaxTemperature        = "maxTemperature"
)

const derivedPrecision = 3

// Derive returns a copy of a LIVE_DATA record with summary values added.
// Unpopulated cell slots report 0 V and are excluded.
func Derive(rec bms.Record) bms.Record {
	out := make(bms.Record, len(rec)+7)
	for k, v := range rec {
		out[k] = v
	}

	var cells []float64
	for _, v := range rec.Floats("voltages") {
		if v > 0 {
			cells = append(cells, v)
		}
	}
	out[KeyCellCount] = float64(len(cells))

	if len(cells) > 0 {
		lo, hi := minMax(cells)
		out[KeyMinVoltage] = bms.RoundTo(lo, derivedPrecision)
		out[KeyMaxVoltage] = bms.RoundTo(hi, derivedPrecision)

		resistances := rec.Floats("resistances")
		if len(resistances) > len(cells) {
			resistances = resistances[:len(cells)]
		}
		if len(resistances) > 0 {
			out[KeyAverageCellResistance] = bms.RoundTo(mean(resistances), derivedPrecision)
		}
	}

	if temps := rec.Floats("temperatureProbes"); len(temps) > 0 {
		lo, hi := minMax(temps)
		out[KeyAverageTemperature] = bms.RoundTo(mean(temps), 1)
		out[KeyMinTemperature] = lo
		out[KeyMaxTemperature] = hi
	}

	return out
}

func minMax(values []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
