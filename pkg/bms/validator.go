// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import "fmt"

// AnomalyType represents different types of record anomalies
type AnomalyType int

const (
	AnomalyCellVoltage AnomalyType = iota
	AnomalyCellDelta
	AnomalyTemperature
	AnomalyPercentage
	AnomalyMissingField
)

func (a AnomalyType) String() string {
	switch a {
	case AnomalyCellVoltage:
		return "cell-voltage"
	case AnomalyCellDelta:
		return "cell-delta"
	case AnomalyTemperature:
		return "temperature"
	case AnomalyPercentage:
		return "percentage"
	case AnomalyMissingField:
		return "missing-field"
	default:
		return fmt.Sprintf("AnomalyType(%d)", int(a))
	}
}

// Plausibility limits used by ValidateRecord
const (
	MaxCellVoltage = 5.0
	MaxCellDelta   = 1.0
	MinTemperature = -40.0
	MaxTemperature = 120.0
)

// ValidationError represents a record validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateRecord checks decoded values for physically implausible readings.
// Only keys present in rec are checked.
// Returns a slice of validation errors (empty if the record is plausible)
func ValidateRecord(rec Record) []ValidationError {
	errors := []ValidationError{}

	if _, ok := rec["voltages"]; ok {
		for i, v := range rec.Floats("voltages") {
			if v < 0 || v > MaxCellVoltage {
				errors = append(errors, ValidationError{
					Type:    AnomalyCellVoltage,
					Message: fmt.Sprintf("Cell %d voltage out of range (%.3fV, valid: 0-%.1fV)", i+1, v, MaxCellVoltage),
					Details: map[string]interface{}{"cell": i + 1, "value": v, "max": MaxCellVoltage},
				})
			}
		}
	}

	if delta, ok := rec.Float("cellVoltageDelta"); ok && (delta < 0 || delta > MaxCellDelta) {
		errors = append(errors, ValidationError{
			Type:    AnomalyCellDelta,
			Message: fmt.Sprintf("Cell voltage delta out of range (%.3fV, max %.1fV)", delta, MaxCellDelta),
			Details: map[string]interface{}{"value": delta, "max": MaxCellDelta},
		})
	}

	for _, key := range []string{"temperatureProbes", "mosTemperature"} {
		for _, t := range rec.Floats(key) {
			if t < MinTemperature || t > MaxTemperature {
				errors = append(errors, ValidationError{
					Type:    AnomalyTemperature,
					Message: fmt.Sprintf("%s out of range (%.1f°C, valid: %.0f to %.0f°C)", key, t, MinTemperature, MaxTemperature),
					Details: map[string]interface{}{"key": key, "value": t, "min": MinTemperature, "max": MaxTemperature},
				})
			}
		}
	}

	if p, ok := rec.Float("percentage"); ok && (p < 0 || p > 100) {
		errors = append(errors, ValidationError{
			Type:    AnomalyPercentage,
			Message: fmt.Sprintf("State of charge out of range (%.0f%%, valid: 0-100%%)", p),
			Details: map[string]interface{}{"value": p},
		})
	}

	return errors
}

// RequireKeys reports every key in keys that rec lacks
func RequireKeys(rec Record, keys ...string) []ValidationError {
	var errors []ValidationError
	for _, k := range keys {
		if _, ok := rec[k]; !ok {
			errors = append(errors, ValidationError{
				Type:    AnomalyMissingField,
				Message: fmt.Sprintf("Missing field %s", k),
				Details: map[string]interface{}{"key": k},
			})
		}
	}
	return errors
}
