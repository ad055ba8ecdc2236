// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Statistics tracks fragment and frame statistics and error rates.
// It is safe for concurrent use.
type Statistics struct {
	mu sync.Mutex

	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	Fragments         uint64
	Frames            uint64
	ValidFrames       uint64
	ChecksumErrors    uint64
	DecodeErrors      uint64
	OrphanFragments   uint64
	UnknownSignatures uint64
	Overflows         uint64
	OversizedFrames   uint64
	AnomalousValues   uint64
	Anomalies         map[AnomalyType]uint64
	PerResponse       map[string]uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
		Anomalies:      make(map[AnomalyType]uint64),
		PerResponse:    make(map[string]uint64),
	}
}

// Update updates statistics based on a framer event and its validation errors
func (s *Statistics) Update(ev Event, validationErrors []ValidationError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Fragments++
	s.LastUpdateTime = time.Now()

	switch ev.Kind {
	case EventOrphan:
		s.OrphanFragments++
		return
	case EventOverflow:
		s.Overflows++
		return
	case EventUnknownSignature:
		s.UnknownSignatures++
		return
	case EventEmpty, EventPartial:
		return
	}

	// A complete frame from here on
	s.Frames++
	if ev.Excess > 0 {
		s.OversizedFrames++
	}

	switch ev.Kind {
	case EventChecksumError:
		s.ChecksumErrors++
		return
	case EventDecodeError:
		s.DecodeErrors++
		return
	}

	if ev.Response != nil {
		s.PerResponse[ev.Response.Name]++
	}

	if len(validationErrors) > 0 {
		s.AnomalousValues++
		for _, err := range validationErrors {
			s.Anomalies[err.Type]++
		}
		return
	}

	s.ValidFrames++
}

func (s *Statistics) errorCount() uint64 {
	return s.ChecksumErrors + s.DecodeErrors + s.OrphanFragments + s.UnknownSignatures + s.Overflows + s.AnomalousValues
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calculateRates()
}

func (s *Statistics) calculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.Frames) / elapsed
		s.ErrorRate = float64(s.errorCount()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calculateRates()

	percent := func(n uint64) float64 {
		if s.Frames == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.Frames)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Fragments:       %8d\n", s.Fragments)
	result += fmt.Sprintf("Frames:          %8d\n", s.Frames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, percent(s.ValidFrames))

	if s.ChecksumErrors > 0 {
		result += fmt.Sprintf("Checksum Errors: %8d (%.1f%%)\n", s.ChecksumErrors, percent(s.ChecksumErrors))
	}
	if s.DecodeErrors > 0 {
		result += fmt.Sprintf("Decode Errors:   %8d (%.1f%%)\n", s.DecodeErrors, percent(s.DecodeErrors))
	}
	if s.OversizedFrames > 0 {
		result += fmt.Sprintf("Oversized:       %8d\n", s.OversizedFrames)
	}
	if s.OrphanFragments > 0 {
		result += fmt.Sprintf("Orphan Frags:    %8d\n", s.OrphanFragments)
	}
	if s.UnknownSignatures > 0 {
		result += fmt.Sprintf("Unknown Types:   %8d\n", s.UnknownSignatures)
	}
	if s.Overflows > 0 {
		result += fmt.Sprintf("Overflows:       %8d\n", s.Overflows)
	}
	if s.AnomalousValues > 0 {
		result += fmt.Sprintf("Anomalous Frames:%8d (%.1f%%)\n", s.AnomalousValues, percent(s.AnomalousValues))
		for _, t := range []AnomalyType{AnomalyCellVoltage, AnomalyCellDelta, AnomalyTemperature, AnomalyPercentage, AnomalyMissingField} {
			if n := s.Anomalies[t]; n > 0 {
				result += fmt.Sprintf("  %-15s %5d\n", t.String()+":", n)
			}
		}
	}
	names := make([]string, 0, len(s.PerResponse))
	for name := range s.PerResponse {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		result += fmt.Sprintf("  %-15s %5d\n", name+":", s.PerResponse[name])
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Snapshot returns a copy of the counters
func (s *Statistics) Snapshot() *Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := &Statistics{
		StartTime:         s.StartTime,
		LastUpdateTime:    s.LastUpdateTime,
		Fragments:         s.Fragments,
		Frames:            s.Frames,
		ValidFrames:       s.ValidFrames,
		ChecksumErrors:    s.ChecksumErrors,
		DecodeErrors:      s.DecodeErrors,
		OrphanFragments:   s.OrphanFragments,
		UnknownSignatures: s.UnknownSignatures,
		Overflows:         s.Overflows,
		OversizedFrames:   s.OversizedFrames,
		AnomalousValues:   s.AnomalousValues,
		Anomalies:         make(map[AnomalyType]uint64, len(s.Anomalies)),
		PerResponse:       make(map[string]uint64, len(s.PerResponse)),
		FrameRate:         s.FrameRate,
		ErrorRate:         s.ErrorRate,
	}
	for k, v := range s.Anomalies {
		cp.Anomalies[k] = v
	}
	for k, v := range s.PerResponse {
		cp.PerResponse[k] = v
	}
	return cp
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.StartTime = now
	s.LastUpdateTime = now
	s.Fragments = 0
	s.Frames = 0
	s.ValidFrames = 0
	s.ChecksumErrors = 0
	s.DecodeErrors = 0
	s.OrphanFragments = 0
	s.UnknownSignatures = 0
	s.Overflows = 0
	s.OversizedFrames = 0
	s.AnomalousValues = 0
	s.Anomalies = make(map[AnomalyType]uint64)
	s.PerResponse = make(map[string]uint64)
	s.FrameRate = 0
	s.ErrorRate = 0
}
