// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package datalog keeps a bounded history of live-data points for charting
// and export.
//
// Logging pauses while the device is disconnected. When it resumes, the
// corrected timestamps of earlier points are shifted forward by the pause
// length minus a small gap, so a chart drawn on corrected time has no long
// flat stretch, and a gap marker separates the two runs.
package datalog

import (
	"math"
	"sync"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/jkbms"
	"github.com/Thermoquad/bmsmon/pkg/session"
	"go.uber.org/zap"
)

const (
	// DefaultLimit is the point count that triggers trimming
	DefaultLimit = 10000

	// ResumeGap is left between runs when correcting timestamps
	ResumeGap = 3 * time.Second
)

// Point is one logged live-data sample, or a gap marker
type Point struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	// Corrected excludes time spent paused
	Corrected time.Time     `cbor:"2,keyasint"`
	SinceLast time.Duration `cbor:"3,keyasint,omitempty"`

	Voltage           float64   `cbor:"4,keyasint,omitempty"`
	Current           float64   `cbor:"5,keyasint,omitempty"`
	CellVoltageDelta  float64   `cbor:"6,keyasint,omitempty"`
	RemainingCapacity float64   `cbor:"7,keyasint,omitempty"`
	Percentage        float64   `cbor:"8,keyasint,omitempty"`
	TemperatureProbes []float64 `cbor:"9,keyasint,omitempty"`
	BalanceCurrent    float64   `cbor:"10,keyasint,omitempty"`

	// Gap marks a pause. Only Timestamp is set.
	Gap bool `cbor:"11,keyasint,omitempty"`
}

// Options configure a Logger
type Options struct {
	Logger *zap.Logger
	// Limit of zero selects DefaultLimit
	Limit int
	// Response names the data that is logged. Empty means LIVE_DATA.
	Response string
	// Now overrides the clock in tests
	Now func() time.Time
}

// Logger is a bounded, pausable live-data log. It is safe for concurrent use.
type Logger struct {
	logger   *zap.Logger
	limit    int
	response string
	now      func() time.Time

	mu       sync.Mutex
	points   []Point
	paused   bool
	pausedAt time.Time
}

// New creates an empty, running logger
func New(opts Options) *Logger {
	l := &Logger{
		logger:   opts.Logger,
		limit:    opts.Limit,
		response: opts.Response,
		now:      opts.Now,
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	l.logger = l.logger.Named("datalog")
	if l.limit <= 0 {
		l.limit = DefaultLimit
	}
	if l.response == "" {
		l.response = jkbms.ResponseLiveData
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Add logs d when it is the logged response and the logger is running. It
// reports whether a point was added.
func (l *Logger) Add(d session.Data) bool {
	if d.Response != l.response {
		return false
	}

	p := Point{
		Timestamp:         d.Timestamp,
		Corrected:         d.Timestamp,
		SinceLast:         d.TimeSinceLastOne,
		TemperatureProbes: d.Values.Floats("temperatureProbes"),
	}
	p.Voltage, _ = d.Values.Float("voltage")
	p.Current, _ = d.Values.Float("current")
	p.Current = math.Abs(p.Current)
	p.CellVoltageDelta, _ = d.Values.Float("cellVoltageDelta")
	p.RemainingCapacity, _ = d.Values.Float("remainingCapacity")
	p.Percentage, _ = d.Values.Float("percentage")
	p.BalanceCurrent, _ = d.Values.Float("balanceCurrent")

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		return false
	}

	if len(l.points) > l.limit {
		keep := l.limit - l.limit/4
		l.logger.Warn("Trimming old data log points",
			zap.Int("points", len(l.points)+1), zap.Int("keep", keep))
		l.points = append(l.points, p)
		l.points = append([]Point(nil), l.points[len(l.points)-keep:]...)
	} else {
		l.points = append(l.points, p)
	}
	return true
}

// Stop pauses logging and appends a gap marker when the log is not empty
func (l *Logger) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		l.logger.Warn("Data logger already stopped", zap.Time("since", l.pausedAt))
		return
	}

	l.paused = true
	l.pausedAt = l.now()
	l.logger.Info("Stopping data logger", zap.Time("at", l.pausedAt))

	if len(l.points) > 0 {
		l.points = append(l.points, Point{Timestamp: l.pausedAt, Corrected: l.pausedAt, Gap: true})
	}
}

// Start resumes logging and shifts the corrected timestamps of existing
// points by the pause length minus ResumeGap
func (l *Logger) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.paused {
		l.logger.Warn("Data logger already started")
		return
	}

	shift := l.now().Sub(l.pausedAt) - ResumeGap
	l.paused = false
	l.pausedAt = time.Time{}
	l.logger.Debug("Correcting data log timestamps", zap.Duration("shift", shift))

	for i := range l.points {
		if l.points[i].Gap {
			continue
		}
		l.points[i].Corrected = l.points[i].Corrected.Add(shift)
	}
}

// Reset empties the log and clears the paused state
func (l *Logger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.points = nil
	l.paused = false
	l.pausedAt = time.Time{}
}

// Paused reports whether logging is paused. started is false while the log
// is empty, in which case paused carries no meaning.
func (l *Logger) Paused() (paused, started bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused, len(l.points) > 0
}

// Len returns the number of points including gap markers
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.points)
}

// Points returns a copy of the log
func (l *Logger) Points() []Point {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Point, len(l.points))
	copy(out, l.points)
	return out
}

// HandleStatus follows the session: it stops when the device disconnects
// with data logged and starts again on reconnect
func (l *Logger) HandleStatus(st session.Status) {
	switch st {
	case session.StatusDisconnected:
		if paused, started := l.Paused(); started && !paused {
			l.Stop()
		}
	case session.StatusConnected:
		if paused, _ := l.Paused(); paused {
			l.Start()
		}
	}
}
