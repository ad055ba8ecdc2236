// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package datalog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// FormatVersion is written into every saved log
const FormatVersion = 1

type snapshot struct {
	Version  int       `cbor:"1,keyasint"`
	Response string    `cbor:"2,keyasint"`
	Paused   bool      `cbor:"3,keyasint,omitempty"`
	PausedAt time.Time `cbor:"4,keyasint"`
	Points   []Point   `cbor:"5,keyasint"`
}

var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("datalog: cbor encoder: %v", err))
	}
	encMode = mode
}

// Save writes the log and its paused state to w as CBOR
func (l *Logger) Save(w io.Writer) error {
	l.mu.Lock()
	snap := snapshot{
		Version:  FormatVersion,
		Response: l.response,
		Paused:   l.paused,
		PausedAt: l.pausedAt,
		Points:   append([]Point(nil), l.points...),
	}
	l.mu.Unlock()

	if err := encMode.NewEncoder(w).Encode(snap); err != nil {
		return fmt.Errorf("failed to encode data log: %w", err)
	}
	return nil
}

// Load replaces the log with one written by Save. The newest points are
// kept when the saved log is larger than the limit.
func (l *Logger) Load(r io.Reader) error {
	var snap snapshot
	if err := cbor.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode data log: %w", err)
	}
	if snap.Version != FormatVersion {
		return fmt.Errorf("unsupported data log version %d", snap.Version)
	}
	if snap.Response != "" && snap.Response != l.response {
		return fmt.Errorf("data log holds %s, not %s", snap.Response, l.response)
	}

	points := snap.Points
	if len(points) > l.limit {
		points = points[len(points)-l.limit:]
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.points = append([]Point(nil), points...)
	l.paused = snap.Paused
	l.pausedAt = snap.PausedAt
	return nil
}

// SaveFile writes the log to path atomically
func (l *Logger) SaveFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data log directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create data log: %w", err)
	}
	if err := l.Save(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write data log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to save data log: %w", err)
	}
	return nil
}

// LoadFile reads a log saved by SaveFile. A missing file leaves the log
// empty and is not an error.
func (l *Logger) LoadFile(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open data log: %w", err)
	}
	defer f.Close()
	return l.Load(f)
}
