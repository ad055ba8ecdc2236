// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sink

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/bms"
	"github.com/Thermoquad/bmsmon/pkg/session"
)

// ============================================================================
// Flatten Tests
// ============================================================================

func TestFlatten(t *testing.T) {
	got := Flatten(map[string]interface{}{
		"voltage":       53.125,
		"cell_voltages": []interface{}{3.3, 3.301},
		"charging":      true,
		"name":          "JK_B2A8S20P",
		"raw":           []byte{0xAA, 0x55},
		"count":         7,
	})

	want := map[string]string{
		"voltage":         "53.125",
		"cell_voltages.0": "3.3",
		"cell_voltages.1": "3.301",
		"charging":        "true",
		"name":            "JK_B2A8S20P",
		"raw":             bms.BytesToHex([]byte{0xAA, 0x55}),
		"count":           "7",
	}
	if len(got) != len(want) {
		t.Fatalf("Flatten() = %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Flatten()[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestHashArgs_Ordered(t *testing.T) {
	data := session.Data{
		Response:  "LIVE_DATA",
		Timestamp: time.UnixMilli(1700000000123),
		Values:    bms.Record{"b": 2.0, "a": 1.0},
	}
	args := hashArgs(session.Identity{ID: "C8:47:80:00:00:01", Name: "JK"}, data)

	var keys []string
	for i := 0; i < len(args); i += 2 {
		keys = append(keys, args[i].(string))
	}
	if strings.Join(keys, ",") != "_device,_timestamp,a,b" {
		t.Errorf("keys = %v", keys)
	}
	if args[3] != "1700000000123" {
		t.Errorf("_timestamp = %v", args[3])
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		device session.Identity
		want   string
	}{
		{session.Identity{ID: "C8:47:80:12:34:56"}, "bms:c84780123456:live_data"},
		{session.Identity{}, "bms:unknown:live_data"},
	}
	for _, tt := range tests {
		if got := Key("bms", tt.device, "LIVE_DATA"); got != tt.want {
			t.Errorf("Key(%+v) = %q, want %q", tt.device, got, tt.want)
		}
	}
}

// ============================================================================
// Multi Tests
// ============================================================================

type recordingSink struct {
	writes int
	err    error
	closed bool
}

func (r *recordingSink) Write(context.Context, session.Identity, session.Data) error {
	r.writes++
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return r.err
}

func TestMulti_WritesAllAndJoinsErrors(t *testing.T) {
	failure := errors.New("boom")
	a := &recordingSink{}
	b := &recordingSink{err: failure}
	c := &recordingSink{}

	m := Multi{a, b, c}
	err := m.Write(context.Background(), session.Identity{}, session.Data{})
	if !errors.Is(err, failure) {
		t.Errorf("Write() error = %v, want %v", err, failure)
	}
	if a.writes != 1 || b.writes != 1 || c.writes != 1 {
		t.Errorf("writes = %d/%d/%d, want 1 each", a.writes, b.writes, c.writes)
	}

	if err := m.Close(); !errors.Is(err, failure) {
		t.Errorf("Close() error = %v", err)
	}
	if !a.closed || !c.closed {
		t.Error("not every sink was closed")
	}
}

func TestMulti_Empty(t *testing.T) {
	if err := (Multi{}).Write(context.Background(), session.Identity{}, session.Data{}); err != nil {
		t.Errorf("Write() error = %v", err)
	}
}

// ============================================================================
// Store Tests
// ============================================================================

func TestStore_WriteRecent(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "db", "history.db"), nil)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	dev := session.Identity{ID: "C8:47:80:00:00:01", Name: "JK_B2A8S20P"}
	other := session.Identity{ID: "C8:47:80:00:00:02", Name: "JK_OTHER"}
	base := time.UnixMilli(1700000000000)

	for i := 0; i < 3; i++ {
		data := session.Data{
			Response:  "LIVE_DATA",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Values: bms.Record{
				"voltage":       52.0 + float64(i),
				"cell_voltages": []interface{}{3.25, 3.26},
			},
		}
		if err := store.Write(ctx, dev, data); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := store.Write(ctx, other, session.Data{Response: "SETTINGS", Timestamp: base, Values: bms.Record{"cell_count": 8.0}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	rows, err := store.Recent(ctx, Query{Device: dev.ID, Response: "LIVE_DATA", Limit: 2})
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Recent() returned %d rows, want 2", len(rows))
	}
	if v, _ := rows[0].Values.Float("voltage"); v != 54.0 {
		t.Errorf("newest voltage = %v, want 54", v)
	}
	if cells := rows[0].Values.Floats("cell_voltages"); len(cells) != 2 || cells[1] != 3.26 {
		t.Errorf("cell_voltages = %v", cells)
	}
	if rows[0].Device != dev || !rows[0].Timestamp.Equal(base.Add(2*time.Second)) {
		t.Errorf("row = %+v", rows[0])
	}

	all, err := store.Recent(ctx, Query{})
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(all) != 4 {
		t.Errorf("Recent(all) returned %d rows, want 4", len(all))
	}
}

func TestStore_Prune(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "history.db"), nil)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.UnixMilli(1700000000000)
	for i := 0; i < 5; i++ {
		data := session.Data{Response: "LIVE_DATA", Timestamp: base.Add(time.Duration(i) * time.Minute), Values: bms.Record{}}
		if err := store.Write(ctx, session.Identity{ID: "X"}, data); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.Prune(ctx, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Prune() = %d, want 2", n)
	}

	rows, _ := store.Recent(ctx, Query{})
	if len(rows) != 3 {
		t.Errorf("%d rows left, want 3", len(rows))
	}
}

// ============================================================================
// Redis Tests
// ============================================================================

func TestNewRedis_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := NewRedis(ctx, RedisOptions{Addr: "127.0.0.1:1"}); err == nil {
		t.Error("NewRedis() succeeded against a closed port")
	}
}
