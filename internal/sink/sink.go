// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sink forwards decoded records out of the process.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/Thermoquad/bmsmon/pkg/bms"
	"github.com/Thermoquad/bmsmon/pkg/session"
)

// Sink receives every record a session delivers
type Sink interface {
	Write(ctx context.Context, device session.Identity, data session.Data) error
	Close() error
}

// Multi writes to every sink and joins their errors
type Multi []Sink

// Write implements Sink
func (m Multi) Write(ctx context.Context, device session.Identity, data session.Data) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, device, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flatten turns a record into string fields. Sequences become key.0,
// key.1 and so on.
func Flatten(rec map[string]interface{}) map[string]string {
	out := make(map[string]string, len(rec))
	for key, v := range rec {
		if seq, ok := v.([]interface{}); ok {
			for i, item := range seq {
				out[key+"."+strconv.Itoa(i)] = flatValue(item)
			}
			continue
		}
		out[key] = flatValue(v)
	}
	return out
}

func flatValue(v interface{}) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	case []byte:
		return bms.BytesToHex(x)
	default:
		return fmt.Sprint(x)
	}
}

// sortedKeys returns the keys of m in order
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
