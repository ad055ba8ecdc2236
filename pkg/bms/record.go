// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import "sort"

// Record maps field keys to decoded values. Values are float64 (numeric),
// string (text), bool (boolean), []byte (raw) or whatever an extractor
// returns. Keys written by several fields hold a []interface{} in offset order.
type Record map[string]interface{}

// Keys returns the record keys sorted alphabetically
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Float returns a numeric value. A sequence yields its first element.
func (r Record) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case []interface{}:
		if len(v) > 0 {
			f, ok := v[0].(float64)
			return f, ok
		}
	}
	return 0, false
}

// Floats returns the numeric values under key as a slice. A scalar yields
// a one element slice. Non-numeric elements are skipped.
func (r Record) Floats(key string) []float64 {
	switch v := r[key].(type) {
	case float64:
		return []float64{v}
	case []interface{}:
		out := make([]float64, 0, len(v))
		for _, e := range v {
			if f, ok := e.(float64); ok {
				out = append(out, f)
			}
		}
		return out
	}
	return nil
}

// String returns a text value
func (r Record) String(key string) (string, bool) {
	s, ok := r[key].(string)
	return s, ok
}

// Bool returns a boolean value
func (r Record) Bool(key string) (bool, bool) {
	b, ok := r[key].(bool)
	return b, ok
}

// Split moves the keys selected by internal into a second record
func (r Record) Split(internal func(string) bool) (public Record, private Record) {
	public = make(Record, len(r))
	private = make(Record)
	for k, v := range r {
		if internal(k) {
			private[k] = v
		} else {
			public[k] = v
		}
	}
	return public, private
}

// accumulate stores v under key. The first value stays scalar, the second
// turns the entry into an ordered sequence.
func (r Record) accumulate(key string, v interface{}, multi map[string]bool) {
	prev, exists := r[key]
	if !exists {
		r[key] = v
		return
	}
	if multi[key] {
		r[key] = append(prev.([]interface{}), v)
		return
	}
	multi[key] = true
	r[key] = []interface{}{prev, v}
}
