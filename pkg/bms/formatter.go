// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatRecord formats a decoded record into a human-readable string
func FormatRecord(response string, rec Record, timestamp time.Time) string {
	result := fmt.Sprintf("[%s] %s (%d items)\n", timestamp.Format("15:04:05.000"), response, len(rec))
	for _, k := range rec.Keys() {
		result += fmt.Sprintf("  %-22s %s\n", k+":", FormatValue(rec[k]))
	}
	return result
}

// FormatValue renders a single record value
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case string:
		return strconv.Quote(val)
	case bool:
		return strconv.FormatBool(val)
	case []byte:
		if len(val) > 16 {
			return fmt.Sprintf("%s ... (%d bytes)", BytesToHex(val[:16]), len(val))
		}
		return BytesToHex(val)
	case []interface{}:
		parts := make([]string, len(val))
		for i, e := range val {
			parts[i] = FormatValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// FormatLayout lists the fields of a response with their offsets
func FormatLayout(spec *ResponseSpec) string {
	result := fmt.Sprintf("%s signature=%s length=%d fields=%d\n",
		spec.Name, BytesToHex(spec.Signature), spec.Length, len(spec.Fields))
	for _, f := range spec.Fields {
		result += fmt.Sprintf("  %4d  +%-3d %-24s %s\n", f.Offset, f.Length, f.Key, Describe(f.Rule))
	}
	return result
}

// FormatFrame renders bytes as a hex dump with 16 bytes per line
func FormatFrame(frame []byte) string {
	var sb strings.Builder
	for i := 0; i < len(frame); i += 16 {
		end := i + 16
		if end > len(frame) {
			end = len(frame)
		}
		fmt.Fprintf(&sb, "  %04x  %s\n", i, BytesToHex(frame[i:end]))
	}
	return sb.String()
}
