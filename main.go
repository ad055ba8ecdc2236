// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// bmsmon - JK-BMS Bluetooth telemetry monitor
//
// A CLI tool for connecting to JK-BMS battery management systems through a
// BLE gateway and decoding their telemetry in human-readable form.

package main

import (
	"os"

	"github.com/Thermoquad/bmsmon/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
