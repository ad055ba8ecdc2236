// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/Thermoquad/bmsmon/internal/config"
	"github.com/Thermoquad/bmsmon/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	logLevel   string

	// Transport flags
	transportKind string
	portName      string
	baudRate      int
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool
	deviceID      string

	// Set by the persistent pre-run
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bmsmon",
	Short: "JK-BMS Bluetooth telemetry monitor",
	Long: `bmsmon - A CLI tool for monitoring JK-BMS battery management systems over BLE.

The host has no Bluetooth stack of its own. BLE traffic goes through a gateway
that speaks the bmsmon bridge protocol, either on a serial port or over a
WebSocket. A built-in simulator stands in for a pack when no hardware is at hand.

Transports:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url wss://host/ble [--username user]
             (without --url the gateway is found with mDNS)
  Simulator: --transport sim

Settings are read from the configuration file and overridden by flags. For
WebSocket authentication the password is read from the BMSMON_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default is the per-user config directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (default silent)")

	rootCmd.PersistentFlags().StringVarP(&transportKind, "transport", "t", "", "Transport: serial, websocket or sim")
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Gateway serial port")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "Gateway WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
	rootCmd.PersistentFlags().StringVar(&deviceID, "device", "", "Only connect to this BLE address")
}

// loadSettings reads the configuration file, applies flag overrides and
// builds the logger
func loadSettings(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
		configPath = path
	}

	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	applyFlags(cmd, loaded)
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded

	logger, err = logging.New(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	logger.Debug("Configuration loaded", zap.String("path", path), zap.String("transport", cfg.Transport.Kind))
	return nil
}

// applyFlags copies explicitly set flags over the file values. A port or
// URL implies its transport unless --transport says otherwise.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("port") {
		c.Transport.Port = portName
		c.Transport.Kind = config.TransportSerial
	}
	if flags.Changed("url") {
		c.Transport.URL = wsURL
		c.Transport.Kind = config.TransportWebSocket
	}
	if flags.Changed("transport") {
		c.Transport.Kind = transportKind
	}
	if flags.Changed("baud") {
		c.Transport.Baud = baudRate
	}
	if flags.Changed("username") {
		c.Transport.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		c.Transport.NoSSLVerify = wsNoSSLVerify
	}
	if flags.Changed("device") {
		c.Transport.Device = deviceID
	}
	if flags.Changed("log-level") {
		c.Log.Level = logLevel
	}
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
