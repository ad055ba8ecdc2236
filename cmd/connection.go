// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/Thermoquad/bmsmon/internal/config"
	"github.com/Thermoquad/bmsmon/pkg/bms"
	"github.com/Thermoquad/bmsmon/pkg/jkbms"
	"github.com/Thermoquad/bmsmon/pkg/session"
	"github.com/Thermoquad/bmsmon/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// PasswordEnvVar holds the gateway password
const PasswordEnvVar = "BMSMON_PASSWORD"

// OpenedTransport is a transport plus whatever must be closed after the
// session is done with it
type OpenedTransport struct {
	session.Transport
	io.Closer
	// Info describes the connection for headers
	Info string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv(PasswordEnvVar); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal, read a plain line
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// OpenTransport opens the transport selected by the configuration
func OpenTransport(ctx context.Context, schema *bms.Schema) (*OpenedTransport, error) {
	tc := cfg.Transport

	switch tc.Kind {
	case config.TransportSim:
		sim := transport.NewSimulator(schema, transport.SimulatorOptions{
			Logger:   logger.Named("sim"),
			Pack:     jkbms.DefaultPack(),
			DeviceID: tc.Device,
		})
		return &OpenedTransport{Transport: sim, Closer: nopCloser{}, Info: "Simulator"}, nil

	case config.TransportWebSocket:
		url := tc.URL
		if url == "" {
			gw, err := findGateway(ctx)
			if err != nil {
				return nil, err
			}
			url = gw.URL()
			fmt.Fprintf(os.Stderr, "Found gateway %s at %s\n", gw.Instance, url)
		}

		password := ""
		if tc.Username != "" {
			var err error
			if password, err = GetPassword(); err != nil {
				return nil, err
			}
		}

		link, err := transport.OpenWebSocketLink(ctx, url, transport.WebSocketOptions{
			Username:      tc.Username,
			Password:      password,
			SkipSSLVerify: tc.NoSSLVerify,
		})
		if err != nil {
			return nil, err
		}
		return newBridgeTransport(link, fmt.Sprintf("WebSocket: %s", url)), nil

	case config.TransportSerial:
		if tc.Port == "" {
			return nil, fmt.Errorf("no serial port set (use --port, --url or --transport sim)")
		}
		link, err := transport.OpenSerialLink(tc.Port, tc.Baud)
		if err != nil {
			return nil, err
		}
		return newBridgeTransport(link, fmt.Sprintf("Serial: %s @ %d baud", tc.Port, tc.Baud)), nil
	}

	return nil, fmt.Errorf("unknown transport %q", tc.Kind)
}

func newBridgeTransport(link transport.Link, info string) *OpenedTransport {
	bridge := transport.NewBridge(link, transport.BridgeOptions{
		Logger:     logger.Named("bridge"),
		Authorized: cfg.Peripherals(),
		Device:     cfg.Transport.Device,
	})
	return &OpenedTransport{Transport: bridge, Closer: bridge, Info: info}
}

func findGateway(ctx context.Context) (transport.Gateway, error) {
	scanner := transport.NewScanner()
	if t := cfg.Transport.DiscoverTimeout.Std(); t > 0 {
		scanner.Timeout = t
	}
	fmt.Fprintf(os.Stderr, "No --url given, looking for a gateway (%s)...\n", scanner.Timeout)
	gw, err := scanner.First(ctx)
	if err != nil {
		return transport.Gateway{}, fmt.Errorf("gateway discovery failed: %w", err)
	}
	return gw, nil
}

// newSession loads the JK-BMS protocol and builds a session over t
func newSession(schema *bms.Schema, t session.Transport, cb session.Callbacks) (*session.Session, error) {
	return session.New(schema, t, session.Options{
		Logger:            logger,
		Callbacks:         cb,
		InactivityTimeout: cfg.Session.InactivityTimeout.Std(),
	})
}

// loadSchema loads the JK-BMS protocol definition
func loadSchema() (*bms.Schema, error) {
	schema, err := jkbms.Schema(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load protocol: %w", err)
	}
	return schema, nil
}

// previousIdentity returns the remembered device unless --device points
// elsewhere
func previousIdentity() *session.Identity {
	prev := cfg.Previous
	if prev == nil {
		return nil
	}
	if d := cfg.Transport.Device; d != "" && !strings.EqualFold(d, prev.ID) {
		return nil
	}
	return prev
}

// rememberDevice stores id as the previous device
func rememberDevice(id session.Identity) {
	cfg.Remember(id)
	if err := cfg.Save(configPath); err != nil {
		logger.Warn("Failed to save configuration", zap.Error(err))
	}
}
