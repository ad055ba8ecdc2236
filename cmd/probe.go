// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/session"
	"github.com/spf13/cobra"
)

// Probe exit codes
const (
	probeOK        = 0
	probeTimeout   = 1
	probeConnError = 2
)

var probeTimeoutSecs int

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Test the link by waiting for one valid frame",
	Long: `Connect to a pack and wait for any valid JK-BMS frame until timeout.

The frame must pass the checksum and decode against the protocol. Fragments
and noise before it are ignored.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Transport or connection error

Useful for testing a gateway and a pack from scripts.`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().IntVar(&probeTimeoutSecs, "timeout", 15, "Timeout in seconds to connect and receive a frame")
}

func runProbe(cmd *cobra.Command, args []string) error {
	code, err := probe(time.Duration(probeTimeoutSecs) * time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
	return nil
}

// probe returns the exit code and a message for stderr
func probe(timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	schema, err := loadSchema()
	if err != nil {
		return probeConnError, err
	}
	t, err := OpenTransport(ctx, schema)
	if err != nil {
		return probeConnError, fmt.Errorf("Connection error: %v", err)
	}
	defer t.Close()

	printHeader("Probe",
		[2]string{"Connection", t.Info},
		[2]string{"Timeout", timeout.String()},
	)

	frames := make(chan session.Data, 1)
	s, err := newSession(schema, t, session.Callbacks{
		OnDataReceived: func(_ string, data session.Data) {
			select {
			case frames <- data:
			default:
			}
		},
	})
	if err != nil {
		return probeConnError, err
	}
	defer s.Disconnect(session.ReasonUser)

	if err := connectDevice(ctx, s); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return probeTimeout, fmt.Errorf("TIMEOUT: no device connected within %s", timeout)
		}
		return probeConnError, fmt.Errorf("Connection error: %v", err)
	}

	select {
	case data := <-frames:
		id := s.Identity()
		fmt.Printf("%s Received valid frame\n", okStyle.Render("SUCCESS:"))
		if id != nil {
			fmt.Printf("  Device: %s (%s)\n", id.Name, id.ID)
		}
		fmt.Printf("  Response: %s\n", data.Response)
		fmt.Printf("  Length: %d bytes\n", len(data.Frame))
		if sum, ok := data.Internal.String("checksum"); ok {
			fmt.Printf("  Checksum: %s\n", sum)
		}
		return probeOK, nil

	case <-ctx.Done():
		return probeTimeout, fmt.Errorf("TIMEOUT: no valid frame received within %s", timeout)
	}
}
