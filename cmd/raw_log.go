// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/bms"
	"github.com/Thermoquad/bmsmon/pkg/session"
	"github.com/spf13/cobra"
)

var (
	rawLogHex       bool
	rawLogFragments bool
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display every reassembled frame with all decoded fields",
	Long: `Continuously decode and display JK-BMS frames as they arrive.

Unlike monitor, framing fields (header, signature, frame counter and
checksum) are shown alongside the readings, together with the result of the
checksum check. With --hex the raw frame is dumped too, and with
--fragments every BLE notification is printed as it arrives.

Supports serial, WebSocket and simulator transports.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().BoolVar(&rawLogHex, "hex", false, "Dump raw frame bytes")
	rawLogCmd.Flags().BoolVar(&rawLogFragments, "fragments", false, "Print every notification fragment")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schema, err := loadSchema()
	if err != nil {
		return err
	}
	t, err := OpenTransport(ctx, schema)
	if err != nil {
		return err
	}
	defer t.Close()

	printHeader("Raw Frame Log", [2]string{"Connection", t.Info})
	fmt.Printf("Press Ctrl+C to exit\n\n")

	var tr session.Transport = t
	if rawLogFragments {
		tr = &tapTransport{Transport: t, tap: printFragment}
	}

	lost := make(chan struct{}, 1)
	s, err := newSession(schema, tr, session.Callbacks{
		OnStatusChange: printStatus,
		OnDisconnected: func(session.DisconnectReason) {
			select {
			case lost <- struct{}{}:
			default:
			}
		},
		OnDataReceived: func(response string, data session.Data) {
			fmt.Print(bms.FormatRecord(response, mergeRecords(data.Internal, data.Values), data.Timestamp))
			fmt.Printf("  %-22s %s\n", "checksum status:", okStyle.Render("OK"))
			if rawLogHex {
				fmt.Print(bms.FormatFrame(data.Frame))
			}
			fmt.Println()
		},
		OnError:              printError,
		OnRequestDeviceError: printError,
	})
	if err != nil {
		return err
	}
	// Checksum failures never reach OnDataReceived, they only count
	defer func() {
		if n := s.Statistics().Snapshot().ChecksumErrors; n > 0 {
			fmt.Printf("%s %d frames failed the checksum\n", errorStyle.Render("CHECKSUM:"), n)
		}
	}()

	if err := connectDevice(ctx, s); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	select {
	case <-ctx.Done():
		_ = s.Disconnect(session.ReasonUser)
	case <-lost:
		fmt.Println("Connection closed")
	}
	return nil
}

// mergeRecords returns one record holding the keys of all given records
func mergeRecords(records ...bms.Record) bms.Record {
	out := make(bms.Record)
	for _, r := range records {
		for k, v := range r {
			out[k] = v
		}
	}
	return out
}

func printFragment(fragment []byte) {
	fmt.Printf("[%s] %s %d bytes\n", timestamp(time.Now()), labelStyle.Render("FRAGMENT"), len(fragment))
	fmt.Print(bms.FormatFrame(fragment))
}

// tapTransport hands every notification fragment to tap before the session
// sees it
type tapTransport struct {
	session.Transport
	tap func([]byte)
}

func (t *tapTransport) Connect(ctx context.Context, p session.Peripheral) (session.Connection, error) {
	conn, err := t.Transport.Connect(ctx, p)
	if err != nil {
		return nil, err
	}
	return &tapConn{Connection: conn, tap: t.tap}, nil
}

type tapConn struct {
	session.Connection
	tap func([]byte)
}

func (c *tapConn) Characteristic(ctx context.Context, service, characteristic uint16) (session.Characteristic, error) {
	ch, err := c.Connection.Characteristic(ctx, service, characteristic)
	if err != nil {
		return nil, err
	}
	return &tapChar{Characteristic: ch, tap: c.tap}, nil
}

type tapChar struct {
	session.Characteristic
	tap func([]byte)
}

func (c *tapChar) OnNotification(fn func([]byte)) {
	c.Characteristic.OnNotification(func(b []byte) {
		c.tap(b)
		fn(b)
	})
}
