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
	showAll       bool
	statsInterval int
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Detect and analyze malformed frames and implausible values",
	Long: `Track framing errors, decode failures and anomalous values with statistics.

This command connects to a pack and detects:
  - Checksum failures and frames that do not decode
  - Fragments that arrive without a frame header
  - Unknown response signatures and oversized frames
  - Implausible readings (cell voltage, cell delta, temperatures, SoC)
  - Frame and error rates per response

By default only anomalies are displayed. Use --show-all to display every
record as well. Statistics are printed at a configurable interval and once
more on exit.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all records (not just anomalies)")
	checkCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
}

func runCheck(cmd *cobra.Command, args []string) error {
	if statsInterval <= 0 {
		return fmt.Errorf("--stats-interval must be positive")
	}

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

	mode := "Anomalies only"
	if showAll {
		mode = "All records"
	}
	printHeader("Error Detection",
		[2]string{"Connection", t.Info},
		[2]string{"Statistics interval", fmt.Sprintf("%d seconds", statsInterval)},
		[2]string{"Mode", mode},
	)

	lost := make(chan struct{}, 1)
	s, err := newSession(schema, t, session.Callbacks{
		OnStatusChange: printStatus,
		OnDisconnected: func(session.DisconnectReason) {
			select {
			case lost <- struct{}{}:
			default:
			}
		},
		OnDataReceived: func(response string, data session.Data) {
			if anomalies := bms.ValidateRecord(data.Values); len(anomalies) > 0 {
				printAnomalies(data, anomalies)
			} else if showAll {
				fmt.Print(bms.FormatRecord(response, data.Values, data.Timestamp))
			}
		},
		OnError:              printError,
		OnRequestDeviceError: printError,
	})
	if err != nil {
		return err
	}

	if err := connectDevice(ctx, s); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	ticker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer ticker.Stop()

	var lastErrors uint64
	for {
		select {
		case <-ticker.C:
			lastErrors = printStatistics(s.Statistics(), lastErrors)
		case <-lost:
			printStatistics(s.Statistics(), lastErrors)
			return nil
		case <-ctx.Done():
			_ = s.Disconnect(session.ReasonUser)
			printStatistics(s.Statistics(), lastErrors)
			return nil
		}
	}
}

// printStatistics prints a summary and highlights errors that appeared
// since the previous summary. It returns the current error total.
func printStatistics(stats *bms.Statistics, lastErrors uint64) uint64 {
	snap := stats.Snapshot()
	total := snap.ChecksumErrors + snap.DecodeErrors + snap.OrphanFragments +
		snap.UnknownSignatures + snap.Overflows + snap.OversizedFrames

	fmt.Println()
	fmt.Print(stats.String())
	if total > lastErrors {
		fmt.Println(errorStyle.Render(fmt.Sprintf(">>> %d new framing errors <<<", total-lastErrors)))
	}
	fmt.Println()
	return total
}

func printAnomalies(data session.Data, anomalies []bms.ValidationError) {
	fmt.Printf("[%s] %s %s\n", timestamp(data.Timestamp), warningStyle.Render("ANOMALY:"), data.Response)
	for i, a := range anomalies {
		fmt.Printf("  Issue %d: %s\n", i+1, warningStyle.Render(a.Message))
	}
	if frame, ok := data.Internal.Float("frameNumber"); ok {
		fmt.Printf("  Frame number: %.0f\n", frame)
	}
	fmt.Printf("  >>> RECORD FLAGGED <<<\n\n")
}
