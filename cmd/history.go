// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/bmsmon/internal/sink"
	"github.com/Thermoquad/bmsmon/pkg/bms"
	"github.com/spf13/cobra"
)

var (
	historyDB       string
	historyResponse string
	historyLimit    int
	historyPrune    time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show records stored by monitor --db",
	Long: `Print the newest records from the SQLite history, newest first.

The database defaults to store.path from the configuration file. Records can
be limited to one device (--device) and one response (--response).

With --prune, records older than the given age are deleted instead, for
example --prune 720h keeps the last thirty days.`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyDB, "db", "", "SQLite history database path")
	historyCmd.Flags().StringVarP(&historyResponse, "response", "r", "", "Only this response (LIVE_DATA, SETTINGS, DEVICE_INFO)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of records")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "Delete records older than this age")
}

func runHistory(cmd *cobra.Command, args []string) error {
	path := cfg.Store.Path
	if cmd.Flags().Changed("db") {
		path = historyDB
	}
	if path == "" {
		return fmt.Errorf("no history database (use --db or set store.path)")
	}

	store, err := sink.OpenStore(path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	if historyPrune > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-historyPrune))
		if err != nil {
			return fmt.Errorf("prune failed: %w", err)
		}
		fmt.Printf("Deleted %d records older than %s\n", n, historyPrune)
		return nil
	}

	rows, err := store.Recent(ctx, sink.Query{
		Device:   cfg.Transport.Device,
		Response: strings.ToUpper(historyResponse),
		Limit:    historyLimit,
	})
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	if len(rows) == 0 {
		fmt.Println("No records")
		return nil
	}

	for _, r := range rows {
		fmt.Printf("%s %s (%s)\n", labelStyle.Render(r.Timestamp.Format("2006-01-02")), r.Device.Name, r.Device.ID)
		fmt.Print(bms.FormatRecord(r.Response, r.Values, r.Timestamp))
	}
	return nil
}
