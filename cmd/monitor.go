// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/bmsmon/internal/sink"
	"github.com/Thermoquad/bmsmon/pkg/bms"
	"github.com/Thermoquad/bmsmon/pkg/datalog"
	"github.com/Thermoquad/bmsmon/pkg/jkbms"
	"github.com/Thermoquad/bmsmon/pkg/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	monitorReconnect   bool
	monitorRedis       string
	monitorDB          string
	monitorDataLog     string
	monitorQuiet       bool
	monitorOnlyLive    bool
	errConnectionEnded = errors.New("connection ended")
)

const (
	sinkQueueSize    = 64
	sinkWriteTimeout = 2 * time.Second
	datalogSaveEvery = time.Minute
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Connect to a pack and display its telemetry",
	Long: `Connect to a JK-BMS and continuously display decoded records.

The last connected device is remembered in the configuration file and tried
first on the next run. When it is not in range a new scan is started.

Records can be forwarded while monitoring:
  --redis host:6379   latest record per response in a hash, plus PUBLISH
  --db history.db     every record in a SQLite history
  --datalog log.cbor  bounded LIVE_DATA log, resumed across runs

Press Ctrl+C to disconnect and exit.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorReconnect, "reconnect", false, "Reconnect after the device is lost")
	monitorCmd.Flags().StringVar(&monitorRedis, "redis", "", "Redis address for the live sink")
	monitorCmd.Flags().StringVar(&monitorDB, "db", "", "SQLite history database path")
	monitorCmd.Flags().StringVar(&monitorDataLog, "datalog", "", "Data log file")
	monitorCmd.Flags().BoolVarP(&monitorQuiet, "quiet", "q", false, "Do not print records")
	monitorCmd.Flags().BoolVar(&monitorOnlyLive, "live-only", false, "Only print LIVE_DATA records")
}

type sinkJob struct {
	device session.Identity
	data   session.Data
}

func runMonitor(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if flags.Changed("reconnect") {
		cfg.Session.Reconnect = monitorReconnect
	}
	if flags.Changed("redis") {
		cfg.Redis.Addr = monitorRedis
	}
	if flags.Changed("db") {
		cfg.Store.Path = monitorDB
	}
	if flags.Changed("datalog") {
		cfg.DataLog.Path = monitorDataLog
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schema, err := loadSchema()
	if err != nil {
		return err
	}

	out, err := openSinks(ctx)
	if err != nil {
		return err
	}
	defer out.Close()

	dl, err := openDataLog()
	if err != nil {
		return err
	}

	t, err := OpenTransport(ctx, schema)
	if err != nil {
		return err
	}
	defer t.Close()

	printHeader("Monitor",
		[2]string{"Connection", t.Info},
		[2]string{"Reconnect", fmt.Sprint(cfg.Session.Reconnect)},
	)

	// Sink writes leave the notification path
	jobs := make(chan sinkJob, sinkQueueSize)
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		for job := range jobs {
			wctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
			if err := out.Write(wctx, job.device, job.data); err != nil {
				logger.Warn("Sink write failed", zap.Error(err))
			}
			cancel()
		}
	}()
	defer func() {
		close(jobs)
		<-sinkDone
	}()

	lost := make(chan session.DisconnectReason, 1)
	var s *session.Session
	cb := session.Callbacks{
		OnStatusChange: func(st session.Status) {
			printStatus(st)
			if dl != nil {
				dl.HandleStatus(st)
			}
		},
		OnConnected: func(id session.Identity) {
			fmt.Printf("[%s] %s %s (%s)\n", timestamp(time.Now()), okStyle.Render("CONNECTED"), id.Name, id.ID)
			rememberDevice(id)
		},
		OnDisconnected: func(reason session.DisconnectReason) {
			fmt.Printf("[%s] %s %s\n", timestamp(time.Now()), errorStyle.Render("DISCONNECTED"), reason)
			signalLost(lost, reason)
		},
		OnDataReceived: func(response string, data session.Data) {
			if dl != nil {
				dl.Add(data)
			}
			if !monitorQuiet && (!monitorOnlyLive || response == jkbms.ResponseLiveData) {
				printData(data)
			}
			if out == nil {
				return
			}
			id := s.Identity()
			if id == nil {
				return
			}
			select {
			case jobs <- sinkJob{device: *id, data: data}:
			default:
				logger.Warn("Sink queue full, dropping record", zap.String("response", response))
			}
		},
		OnError:               printError,
		OnRequestDeviceError:  printError,
		OnPreviousUnavailable: printPreviousUnavailable,
	}

	s, err = newSession(schema, t, cb)
	if err != nil {
		return err
	}

	saveTicker := time.NewTicker(datalogSaveEvery)
	defer saveTicker.Stop()
	defer saveDataLog(dl)

	return superviseSession(ctx, s, func(ctx context.Context) error {
		return connectDevice(ctx, s)
	}, lost, saveTicker.C, dl)
}

// signalLost queues reason for superviseSession without blocking the
// session callback
func signalLost(lost chan<- session.DisconnectReason, reason session.DisconnectReason) {
	select {
	case lost <- reason:
	default:
	}
}

// superviseSession connects and waits for the device to go away, then
// reconnects when enabled. The session is disconnected before returning on
// interrupt.
func superviseSession(ctx context.Context, s *session.Session, connect func(context.Context) error, lost chan session.DisconnectReason, save <-chan time.Time, dl *datalog.Logger) error {
	for {
		// A failed attempt tears the session down and reports it here
		drainLost(lost)

		if err := connect(ctx); err != nil {
			if ctx.Err() != nil {
				_ = s.Disconnect(session.ReasonUser)
				return nil
			}
			if !cfg.Session.Reconnect {
				return err
			}
			fmt.Printf("[%s] %s %v\n", timestamp(time.Now()), errorStyle.Render("CONNECT FAILED"), err)
		} else if err := waitSession(ctx, s, lost, save, dl); !errors.Is(err, errConnectionEnded) {
			return err
		}

		if !cfg.Session.Reconnect {
			return nil
		}
		fmt.Printf("Reconnecting in %s...\n", cfg.Session.ReconnectDelay.Std())
		select {
		case <-ctx.Done():
			_ = s.Disconnect(session.ReasonUser)
			return nil
		case <-time.After(cfg.Session.ReconnectDelay.Std()):
		}
	}
}

func drainLost(lost <-chan session.DisconnectReason) {
	for {
		select {
		case <-lost:
		default:
			return
		}
	}
}

// waitSession blocks until the device is lost or the user interrupts.
// It returns errConnectionEnded when the device went away.
func waitSession(ctx context.Context, s *session.Session, lost <-chan session.DisconnectReason, save <-chan time.Time, dl *datalog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nDisconnecting...")
			_ = s.Disconnect(session.ReasonUser)
			return nil
		case <-lost:
			return errConnectionEnded
		case <-save:
			saveDataLog(dl)
		}
	}
}

// connectDevice tries the remembered device first and falls back to a scan
func connectDevice(ctx context.Context, s *session.Session) error {
	if prev := previousIdentity(); prev != nil {
		fmt.Printf("Reconnecting to %s (%s)...\n", prev.Name, prev.ID)
		_, err := s.Connect(ctx, session.ConnectOptions{Previous: prev})
		if err == nil || !errors.Is(err, session.ErrPreviousUnavailable) {
			return err
		}
	}
	fmt.Println("Scanning...")
	_, err := s.Connect(ctx, session.ConnectOptions{})
	return err
}

func printPreviousUnavailable(p *session.Peripheral) {
	if p == nil {
		fmt.Printf("[%s] %s previous device is not authorized\n", timestamp(time.Now()), warningStyle.Render("UNAVAILABLE"))
		return
	}
	fmt.Printf("[%s] %s %s (%s) is not in range\n", timestamp(time.Now()), warningStyle.Render("UNAVAILABLE"), p.Name, p.ID)
}

// printData prints a record. LIVE_DATA gets the derived summary values.
func printData(data session.Data) {
	values := data.Values
	if data.Response == jkbms.ResponseLiveData {
		values = jkbms.Derive(values)
	}
	fmt.Print(bms.FormatRecord(data.Response, values, data.Timestamp))
	if data.HasPrevious {
		fmt.Printf("  %-22s %s\n", "(since last):", data.TimeSinceLastOne.Round(time.Millisecond))
	}
}

// openSinks opens the configured sinks. The result is nil when none are.
func openSinks(ctx context.Context) (sink.Multi, error) {
	var out sink.Multi

	if cfg.Redis.Addr != "" {
		r, err := sink.NewRedis(ctx, sink.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	if cfg.Store.Path != "" {
		st, err := sink.OpenStore(cfg.Store.Path, logger)
		if err != nil {
			out.Close()
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// openDataLog loads the data log file. The result is nil when disabled.
func openDataLog() (*datalog.Logger, error) {
	if cfg.DataLog.Path == "" {
		return nil, nil
	}
	dl := datalog.New(datalog.Options{
		Logger: logger,
		Limit:  cfg.DataLog.Limit,
	})
	if err := dl.LoadFile(cfg.DataLog.Path); err != nil {
		return nil, fmt.Errorf("failed to load data log: %w", err)
	}
	if n := dl.Len(); n > 0 {
		fmt.Printf("Resuming data log with %d points\n", n)
	}
	return dl, nil
}

func saveDataLog(dl *datalog.Logger) {
	if dl == nil {
		return
	}
	if err := dl.SaveFile(cfg.DataLog.Path); err != nil {
		logger.Warn("Failed to save data log", zap.Error(err))
	}
}
