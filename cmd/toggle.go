// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/jkbms"
	"github.com/Thermoquad/bmsmon/pkg/session"
	"github.com/spf13/cobra"
)

var toggleConfirmTimeout int

var toggleCmd = &cobra.Command{
	Use:   "toggle <charging|discharging> <on|off>",
	Short: "Enable or disable charging or discharging",
	Long: `Switch the charge or discharge MOSFET of a pack.

The command is written with a response acknowledgement. The pack confirms
the change by sending fresh SETTINGS, which is waited for and checked.

Examples:
  bmsmon toggle charging off
  bmsmon toggle discharging on --transport sim`,
	Args: cobra.ExactArgs(2),
	RunE: runToggle,
}

func init() {
	rootCmd.AddCommand(toggleCmd)
	toggleCmd.Flags().IntVar(&toggleConfirmTimeout, "timeout", 10, "Seconds to wait for the pack to confirm")
}

// parseSwitch maps the toggle arguments to a target and state
func parseSwitch(target, state string) (charging bool, enabled bool, err error) {
	switch strings.ToLower(target) {
	case "charging", "charge":
		charging = true
	case "discharging", "discharge":
	default:
		return false, false, fmt.Errorf("unknown switch %q (use charging or discharging)", target)
	}

	switch strings.ToLower(state) {
	case "on", "enable", "true", "1":
		enabled = true
	case "off", "disable", "false", "0":
	default:
		return false, false, fmt.Errorf("unknown state %q (use on or off)", state)
	}
	return charging, enabled, nil
}

func runToggle(cmd *cobra.Command, args []string) error {
	charging, enabled, err := parseSwitch(args[0], args[1])
	if err != nil {
		return err
	}
	key := "dischargingEnabled"
	if charging {
		key = "chargingEnabled"
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

	settings := make(chan session.Data, 4)
	s, err := newSession(schema, t, session.Callbacks{
		OnDataReceived: func(response string, data session.Data) {
			if response != jkbms.ResponseSettings {
				return
			}
			select {
			case settings <- data:
			default:
			}
		},
		OnError:              printError,
		OnRequestDeviceError: printError,
	})
	if err != nil {
		return err
	}
	defer s.Disconnect(session.ReasonUser)

	if err := connectDevice(ctx, s); err != nil {
		return err
	}
	id := s.Identity()
	if id != nil {
		fmt.Printf("Connected to %s (%s)\n", id.Name, id.ID)
	}

	// Drain the bootstrap SETTINGS so only the confirmation counts
	drainSettings(settings, 2*time.Second)

	if charging {
		err = s.ToggleCharging(ctx, enabled)
	} else {
		err = s.ToggleDischarging(ctx, enabled)
	}
	if err != nil {
		return fmt.Errorf("toggle failed: %w", err)
	}

	timeout := time.After(time.Duration(toggleConfirmTimeout) * time.Second)
	for {
		select {
		case data := <-settings:
			got, ok := data.Values.Bool(key)
			if !ok {
				continue
			}
			if got != enabled {
				return fmt.Errorf("pack reports %s=%v after toggle", key, got)
			}
			fmt.Printf("%s %s is now %s\n", okStyle.Render("OK:"), args[0], onOff(enabled))
			return nil
		case <-timeout:
			return fmt.Errorf("no SETTINGS confirmation within %d seconds", toggleConfirmTimeout)
		case <-ctx.Done():
			return nil
		}
	}
}

// drainSettings waits for the first SETTINGS record and discards it
func drainSettings(ch <-chan session.Data, wait time.Duration) {
	select {
	case <-ch:
	case <-time.After(wait):
	}
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
