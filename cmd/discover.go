// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/transport"
	"github.com/spf13/cobra"
)

var (
	discoverTimeout int
	discoverPorts   bool
	discoverNet     bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List serial ports and BLE gateways",
	Long: `List the places a BLE gateway can be reached.

Serial ports are listed from the operating system. Network gateways are found
with mDNS (service type _bmsgw._tcp). Each gateway is shown with the URL
to pass to --url.

Exit codes:
  0 - At least one port or gateway found
  1 - Nothing found`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().IntVar(&discoverTimeout, "timeout", 5, "Timeout in seconds for the mDNS search")
	discoverCmd.Flags().BoolVar(&discoverPorts, "ports", true, "List serial ports")
	discoverCmd.Flags().BoolVar(&discoverNet, "network", true, "Search for network gateways")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	found := 0

	if discoverPorts {
		fmt.Println(titleStyle.Render("Serial ports"))
		ports, err := transport.ListSerialPorts()
		if err != nil {
			fmt.Printf("  %s %v\n", errorStyle.Render("error:"), err)
		}
		sort.Strings(ports)
		for _, p := range ports {
			fmt.Printf("  %s\n", p)
		}
		if len(ports) == 0 && err == nil {
			fmt.Println("  (none)")
		}
		found += len(ports)
		fmt.Println()
	}

	if discoverNet {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Gateways (%ds)", discoverTimeout)))
		scanner := transport.NewScanner()
		scanner.Timeout = time.Duration(discoverTimeout) * time.Second

		gateways, err := scanner.Scan(context.Background())
		if err != nil {
			fmt.Printf("  %s %v\n", errorStyle.Render("error:"), err)
		}
		for _, g := range gateways {
			fmt.Print(boxStyle.Render(formatGateway(g)))
			fmt.Println()
		}
		if len(gateways) == 0 && err == nil {
			fmt.Println("  (none)")
		}
		found += len(gateways)
	}

	if found == 0 {
		os.Exit(1)
	}
	return nil
}

func formatGateway(g transport.Gateway) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", okStyle.Render(g.Instance))
	fmt.Fprintf(&sb, "Host: %s (%s:%d)\n", g.Hostname, g.IP, g.Port)
	fmt.Fprintf(&sb, "URL:  %s", g.URL())

	keys := make([]string, 0, len(g.Metadata))
	for k := range g.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n%s %s", labelStyle.Render(k+":"), g.Metadata[k])
	}
	return sb.String()
}
