// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"

	"github.com/Thermoquad/bmsmon/pkg/bms"
	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema [response...]",
	Short: "Print the protocol layout and command frames",
	Long: `Print the JK-BMS protocol as loaded: every response with its signature,
length and field offsets, followed by the wire frame of every command.

Pass response names to limit the output, for example:
  bmsmon schema LIVE_DATA`,
	RunE: runSchema,
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}

func runSchema(cmd *cobra.Command, args []string) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("%s (service 0x%04x, characteristic 0x%04x)",
		schema.Name, schema.ServiceUUID, schema.CharacteristicUUID)))
	fmt.Println()

	responses := schema.Responses()
	if len(args) > 0 {
		responses = responses[:0:0]
		for _, name := range args {
			spec, ok := schema.Response(strings.ToUpper(name))
			if !ok {
				return fmt.Errorf("unknown response %q", name)
			}
			responses = append(responses, spec)
		}
	}
	for _, spec := range responses {
		fmt.Print(bms.FormatLayout(spec))
		fmt.Println()
	}

	if len(args) > 0 {
		return nil
	}

	fmt.Println(titleStyle.Render("Commands"))
	for _, c := range schema.Commands() {
		frame, err := schema.BuildCommand(c.Name, nil)
		if err != nil {
			return err
		}
		resp := "-"
		if c.Response != "" {
			resp = c.Response
		}
		fmt.Printf("  %-20s -> %-12s %s\n", c.Name, resp, bms.BytesToHex(frame))
	}
	return nil
}
