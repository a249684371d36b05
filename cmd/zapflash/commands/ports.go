// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

func PortsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "ports",
		Short:        "List serial ports",
		Long:         "List available serial ports with their USB details. Candidate ports are the\nones zapflash would consider when auto-detecting.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := cmd.Flags().GetBool("all")
			if err != nil {
				return err
			}

			ports, err := enumerator.GetDetailedPortsList()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("No serial ports found.")
				return nil
			}

			shown := 0
			for _, p := range ports {
				candidate := isPortCandidate(p)
				if !all && !candidate {
					continue
				}
				shown++
				marker := " "
				if candidate {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, p.Name)
				if p.IsUSB {
					vendor := usbSerialVendors[strings.ToUpper(p.VID)]
					if vendor == "" {
						vendor = "unknown vendor"
					}
					fmt.Printf("    USB %s:%s (%s)", p.VID, p.PID, vendor)
					if p.SerialNumber != "" {
						fmt.Printf(" serial %s", p.SerialNumber)
					}
					fmt.Println()
				}
				if p.Product != "" {
					fmt.Printf("    %s\n", p.Product)
				}
			}
			if shown == 0 {
				fmt.Println("No candidate ports found; rerun with --all to see everything.")
			}
			return nil
		},
	}

	cmd.Flags().Bool("all", false, "if set, will show all ports, not just ESP32 candidates")
	return cmd
}
