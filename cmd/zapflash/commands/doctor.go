// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zapline/zapflash/cmd/zapflash/directory"
)

func DoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "doctor",
		Short:        "Check the flashing setup without touching a device",
		Long:         "Check that esptool is installed and that a usable firmware image set can be\nresolved, and report what a run would flash.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := cmd.Flags().GetString("dir")
			if err != nil {
				return err
			}
			project, err := cmd.Flags().GetString("project")
			if err != nil {
				return err
			}

			healthy := true
			report := func(ok bool, format string, args ...interface{}) {
				if ok {
					color.Green("✓ "+format, args...)
				} else {
					color.Red("✗ "+format, args...)
					healthy = false
				}
			}

			esptool, err := directory.GetEsptoolPath()
			report(err == nil, "esptool: %s", firstNonEmpty(esptool, fmt.Sprint(err)))

			binaries, err := ResolveBinaries(dir, project)
			if err != nil {
				report(false, "firmware images: %v", err)
			} else {
				report(true, "firmware images (%s):", binaries.Label)
				for _, image := range binaries.Images {
					ok := image.Size > 0
					report(ok, "  0x%-6x %-16s %s (%d bytes)", image.Offset, image.Kind, image.Path, image.Size)
				}
				for _, missing := range binaries.Missing {
					color.Yellow("! no %s image (fine for merged builds)", missing)
				}
			}

			candidates, err := CandidatePorts()
			switch {
			case err != nil:
				report(false, "serial ports: %v", err)
			case len(candidates) == 0:
				color.Yellow("! no candidate serial ports right now (plug in a device)")
			default:
				report(true, "candidate serial ports: %v", candidates)
			}

			if !healthy {
				return fmt.Errorf("setup is not ready")
			}
			return nil
		},
	}

	cmd.Flags().String("dir", "", "directory holding the firmware images")
	cmd.Flags().String("project", "", "project name; images are taken from ../<name>/build")
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
