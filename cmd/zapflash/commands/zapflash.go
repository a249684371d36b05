// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"context"

	"github.com/spf13/cobra"
)

type ctxKey string

const (
	ctxKeyInfo ctxKey = "info"
)

type Info struct {
	Version string `mapstructure:"version" yaml:"version" json:"version"`
	Date    string `mapstructure:"date" yaml:"date" json:"date"`
}

func SetInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, ctxKeyInfo, info)
}

func GetInfo(ctx context.Context) Info {
	return ctx.Value(ctxKeyInfo).(Info)
}

func ZapflashCmd(info Info, isReleaseBuild bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zapflash",
		Short: "Flash ESP32-C3 devices one at a time and harvest their identities",
		Long: "Zapflash drives a hardware-production line: connect a device, zapflash writes\n" +
			"the firmware over serial, waits for the fresh firmware's first boot log, pulls\n" +
			"out the device serial number and public key, and appends them to the run's\n" +
			"result files. Unplug the device, plug in the next one, repeat.",
	}

	cmd.AddCommand(
		RunCmd(),
		PortsCmd(),
		DoctorCmd(),
		SerialsCmd(),
		ConfigCmd(),
		VersionCmd(info, isReleaseBuild),
	)
	return cmd
}
