// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"fmt"
	"strconv"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"

	"github.com/zapline/zapflash/cmd/zapflash/directory"
)

const markersCfgKey = "markers"

// markerConfig is the stored marker pair; either field may be empty, in
// which case the firmware-format default applies.
type markerConfig struct {
	Serial    string `mapstructure:"serial"`
	PublicKey string `mapstructure:"public-key"`
}

func ConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configure zapflash",
		Long:  "Store per-operator defaults (port, baud rate, marker patterns) in the user config.",
	}

	cmd.AddCommand(
		configPortCmd(),
		configBaudCmd(),
		configMarkersCmd(),
	)
	return cmd
}

func configPortCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "port [PORT]",
		Short:        "Set or show the default serial port",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := directory.GetUserConfig()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				if port := cfg.GetString("port"); port != "" {
					fmt.Println(port)
				} else {
					fmt.Println("No default port configured; ports are auto-detected.")
				}
				return nil
			}
			cfg.Set("port", args[0])
			return directory.WriteConfig(cfg)
		},
	}
	return cmd
}

func configBaudCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "baud [RATE]",
		Short:        "Set or show the default flashing baud rate",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := directory.GetUserConfig()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				fmt.Println(configuredUint("baud", 460800))
				return nil
			}
			rate, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil || rate == 0 {
				return fmt.Errorf("invalid baud rate '%s'", args[0])
			}
			cfg.Set("baud", uint(rate))
			return directory.WriteConfig(cfg)
		},
	}
	return cmd
}

func configMarkersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "markers",
		Short:        "Set or show the boot-log marker patterns",
		Long:         "The marker patterns are the regular expressions used to pull the serial\nnumber and public key out of the firmware's boot log.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := directory.GetUserConfig()
			if err != nil {
				return err
			}

			serialPattern, err := cmd.Flags().GetString("serial")
			if err != nil {
				return err
			}
			keyPattern, err := cmd.Flags().GetString("public-key")
			if err != nil {
				return err
			}

			if serialPattern == "" && keyPattern == "" {
				markers, err := storedMarkers()
				if err != nil {
					return err
				}
				if markers.Serial == "" {
					markers.Serial = DefaultSerialPattern
				}
				if markers.PublicKey == "" {
					markers.PublicKey = DefaultPublicKeyPattern
				}
				fmt.Printf("serial:     %s\n", markers.Serial)
				fmt.Printf("public-key: %s\n", markers.PublicKey)
				return nil
			}

			// Reject patterns that would never compile at run time.
			current, err := storedMarkers()
			if err != nil {
				return err
			}
			if serialPattern != "" {
				current.Serial = serialPattern
			}
			if keyPattern != "" {
				current.PublicKey = keyPattern
			}
			checkSerial, checkKey := current.Serial, current.PublicKey
			if checkSerial == "" {
				checkSerial = DefaultSerialPattern
			}
			if checkKey == "" {
				checkKey = DefaultPublicKeyPattern
			}
			if _, err := CompileMarkers(checkSerial, checkKey); err != nil {
				return err
			}

			if serialPattern != "" {
				cfg.Set(markersCfgKey+".serial", serialPattern)
			}
			if keyPattern != "" {
				cfg.Set(markersCfgKey+".public-key", keyPattern)
			}
			return directory.WriteConfig(cfg)
		},
	}
	cmd.Flags().String("serial", "", "marker pattern for the serial number")
	cmd.Flags().String("public-key", "", "marker pattern for the public key")
	return cmd
}

func storedMarkers() (markerConfig, error) {
	cfg, err := directory.GetUserConfig()
	if err != nil {
		return markerConfig{}, err
	}
	var markers markerConfig
	if raw := cfg.Get(markersCfgKey); raw != nil {
		if err := mapstructure.Decode(raw, &markers); err != nil {
			return markerConfig{}, fmt.Errorf("invalid markers in user config: %w", err)
		}
	}
	return markers, nil
}

func configuredString(key string) string {
	cfg, err := directory.GetUserConfig()
	if err != nil {
		return ""
	}
	return cfg.GetString(key)
}

func configuredUint(key string, fallback uint) uint {
	cfg, err := directory.GetUserConfig()
	if err != nil {
		return fallback
	}
	if !cfg.IsSet(key) {
		return fallback
	}
	return cfg.GetUint(key)
}
