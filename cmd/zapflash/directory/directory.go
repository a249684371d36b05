// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package directory

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	// UserConfigPathEnv if set, will load the user config from that path.
	UserConfigPathEnv = "ZAPFLASH_USER_CONFIG_PATH"
	// EsptoolPathEnv if set, points at the esptool executable to use.
	EsptoolPathEnv = "ZAPFLASH_ESPTOOL_PATH"
)

func GetUserConfigPath() (string, error) {
	if path, ok := os.LookupEnv(UserConfigPathEnv); ok {
		return path, nil
	}

	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homedir, ".config", "zapflash", "config.yaml"), nil
}

func GetUserConfig() (*viper.Viper, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config path: %w", err)
	}

	cfg := viper.New()
	cfg.SetConfigType("yaml")
	cfg.SetConfigFile(path)
	if _, err := os.Stat(path); err == nil {
		if err := cfg.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read user config: %w", err)
		}
	}
	return cfg, nil
}

func WriteConfig(cfg *viper.Viper) error {
	file := cfg.ConfigFileUsed()
	dir := filepath.Dir(file)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	tmpFile := filepath.Join(dir, ".config.tmp.yaml")
	if err := cfg.WriteConfigAs(tmpFile); err != nil {
		return err
	}
	defer os.Remove(tmpFile)

	return os.Rename(tmpFile, file)
}

// GetEsptoolPath finds the external esptool executable. The environment
// variable wins, then the usual names on PATH.
func GetEsptoolPath() (string, error) {
	if path, ok := os.LookupEnv(EsptoolPathEnv); ok {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("the path '%s' from %s does not hold esptool: %w", path, EsptoolPathEnv, err)
		}
		return path, nil
	}

	for _, name := range []string{"esptool.py", "esptool"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("esptool not found on PATH; install it with 'pip install esptool' or set %s", EsptoolPathEnv)
}
