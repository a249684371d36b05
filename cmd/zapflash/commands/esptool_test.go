// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFlasher() *Flasher {
	return &Flasher{
		Esptool: "/usr/bin/esptool.py",
		Port:    "/dev/ttyUSB0",
		Baud:    460800,
		Chip:    "esp32c3",
	}
}

func Test_writeFlashArgs(t *testing.T) {
	set := &BinarySet{Images: []Image{
		{Kind: ImageBootloader, Offset: 0x0, Path: "bootloader.bin"},
		{Kind: ImagePartitionTable, Offset: 0x8000, Path: "partition-table.bin"},
		{Kind: ImageApplication, Offset: 0x10000, Path: "app.bin"},
	}}

	args := testFlasher().writeFlashArgs(set)
	assert.Equal(t, []string{
		"--port", "/dev/ttyUSB0",
		"--baud", "460800",
		"--chip", "esp32c3",
		"--after", "hard_reset",
		"write_flash",
		"--flash_mode", "dio",
		"--flash_freq", "80m",
		"--flash_size", "detect",
		"0x0", "bootloader.bin",
		"0x8000", "partition-table.bin",
		"0x10000", "app.bin",
	}, args)
}

func Test_eraseArgs(t *testing.T) {
	args := testFlasher().eraseArgs()
	assert.Equal(t, []string{
		"--port", "/dev/ttyUSB0",
		"--baud", "460800",
		"--chip", "esp32c3",
		"erase_flash",
	}, args)
}

func Test_flashFailureCarriesOutput(t *testing.T) {
	flasher := testFlasher()
	flasher.Esptool = "/bin/sh"

	// Stand in for esptool: print a diagnostic and exit non-zero.
	flasher.Port = "unused"
	output, err := flasher.run(context.Background(), []string{"-c", "echo 'A fatal error occurred: no serial data received'; exit 2"})

	assert.Contains(t, output, "no serial data received")
	var flashErr *FlashError
	require.ErrorAs(t, err, &flashErr)
	assert.Contains(t, flashErr.Output, "no serial data received")
	assert.Contains(t, flashErr.Error(), "exit status 2")
}

func Test_flashSuccessReturnsOutput(t *testing.T) {
	flasher := testFlasher()
	flasher.Esptool = "/bin/sh"

	output, err := flasher.run(context.Background(), []string{"-c", "echo 'Hash of data verified.'"})
	require.NoError(t, err)
	assert.Contains(t, output, "Hash of data verified.")
}

func Test_outputTail(t *testing.T) {
	assert.Equal(t, "short", outputTail("  short \n", 1000))

	long := strings.Repeat("x", 2000) + "END"
	tail := outputTail(long, 1000)
	assert.True(t, strings.HasPrefix(tail, "..."))
	assert.True(t, strings.HasSuffix(tail, "END"))
	assert.Len(t, tail, 1003)
}
