// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// FlashError is a failed esptool invocation, with the tail of its output
// for the operator and the result log.
type FlashError struct {
	Output string
	Err    error
}

func (e *FlashError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("esptool failed: %v", e.Err)
	}
	return fmt.Sprintf("esptool failed: %v\n%s", e.Err, e.Output)
}

func (e *FlashError) Unwrap() error {
	return e.Err
}

// Flasher wraps the external esptool as a black box: build the argument
// list, run it, pass or fail. The wire protocol is esptool's problem.
type Flasher struct {
	Esptool string
	Port    string
	Baud    int
	Chip    string
	Verbose bool
}

const flashOutputTail = 1000

func (f *Flasher) baseArgs() []string {
	return []string{
		"--port", f.Port,
		"--baud", strconv.Itoa(f.Baud),
		"--chip", f.Chip,
	}
}

func (f *Flasher) writeFlashArgs(set *BinarySet) []string {
	args := append(f.baseArgs(),
		"--after", "hard_reset",
		"write_flash",
		"--flash_mode", "dio",
		"--flash_freq", "80m",
		"--flash_size", "detect",
	)
	for _, image := range set.Images {
		args = append(args, fmt.Sprintf("0x%x", image.Offset), image.Path)
	}
	return args
}

func (f *Flasher) eraseArgs() []string {
	return append(f.baseArgs(), "erase_flash")
}

// Flash writes the binary set. The trailing hard reset makes the device boot
// the fresh firmware, which is what produces the boot log the monitor reads.
// The captured output is returned in both outcomes.
func (f *Flasher) Flash(ctx context.Context, set *BinarySet) (string, error) {
	return f.run(ctx, f.writeFlashArgs(set))
}

// Erase wipes the whole flash. Optional, and slow.
func (f *Flasher) Erase(ctx context.Context) (string, error) {
	return f.run(ctx, f.eraseArgs())
}

func (f *Flasher) run(ctx context.Context, args []string) (string, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, f.Esptool, args...)
	if f.Verbose {
		cmd.Stdout = io.MultiWriter(os.Stdout, &buf)
		cmd.Stderr = io.MultiWriter(os.Stderr, &buf)
	} else {
		cmd.Stdout = &buf
		cmd.Stderr = &buf
	}

	err := cmd.Run()
	output := buf.String()
	if err != nil {
		return output, &FlashError{Output: outputTail(output, flashOutputTail), Err: err}
	}
	return output, nil
}

func outputTail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
