// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zapline/zapflash/cmd/zapflash/directory"
)

var (
	stepColor = color.New(color.FgCyan)
	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
	warnColor = color.New(color.FgYellow)
)

func RunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Flash devices sequentially and record their identities",
		Long: "Run the production loop: plug in a device, zapflash flashes it, captures the\n" +
			"serial number and public key the firmware prints on first boot, and appends\n" +
			"them to the run's CSV and JSON result files. Unplug, plug in the next device,\n" +
			"repeat. Stop with Ctrl-C; everything recorded so far is already on disk.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			dir, err := cmd.Flags().GetString("dir")
			if err != nil {
				return err
			}
			project, err := cmd.Flags().GetString("project")
			if err != nil {
				return err
			}
			files, err := cmd.Flags().GetStringSlice("files")
			if err != nil {
				return err
			}

			var binaries *BinarySet
			if len(files) > 0 {
				binaries, err = ParseImageArgs(files)
			} else {
				binaries, err = ResolveBinaries(dir, project)
			}
			if err != nil {
				return err
			}
			for _, missing := range binaries.Missing {
				warnColor.Printf("Warning: no %s image found; flashing without it\n", missing)
			}
			fmt.Println("Flashing image set:")
			for _, image := range binaries.Images {
				fmt.Printf("  0x%-6x %s (%d bytes)\n", image.Offset, image.Path, image.Size)
			}

			markers, err := markersFromFlags(cmd)
			if err != nil {
				return err
			}

			esptool, err := directory.GetEsptoolPath()
			if err != nil {
				return err
			}

			pinned, err := cmd.Flags().GetString("port")
			if err != nil {
				return err
			}
			interactive := term.IsTerminal(int(os.Stdin.Fd()))
			port, err := ResolvePort(pinned, interactive)
			if err != nil {
				return err
			}

			baud, err := cmd.Flags().GetUint("baud")
			if err != nil {
				return err
			}
			monitorBaud, err := cmd.Flags().GetUint("monitor-baud")
			if err != nil {
				return err
			}
			readTimeout, err := cmd.Flags().GetDuration("read-timeout")
			if err != nil {
				return err
			}
			erase, err := cmd.Flags().GetBool("erase")
			if err != nil {
				return err
			}
			chip, err := cmd.Flags().GetString("chip")
			if err != nil {
				return err
			}
			verbose, err := cmd.Flags().GetBool("verbose")
			if err != nil {
				return err
			}
			outputDir, err := cmd.Flags().GetString("output-dir")
			if err != nil {
				return err
			}

			log, err := OpenResultLog(outputDir, binaries.Label, uuid.New().String(), time.Now())
			if err != nil {
				return err
			}
			defer log.Close()
			fmt.Printf("Results: %s\n", log.CSVPath)
			fmt.Printf("Audit:   %s\n", log.JSONPath)

			flasher := &Flasher{
				Esptool: esptool,
				Baud:    int(baud),
				Chip:    chip,
				Verbose: verbose,
			}
			controller := NewController(log, ControllerConfig{
				Port:        port,
				Pinned:      pinned != "",
				Erase:       erase,
				MonitorBaud: int(monitorBaud),
				ReadTimeout: readTimeout,
				Markers:     markers,
				Progress:    interactive,
				Flasher:     flasher,
				Binaries:    binaries,
			})
			return controller.Run(ctx)
		},
	}

	cmd.Flags().String("dir", "", "directory holding the firmware images")
	cmd.Flags().String("project", "", "project name; images are taken from ../<name>/build")
	cmd.Flags().StringSlice("files", nil, "explicit offset:path image list, bypassing detection")
	cmd.Flags().StringP("port", "p", configuredString("port"), "serial port (auto-detect if not set)")
	cmd.Flags().Uint("baud", configuredUint("baud", 460800), "baud rate used for flashing")
	cmd.Flags().Uint("monitor-baud", 115200, "baud rate of the firmware's boot log")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "how long to wait for the identity in the boot log")
	cmd.Flags().Bool("erase", false, "erase the whole flash before writing (slower, safer)")
	cmd.Flags().String("chip", "esp32c3", "target chip type")
	cmd.Flags().Bool("verbose", false, "stream esptool output to the terminal")
	cmd.Flags().String("output-dir", ".", "directory for the result files")
	cmd.Flags().String("serial-marker", "", "override for the serial-number marker pattern")
	cmd.Flags().String("key-marker", "", "override for the public-key marker pattern")
	return cmd
}

// ControllerConfig is the immutable per-run configuration of the loop.
type ControllerConfig struct {
	Port        string
	Pinned      bool
	Erase       bool
	MonitorBaud int
	ReadTimeout time.Duration
	Markers     Markers
	Progress    bool
	Flasher     *Flasher
	Binaries    *BinarySet
}

// Controller drives the per-device cycle: wait for a device, flash it,
// watch its boot log, record the attempt, wait for the swap. One device at
// a time on one port; a bad device is recorded and skipped, never a reason
// to stop the line.
type Controller struct {
	log         *ResultLog
	cfg         ControllerConfig
	attempts    []*DeviceAttempt
	settleDelay time.Duration

	// Seams for tests; production wiring in NewController.
	flash     func(ctx context.Context, port string) (warnings []string, err error)
	monitor   func(ctx context.Context, port string) (*Capture, error)
	reresolve func(previous string) (string, error)
	waitReady func(ctx context.Context, port string) error
	waitGone  func(ctx context.Context, port string) error
}

func NewController(log *ResultLog, cfg ControllerConfig) *Controller {
	c := &Controller{log: log, cfg: cfg, settleDelay: time.Second}
	c.flash = func(ctx context.Context, port string) ([]string, error) {
		flasher := *cfg.Flasher
		flasher.Port = port
		var warnings []string
		if cfg.Erase {
			fmt.Printf("Erasing flash on '%s' ...\n", port)
			if _, err := flasher.Erase(ctx); err != nil {
				// Fresh devices regularly fail the erase; flashing still works.
				warnings = append(warnings, fmt.Sprintf("flash erase failed: %v", err))
				warnColor.Println("Flash erase failed, continuing with flashing")
			}
		}
		fmt.Printf("Flashing device over serial on port '%s' ...\n", port)
		_, err := flasher.Flash(ctx, cfg.Binaries)
		return warnings, err
	}
	c.monitor = func(ctx context.Context, port string) (*Capture, error) {
		monitor := &BootMonitor{
			Port:     port,
			Baud:     cfg.MonitorBaud,
			Timeout:  cfg.ReadTimeout,
			Markers:  cfg.Markers,
			Progress: cfg.Progress,
		}
		return monitor.Capture(ctx)
	}
	c.reresolve = reresolvePort
	c.waitReady = func(ctx context.Context, port string) error {
		return waitForPort(ctx, port, cfg.MonitorBaud)
	}
	c.waitGone = waitForDisconnect
	return c
}

// Run loops until the operator interrupts. Every completed attempt is on
// disk before the next one starts; only sink and port-resolution failures
// abort the run.
func (c *Controller) Run(ctx context.Context) error {
	port := c.cfg.Port
	for ctx.Err() == nil {
		seq := c.log.NextSeq()
		if !c.cfg.Pinned && seq > 1 {
			next, err := c.reresolve(port)
			if err != nil {
				return err
			}
			port = next
		}

		stepColor.Printf("\n--- Waiting for device #%d on %s ---\n", seq, port)
		if err := c.waitReady(ctx, port); err != nil {
			break
		}
		// Let the USB bridge settle before esptool grabs it.
		if err := sleepCtx(ctx, c.settleDelay); err != nil {
			break
		}

		attempt := c.processDevice(ctx, seq, port)
		if err := c.log.Append(attempt); err != nil {
			return err
		}
		c.attempts = append(c.attempts, attempt)
		c.printAttempt(attempt)

		if ctx.Err() != nil {
			break
		}
		fmt.Printf("Disconnect the device on %s to continue.\n", port)
		if err := c.waitGone(ctx, port); err != nil {
			break
		}
	}

	c.printSummary()
	return nil
}

func (c *Controller) processDevice(ctx context.Context, seq int, port string) *DeviceAttempt {
	attempt := &DeviceAttempt{
		Seq:        seq,
		Port:       port,
		FlashStart: time.Now(),
	}

	warnings, err := c.flash(ctx, port)
	attempt.FlashEnd = time.Now()
	attempt.ExtractEnd = attempt.FlashEnd
	attempt.Warnings = warnings
	if err != nil {
		// Not successfully flashed, so there is no boot log worth reading.
		attempt.State = "flash-failed"
		attempt.Error = err.Error()
		return attempt
	}
	attempt.FlashOK = true

	// The hard reset at the end of the flash can make the USB bridge drop
	// off the bus for a moment.
	if err := c.awaitPortReturn(ctx, port); err != nil {
		attempt.State = StateStreamClosed.String()
		attempt.Error = fmt.Sprintf("port not available after flashing: %v", err)
		attempt.ExtractEnd = time.Now()
		return attempt
	}

	fmt.Printf("Listening for the boot log on '%s' ...\n", port)
	capture, err := c.monitor(ctx, port)
	attempt.ExtractEnd = time.Now()
	if err != nil {
		attempt.State = StateStreamClosed.String()
		attempt.Error = err.Error()
		return attempt
	}

	attempt.State = capture.State.String()
	attempt.Identity = capture.Identity
	attempt.FirmwareVersion = capture.FirmwareVersion
	attempt.Lines = capture.Lines
	if capture.Identity == nil {
		attempt.Error = fmt.Sprintf("no identity in boot log (%s, %d lines captured)",
			capture.State, len(capture.Lines))
	}
	return attempt
}

func (c *Controller) awaitPortReturn(ctx context.Context, port string) error {
	settleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.waitReady(settleCtx, port); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (c *Controller) printAttempt(attempt *DeviceAttempt) {
	if attempt.Identity != nil {
		okColor.Printf("✓ Device #%d done: %s\n", attempt.Seq, attempt.Identity.SerialNumber)
		fmt.Printf("  Public key: %s\n", digestKey(attempt.Identity.PublicKey))
		if attempt.FirmwareVersion != "" {
			fmt.Printf("  Firmware:   %s\n", attempt.FirmwareVersion)
		}
		for _, warning := range attempt.Warnings {
			warnColor.Printf("  Warning: %s\n", warning)
		}
		return
	}
	failColor.Printf("✗ Device #%d failed (%s)\n", attempt.Seq, attempt.State)
	if attempt.Error != "" {
		failColor.Printf("  %s\n", attempt.Error)
	}
	if n := len(attempt.Lines); n > 0 {
		fmt.Printf("  Last boot-log lines (%d captured):\n", n)
		for _, line := range tailLines(attempt.Lines, 5) {
			fmt.Printf("    %s\n", line)
		}
	}
}

func (c *Controller) printSummary() {
	if len(c.attempts) == 0 {
		fmt.Println("\nNo devices processed.")
		return
	}

	succeeded := 0
	for _, attempt := range c.attempts {
		if attempt.Identity != nil {
			succeeded++
		}
	}

	fmt.Printf("\nProcessed %d device(s): ", len(c.attempts))
	okColor.Printf("%d ok", succeeded)
	fmt.Print(", ")
	failColor.Printf("%d failed", len(c.attempts)-succeeded)
	fmt.Printf(" (%.0f%% success)\n", float64(succeeded)/float64(len(c.attempts))*100)

	for _, attempt := range c.attempts {
		if attempt.Identity != nil {
			fmt.Printf("  #%d %s  %s\n", attempt.Seq, attempt.Identity.SerialNumber, digestKey(attempt.Identity.PublicKey))
		} else {
			fmt.Printf("  #%d failed: %s\n", attempt.Seq, attempt.State)
		}
	}
}

func digestKey(key string) string {
	if len(key) <= 24 {
		return key
	}
	return key[:16] + "..." + key[len(key)-8:]
}

func tailLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// markersFromFlags builds the marker pair: flag overrides win, then the
// stored user config, then the firmware-format defaults.
func markersFromFlags(cmd *cobra.Command) (Markers, error) {
	serialPattern, err := cmd.Flags().GetString("serial-marker")
	if err != nil {
		return Markers{}, err
	}
	keyPattern, err := cmd.Flags().GetString("key-marker")
	if err != nil {
		return Markers{}, err
	}

	stored, err := storedMarkers()
	if err != nil && serialPattern == "" && keyPattern == "" {
		return Markers{}, err
	}
	if serialPattern == "" {
		serialPattern = stored.Serial
	}
	if keyPattern == "" {
		keyPattern = stored.PublicKey
	}
	if serialPattern == "" {
		serialPattern = DefaultSerialPattern
	}
	if keyPattern == "" {
		keyPattern = DefaultPublicKeyPattern
	}
	return CompileMarkers(serialPattern, keyPattern)
}
