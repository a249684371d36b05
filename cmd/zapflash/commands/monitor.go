// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"go.bug.st/serial"
)

// monitorPort is the part of a serial port the monitor needs. go.bug.st's
// serial.Port satisfies it; tests substitute a scripted fake.
type monitorPort interface {
	Read(buf []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	ResetInputBuffer() error
}

// Capture is the outcome of one boot-log watch.
type Capture struct {
	State           ExtractState
	Identity        *Identity
	FirmwareVersion string
	Lines           []string
}

// BootMonitor owns the serial port for the duration of one attempt. It
// resets the device, feeds the boot log to the extraction machine, and
// releases the port on every exit path so the next attempt gets a fresh
// handle.
type BootMonitor struct {
	Port     string
	Baud     int
	Timeout  time.Duration
	Markers  Markers
	Progress bool

	open func(port string, baud int) (monitorPort, error)
}

const readPollTimeout = 100 * time.Millisecond

// Capture runs the extraction machine against live serial output until it
// reaches a terminal state. The read blocks at most readPollTimeout at a
// time, so the wall-clock deadline and context cancellation are both honored
// without a watcher goroutine.
func (m *BootMonitor) Capture(ctx context.Context) (*Capture, error) {
	open := m.open
	if open == nil {
		open = openSerialPort
	}
	dev, err := open(m.Port, m.Baud)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	// Drop whatever the flash run left in the buffer, then hard-reset so the
	// firmware prints its banner from the top.
	dev.ResetInputBuffer()
	rebootDevice(dev)

	if err := dev.SetReadTimeout(readPollTimeout); err != nil {
		return nil, err
	}

	var bar *pb.ProgressBar
	if m.Progress {
		bar = pb.New(int(m.Timeout / time.Second))
		bar.Start()
		defer bar.Finish()
	}

	extractor := NewExtractor(m.Markers)
	deadline := time.Now().Add(m.Timeout)
	started := time.Now()
	var pending []byte
	buf := make([]byte, 256)

	for !extractor.State().Terminal() {
		if bar != nil {
			bar.SetCurrent(int64(time.Since(started) / time.Second))
		}

		select {
		case <-ctx.Done():
			feedPartial(extractor, pending)
			extractor.Closed()
			continue
		default:
		}

		n, err := dev.Read(buf)
		if err != nil {
			feedPartial(extractor, pending)
			extractor.Closed()
			continue
		}
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = feedLines(extractor, pending)
		}

		if time.Now().After(deadline) {
			feedPartial(extractor, pending)
			extractor.Timeout()
		}
	}

	capture := &Capture{
		State:           extractor.State(),
		FirmwareVersion: extractor.FirmwareVersion(),
		Lines:           extractor.Lines(),
	}
	if identity, ok := extractor.Identity(); ok {
		capture.Identity = &identity
	}
	return capture, nil
}

// feedLines hands every complete line in pending to the extractor and
// returns the unterminated remainder. Stops early on a terminal state so the
// deadline timer is effectively canceled the moment the capture completes.
func feedLines(extractor *Extractor, pending []byte) []byte {
	for {
		i := bytes.IndexByte(pending, '\n')
		if i < 0 {
			return pending
		}
		line := strings.TrimRight(string(pending[:i]), "\r")
		pending = pending[i+1:]
		if line == "" {
			continue
		}
		if extractor.Feed(line).Terminal() {
			return pending
		}
	}
}

// feedPartial flushes a trailing unterminated line before a terminal
// transition. It may still complete the capture, and either way the text is
// retained for the structured record.
func feedPartial(extractor *Extractor, pending []byte) {
	line := strings.TrimRight(string(pending), "\r")
	if line != "" {
		extractor.Feed(line)
	}
}

func openSerialPort(port string, baud int) (monitorPort, error) {
	dev, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("the port '%s' was not found", port)
	}
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// rebootDevice runs the standard DTR/RTS reset sequence of ESP32 dev boards.
func rebootDevice(dev monitorPort) {
	dev.SetDTR(false)
	dev.SetRTS(true)
	time.Sleep(100 * time.Millisecond)
	dev.SetRTS(false)
}
