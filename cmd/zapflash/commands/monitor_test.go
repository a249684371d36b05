// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort scripts the serial stream: each entry in chunks is returned by
// one Read call, a nil entry models a read timeout (n == 0), and once the
// script runs out every Read returns err (or keeps timing out when err is
// nil, letting the deadline fire).
type fakePort struct {
	chunks [][]byte
	err    error

	closed     bool
	didReboot  bool
	rtsHistory []bool
}

func (f *fakePort) Read(buf []byte) (int, error) {
	if len(f.chunks) == 0 {
		if f.err != nil {
			return 0, f.err
		}
		return 0, nil
	}
	chunk := f.chunks[0]
	f.chunks = f.chunks[1:]
	if chunk == nil {
		return 0, nil
	}
	return copy(buf, chunk), nil
}

func (f *fakePort) Close() error {
	f.closed = true
	return nil
}

func (f *fakePort) SetReadTimeout(t time.Duration) error { return nil }

func (f *fakePort) SetDTR(dtr bool) error { return nil }
func (f *fakePort) SetRTS(rts bool) error {
	f.rtsHistory = append(f.rtsHistory, rts)
	f.didReboot = true
	return nil
}

func (f *fakePort) ResetInputBuffer() error { return nil }

func testMonitor(t *testing.T, port *fakePort, timeout time.Duration) *BootMonitor {
	t.Helper()
	return &BootMonitor{
		Port:    "/dev/ttyUSB0",
		Baud:    115200,
		Timeout: timeout,
		Markers: testMarkers(t),
		open: func(name string, baud int) (monitorPort, error) {
			return port, nil
		},
	}
}

func Test_monitorCapturesIdentity(t *testing.T) {
	port := &fakePort{chunks: [][]byte{
		[]byte("I (274) cpu_start: Pro cpu up.\r\n"),
		nil,
		[]byte("SERIAL:AB12CD34\r\nPUB"),
		[]byte("KEY:04a1b2...\r\n"),
		[]byte("never read\r\n"),
	}}

	capture, err := testMonitor(t, port, 5*time.Second).Capture(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCapturedComplete, capture.State)
	require.NotNil(t, capture.Identity)
	assert.Equal(t, "AB12CD34", capture.Identity.SerialNumber)
	assert.Equal(t, "04a1b2...", capture.Identity.PublicKey)
	assert.Equal(t, []string{
		"I (274) cpu_start: Pro cpu up.",
		"SERIAL:AB12CD34",
		"PUBKEY:04a1b2...",
	}, capture.Lines)

	assert.True(t, port.closed, "the port must be released for the next attempt")
	assert.True(t, port.didReboot, "the device is hard-reset so the banner prints from the top")
	assert.Equal(t, []bool{true, false}, port.rtsHistory)
}

func Test_monitorTimesOut(t *testing.T) {
	port := &fakePort{chunks: [][]byte{
		[]byte("SERIAL:XY99\r\n"),
	}}

	capture, err := testMonitor(t, port, 50*time.Millisecond).Capture(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateTimedOut, capture.State)
	assert.Nil(t, capture.Identity)
	assert.Equal(t, []string{"SERIAL:XY99"}, capture.Lines, "captured lines are retained for diagnostics")
	assert.True(t, port.closed)
}

func Test_monitorStreamClosed(t *testing.T) {
	port := &fakePort{
		chunks: [][]byte{[]byte("SERIAL:XY99\r\n")},
		err:    io.ErrUnexpectedEOF,
	}

	capture, err := testMonitor(t, port, 5*time.Second).Capture(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateStreamClosed, capture.State, "a dropped stream is not a timeout")
	assert.Nil(t, capture.Identity)
	assert.True(t, port.closed)
}

func Test_monitorFlushesPartialLineOnClose(t *testing.T) {
	// The final marker arrives without a trailing newline just before the
	// stream drops; it still counts.
	port := &fakePort{
		chunks: [][]byte{[]byte("SERIAL:abc\r\nPUBKEY:def")},
		err:    io.EOF,
	}

	capture, err := testMonitor(t, port, 5*time.Second).Capture(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCapturedComplete, capture.State)
	require.NotNil(t, capture.Identity)
	assert.Equal(t, "def", capture.Identity.PublicKey)
}

func Test_monitorContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	port := &fakePort{}
	capture, err := testMonitor(t, port, 5*time.Second).Capture(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateStreamClosed, capture.State)
	assert.True(t, port.closed)
}

func Test_monitorOpenFailure(t *testing.T) {
	monitor := testMonitor(t, nil, time.Second)
	monitor.open = func(name string, baud int) (monitorPort, error) {
		return nil, fmt.Errorf("the port '%s' was not found", name)
	}

	_, err := monitor.Capture(context.Background())
	assert.ErrorContains(t, err, "not found")
}
