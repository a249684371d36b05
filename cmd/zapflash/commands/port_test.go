// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.bug.st/serial/enumerator"
)

func Test_isPortCandidate(t *testing.T) {
	tests := []struct {
		name      string
		port      enumerator.PortDetails
		candidate bool
	}{
		{
			name:      "espressif usb-jtag",
			port:      enumerator.PortDetails{Name: "/dev/ttyACM0", IsUSB: true, VID: "303a", PID: "1001"},
			candidate: true,
		},
		{
			name:      "silicon labs cp2102",
			port:      enumerator.PortDetails{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10C4", PID: "EA60"},
			candidate: true,
		},
		{
			name:      "wch ch340",
			port:      enumerator.PortDetails{Name: "/dev/ttyUSB1", IsUSB: true, VID: "1a86", PID: "7523"},
			candidate: true,
		},
		{
			name:      "ftdi",
			port:      enumerator.PortDetails{Name: "COM7", IsUSB: true, VID: "0403", PID: "6001"},
			candidate: true,
		},
		{
			name:      "keyword match without known vid",
			port:      enumerator.PortDetails{Name: "/dev/ttyS3", Product: "USB-Serial Controller"},
			candidate: true,
		},
		{
			name:      "unknown usb bridge",
			port:      enumerator.PortDetails{Name: "/dev/ttyACM1", IsUSB: true, VID: "2341", PID: "0043"},
			candidate: true,
		},
		{
			name:      "builtin uart",
			port:      enumerator.PortDetails{Name: "/dev/ttyS0"},
			candidate: false,
		},
		{
			name:      "builtin amba uart",
			port:      enumerator.PortDetails{Name: "/dev/ttyAMA0"},
			candidate: false,
		},
		{
			name:      "usb path without details",
			port:      enumerator.PortDetails{Name: "/dev/ttyUSB2"},
			candidate: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			port := test.port
			assert.Equal(t, test.candidate, isPortCandidate(&port))
		})
	}
}

func Test_resolvePortPinnedWins(t *testing.T) {
	// A pinned port is taken as-is; the device may not be plugged in yet.
	port, err := ResolvePort("/dev/ttyUSB9", false)
	assert.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB9", port)
}

func Test_ambiguousPortError(t *testing.T) {
	err := &AmbiguousPortError{Ports: []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}}
	assert.Contains(t, err.Error(), "/dev/ttyUSB0, /dev/ttyUSB1")
	assert.Contains(t, err.Error(), "--port")
}
