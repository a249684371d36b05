// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"fmt"
	"regexp"
	"strings"
)

// ExtractState is the state of the boot-log extraction machine.
type ExtractState int

const (
	StateAwaitingBoot ExtractState = iota
	StateScanning
	StateCapturedPartial
	StateCapturedComplete
	StateTimedOut
	StateStreamClosed
)

func (s ExtractState) String() string {
	switch s {
	case StateAwaitingBoot:
		return "awaiting-boot"
	case StateScanning:
		return "scanning"
	case StateCapturedPartial:
		return "captured-partial"
	case StateCapturedComplete:
		return "captured-complete"
	case StateTimedOut:
		return "timed-out"
	case StateStreamClosed:
		return "stream-closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s ExtractState) Terminal() bool {
	return s == StateCapturedComplete || s == StateTimedOut || s == StateStreamClosed
}

// Identity is the per-device data the firmware prints on first boot.
type Identity struct {
	SerialNumber string `json:"serial_number"`
	PublicKey    string `json:"public_key"`
}

// Markers are the two patterns the extractor looks for in boot-log lines.
// The captured value is the first non-empty capture group, or the whole
// match when the pattern has no groups.
type Markers struct {
	Serial    *regexp.Regexp
	PublicKey *regexp.Regexp
}

const (
	// DefaultSerialPattern matches the zap- serial the firmware logs, with or
	// without one of its known prefixes.
	DefaultSerialPattern = `(?i)(?:serial number:|device id:|serial:)?\s*(zap-[0-9a-f]+)`
	// DefaultPublicKeyPattern matches a prefixed hex key of at least 32
	// characters, or a bare 64-character hex run.
	DefaultPublicKeyPattern = `(?i)(?:public key|pubkey|key):\s*([0-9a-f]{32,})|\b([0-9a-f]{64})\b`
)

var firmwareVersionPattern = regexp.MustCompile(`(?i)firmware version:\s*([A-Za-z0-9._-]+)`)

func DefaultMarkers() Markers {
	markers, err := CompileMarkers(DefaultSerialPattern, DefaultPublicKeyPattern)
	if err != nil {
		panic(err)
	}
	return markers
}

func CompileMarkers(serialPattern string, publicKeyPattern string) (Markers, error) {
	serial, err := regexp.Compile(serialPattern)
	if err != nil {
		return Markers{}, fmt.Errorf("invalid serial marker pattern: %w", err)
	}
	publicKey, err := regexp.Compile(publicKeyPattern)
	if err != nil {
		return Markers{}, fmt.Errorf("invalid public key marker pattern: %w", err)
	}
	return Markers{Serial: serial, PublicKey: publicKey}, nil
}

// Extractor watches boot-log lines for the device identity. It is a pure
// state machine: the caller owns the serial I/O and feeds it one line at a
// time, so it can be driven from tests with literal strings.
type Extractor struct {
	markers Markers

	state           ExtractState
	serial          string
	publicKey       string
	firmwareVersion string
	lines           []string
}

func NewExtractor(markers Markers) *Extractor {
	return &Extractor{markers: markers, state: StateAwaitingBoot}
}

// Feed hands one received line to the machine and returns the new state.
// Every line is retained for diagnostics and matched against both markers;
// a field that already matched keeps its first value, so a watchdog reboot
// re-printing the banner inside the capture window cannot overwrite it.
// Garbled or non-UTF8 lines simply match nothing.
func (e *Extractor) Feed(line string) ExtractState {
	if e.state.Terminal() {
		return e.state
	}

	e.lines = append(e.lines, line)
	if e.state == StateAwaitingBoot {
		e.state = StateScanning
	}

	if e.serial == "" {
		e.serial = matchGroup(e.markers.Serial, line)
	}
	if e.publicKey == "" {
		e.publicKey = matchGroup(e.markers.PublicKey, line)
	}
	if e.firmwareVersion == "" {
		// The radio co-processor logs its own "coex firmware version" line
		// long before the application banner. Not ours.
		if !strings.Contains(strings.ToLower(line), "coex firmware version") {
			e.firmwareVersion = matchGroup(firmwareVersionPattern, line)
		}
	}

	switch {
	case e.serial != "" && e.publicKey != "":
		e.state = StateCapturedComplete
	case e.serial != "" || e.publicKey != "":
		e.state = StateCapturedPartial
	}
	return e.state
}

// Timeout moves the machine to its timed-out terminal state. It has no
// effect once a terminal state was reached.
func (e *Extractor) Timeout() ExtractState {
	if !e.state.Terminal() {
		e.state = StateTimedOut
	}
	return e.state
}

// Closed records that the serial stream went away before completion.
func (e *Extractor) Closed() ExtractState {
	if !e.state.Terminal() {
		e.state = StateStreamClosed
	}
	return e.state
}

func (e *Extractor) State() ExtractState {
	return e.state
}

// Identity returns the captured identity. Both fields are present or the
// capture does not count: a half-populated identity is never returned.
func (e *Extractor) Identity() (Identity, bool) {
	if e.state != StateCapturedComplete {
		return Identity{}, false
	}
	return Identity{SerialNumber: e.serial, PublicKey: e.publicKey}, true
}

// FirmwareVersion returns the version banner if one was seen. Informational
// only; it is never part of the success criteria.
func (e *Extractor) FirmwareVersion() string {
	return e.firmwareVersion
}

// Lines returns every raw line received during the attempt.
func (e *Extractor) Lines() []string {
	return e.lines
}

func matchGroup(re *regexp.Regexp, line string) string {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	for _, group := range m[1:] {
		if group != "" {
			return group
		}
	}
	if len(m) == 1 {
		return m[0]
	}
	return ""
}
