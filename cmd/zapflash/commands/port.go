// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ErrNoPorts means enumeration found nothing that could be an ESP32.
var ErrNoPorts = errors.New("no serial ports detected. Have you installed the driver for the USB-serial bridge?")

// AmbiguousPortError means several candidate ports were found and the
// operator has to pick one with --port.
type AmbiguousPortError struct {
	Ports []string
}

func (e *AmbiguousPortError) Error() string {
	return fmt.Sprintf("several candidate serial ports found (%s); pick one with --port",
		strings.Join(e.Ports, ", "))
}

// usbSerialVendors are the USB vendor IDs of the bridges ESP32 boards ship
// with, plus Espressif's own built-in USB-JTAG unit.
var usbSerialVendors = map[string]string{
	"303A": "Espressif",
	"10C4": "Silicon Labs",
	"1A86": "WCH",
	"0403": "FTDI",
}

var portKeywords = []string{
	"cp210", "ch340", "ch341", "ftdi", "ft232",
	"silicon labs", "usb-serial", "uart", "jtag", "espressif",
}

func isPortCandidate(p *enumerator.PortDetails) bool {
	if _, ok := usbSerialVendors[strings.ToUpper(p.VID)]; ok {
		return true
	}
	product := strings.ToLower(p.Product)
	for _, keyword := range portKeywords {
		if strings.Contains(product, keyword) {
			return true
		}
	}
	if p.IsUSB {
		// Unrecognized bridge chip, but USB and serial is close enough.
		return true
	}
	// Rules out built-in UARTs like /dev/ttyS0 and /dev/ttyAMA0.
	name := p.Name
	return strings.Contains(name, "ttyUSB") || strings.Contains(name, "ttyACM")
}

// CandidatePorts enumerates serial devices and keeps the ones that plausibly
// have an ESP32 behind them.
func CandidatePorts() ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	var res []string
	for _, p := range ports {
		if isPortCandidate(p) {
			res = append(res, p.Name)
		}
	}
	return res, nil
}

// ResolvePort selects the serial port for an attempt. A pinned port is taken
// as-is: the device behind it may legitimately not be plugged in yet. With
// auto-detection, a single candidate wins, several candidates need the
// operator (a prompt when interactive, an error otherwise), and none is an
// error.
func ResolvePort(pinned string, interactive bool) (string, error) {
	if pinned != "" {
		return pinned, nil
	}

	candidates, err := CandidatePorts()
	if err != nil {
		return "", err
	}
	switch len(candidates) {
	case 0:
		return "", ErrNoPorts
	case 1:
		return candidates[0], nil
	}

	if !interactive {
		return "", &AmbiguousPortError{Ports: candidates}
	}

	prompt := promptui.Select{
		Label:     "Choose what serial port you want to use",
		Items:     candidates,
		Templates: &promptui.SelectTemplates{},
	}
	i, _, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("you didn't select anything")
	}
	return candidates[i], nil
}

// reresolvePort picks the port for the next device in a run. USB enumeration
// order can change between swaps, so the list is taken fresh; the previous
// attempt's port is preferred while it is still present.
func reresolvePort(previous string) (string, error) {
	candidates, err := CandidatePorts()
	if err != nil {
		return "", err
	}
	for _, candidate := range candidates {
		if candidate == previous {
			return previous, nil
		}
	}
	switch len(candidates) {
	case 0:
		// Nothing plugged in yet; keep waiting on the previous path.
		return previous, nil
	case 1:
		return candidates[0], nil
	default:
		return "", &AmbiguousPortError{Ports: candidates}
	}
}

func PortExists(port string) (bool, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return false, err
	}
	for _, p := range ports {
		if p == port {
			return true, nil
		}
	}
	return false, nil
}

// probePort briefly opens the port to see whether a device is connected and
// nothing else holds it.
func probePort(port string, baud int) bool {
	dev, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return false
	}
	dev.Close()
	return true
}

const portPollInterval = 500 * time.Millisecond

// waitForPort blocks until the port can be opened or the context is done.
func waitForPort(ctx context.Context, port string, baud int) error {
	for {
		if probePort(port, baud) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(portPollInterval):
		}
	}
}

// waitForDisconnect blocks until the device on the port goes away, which is
// how the operator signals that the next device is coming up.
func waitForDisconnect(ctx context.Context, port string) error {
	for {
		exists, err := PortExists(port)
		if err != nil || !exists {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(portPollInterval):
		}
	}
}
