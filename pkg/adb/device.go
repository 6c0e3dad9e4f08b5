// Package adb queries running emulators through the adb device bridge and
// the emulator console socket.
package adb

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EmulatorPrefix starts the serial of every emulator instance.
const EmulatorPrefix = "emulator-"

// Status is the connection state adb reports for a device.
type Status int

const (
	Online Status = iota
	Unauthorized
	Offline
)

// String returns the adb spelling of the status.
func (s Status) String() string {
	switch s {
	case Online:
		return "device"
	case Unauthorized:
		return "unauthorized"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// ParseStatus maps an adb status word to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "device":
		return Online, nil
	case "unauthorized":
		return Unauthorized, nil
	case "offline":
		return Offline, nil
	}
	return 0, fmt.Errorf("unknown device status %q", s)
}

// Device is one entry of `adb devices`.
type Device struct {
	ID     string
	Status Status
}

// IsEmulator reports whether the device is an emulator instance.
func (d Device) IsEmulator() bool {
	return strings.HasPrefix(d.ID, EmulatorPrefix)
}

// Port returns the emulator console port encoded in the serial.
func (d Device) Port() (int, error) {
	if !d.IsEmulator() {
		return 0, fmt.Errorf("%s is not an emulator, only emulators have console ports", d.ID)
	}
	port, err := strconv.Atoi(strings.TrimPrefix(d.ID, EmulatorPrefix))
	if err != nil {
		return 0, fmt.Errorf("invalid emulator serial %s: %w", d.ID, err)
	}
	return port, nil
}

// ParseDevices extracts emulators from `adb devices` output. Lines that do
// not end in a known status (the banner, daemon notices) and physical
// devices are skipped. The result is deduplicated and sorted by serial.
func ParseDevices(lines []string) []Device {
	seen := make(map[string]bool)
	var devices []Device
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		status, err := ParseStatus(fields[len(fields)-1])
		if err != nil {
			continue
		}
		d := Device{ID: fields[0], Status: status}
		if !d.IsEmulator() || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}
