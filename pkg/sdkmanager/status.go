// Package sdkmanager drives the Android sdkmanager tool through its
// interactive install protocol, including license acceptance.
package sdkmanager

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/devicelab-dev/avd-runner/pkg/core"
	"github.com/devicelab-dev/avd-runner/pkg/stream"
)

// LicenseKind identifies which license sdkmanager is asking about.
type LicenseKind int

const (
	LicenseSdk LicenseKind = iota
	LicenseSdkPreview
	LicenseHaxm
)

// String returns the string representation of LicenseKind
func (k LicenseKind) String() string {
	switch k {
	case LicenseSdk:
		return "android-sdk-license"
	case LicenseSdkPreview:
		return "android-sdk-preview-license"
	case LicenseHaxm:
		return "intel-android-extra-license"
	default:
		return "unknown"
	}
}

var licenseHeader = regexp.MustCompile(`^License (android-sdk-(preview-)?license|intel-android-extra-license):$`)

// KindFromHeader classifies a license header line.
func KindFromHeader(line string) (LicenseKind, error) {
	switch {
	case strings.Contains(line, "License android-sdk-license:"):
		return LicenseSdk, nil
	case strings.Contains(line, "License android-sdk-preview-license:"):
		return LicenseSdkPreview, nil
	case strings.Contains(line, "License intel-android-extra-license:"):
		return LicenseHaxm, nil
	}
	return 0, fmt.Errorf("no matching license header: %q", line)
}

// State is the install protocol state.
type State int

const (
	InFlight        State = iota // ordinary progress output
	PrintingLicense              // a license body is being printed
	AwaitingLicense              // blocked on a y/N answer
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case InFlight:
		return "in flight"
	case PrintingLicense:
		return "printing license"
	case AwaitingLicense:
		return "awaiting license"
	default:
		return "unknown"
	}
}

// Status is one event of an installation. Text is the line that produced it.
// Kind and License are only set while a license is involved; License
// accumulates the header and body printed so far.
type Status struct {
	State   State
	Text    string
	Kind    LicenseKind
	License string
}

// Fold advances the install state machine by one stdout line.
// A usage banner is fatal regardless of state.
func Fold(prev Status, line string) (Status, error) {
	if strings.Contains(line, "Usage: ") {
		return prev, core.ErrInvalidInvocation
	}

	if prev.State == PrintingLicense && strings.Contains(line, stream.AcceptPrompt) {
		return Status{State: AwaitingLicense, Text: line, Kind: prev.Kind, License: prev.License}, nil
	}

	if licenseHeader.MatchString(line) {
		kind, err := KindFromHeader(line)
		if err != nil {
			return prev, core.UnknownInstaller(err.Error())
		}
		return Status{State: PrintingLicense, Text: line, Kind: kind, License: line}, nil
	}

	if prev.State == PrintingLicense {
		return Status{State: PrintingLicense, Text: line, Kind: prev.Kind, License: prev.License + "\n" + line}, nil
	}

	return Status{State: InFlight, Text: line}, nil
}

// ClassifyStderr maps an sdkmanager stderr line to the fatal error it
// signals, or nil. stderr is never surfaced as status.
func ClassifyStderr(key, line string) error {
	switch {
	case strings.Contains(line, "Failed to find package"):
		return core.PackageNotFound(key)
	case strings.Contains(line, "Failed to create SDK root dir"):
		return core.UnknownInstaller(line)
	case strings.Contains(line, "Usage: "):
		return core.ErrInvalidInvocation
	}
	return nil
}
