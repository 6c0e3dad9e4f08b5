package emulator

import (
	"context"
	"time"

	"github.com/devicelab-dev/avd-runner/pkg/adb"
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultOnlineTimeout = 30 * time.Second
	DefaultBootTimeout   = 5 * time.Minute

	// BootAnimProperty reads "stopped" once the system UI is up.
	BootAnimProperty = "init.svc.bootanim"
)

// DeviceRegistry is the part of adb.Registry the lifecycle needs.
type DeviceRegistry interface {
	Named(ctx context.Context) (map[string]adb.Device, error)
	QueryProperty(ctx context.Context, name string, d adb.Device) (string, error)
	Kill(ctx context.Context, d adb.Device) error
}

// StartOptions tunes one emulator launch.
type StartOptions struct {
	LaunchOptions []string      // appended verbatim after -avd <name>
	LogFile       string        // emulator stdout/stderr; discarded when empty
	OnlineTimeout time.Duration // until adb lists the device online
	BootTimeout   time.Duration // until the boot animation stops
}

func (o StartOptions) onlineTimeout() time.Duration {
	if o.OnlineTimeout <= 0 {
		return DefaultOnlineTimeout
	}
	return o.OnlineTimeout
}

func (o StartOptions) bootTimeout() time.Duration {
	if o.BootTimeout <= 0 {
		return DefaultBootTimeout
	}
	return o.BootTimeout
}
