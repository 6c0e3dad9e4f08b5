package adb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devicelab-dev/avd-runner/pkg/core"
	"github.com/devicelab-dev/avd-runner/pkg/logger"
	"github.com/devicelab-dev/avd-runner/pkg/session"
)

// PropertyTimedOut is what QueryProperty returns when adb does not answer
// in time, so pollers can simply try again.
const PropertyTimedOut = "timeout"

const (
	DefaultConsoleHost      = "localhost"
	defaultHandshakeTimeout = 5 * time.Second
	defaultPropertyTimeout  = 2 * time.Second
	defaultKillTimeout      = 30 * time.Second
	maxParallelHandshakes   = 8
)

// Registry discovers running emulators. It caches nothing: every call runs
// adb or opens a console connection afresh.
type Registry struct {
	ADBPath string

	ConsoleHost      string        // defaults to localhost
	AuthTokenPath    string        // console auth token file; empty disables auth
	HandshakeTimeout time.Duration // per-device bound for ConsoleName
	PropertyTimeout  time.Duration // bound for one getprop call
	KillTimeout      time.Duration // how long Kill idles on the console
}

// NewRegistry returns a Registry using the adb binary at adbPath and the
// user's console auth token.
func NewRegistry(adbPath string) *Registry {
	return &Registry{
		ADBPath:       adbPath,
		ConsoleHost:   DefaultConsoleHost,
		AuthTokenPath: DefaultAuthTokenPath(),
	}
}

func (r *Registry) consoleHost() string {
	if r.ConsoleHost == "" {
		return DefaultConsoleHost
	}
	return r.ConsoleHost
}

func (r *Registry) handshakeTimeout() time.Duration {
	if r.HandshakeTimeout <= 0 {
		return defaultHandshakeTimeout
	}
	return r.HandshakeTimeout
}

func (r *Registry) propertyTimeout() time.Duration {
	if r.PropertyTimeout <= 0 {
		return defaultPropertyTimeout
	}
	return r.PropertyTimeout
}

func (r *Registry) killTimeout() time.Duration {
	if r.KillTimeout <= 0 {
		return defaultKillTimeout
	}
	return r.KillTimeout
}

func (r *Registry) spec(args ...string) session.Spec {
	return session.Spec{Name: "adb", Path: r.ADBPath, Args: args}
}

// ListRunning runs `adb devices` once and returns the emulators it lists.
func (r *Registry) ListRunning(ctx context.Context) ([]Device, error) {
	lines, err := session.Output(ctx, r.spec("devices"), session.DefaultRunTimeout)
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}
	devices := ParseDevices(lines)
	logger.Debug("running emulators: %v", devices)
	return devices, nil
}

// ResolveNames maps AVD names to devices via the console handshake.
// Devices that fail the handshake are left out; only cancellation of ctx
// is an error.
func (r *Registry) ResolveNames(ctx context.Context, devices []Device) (map[string]Device, error) {
	var mu sync.Mutex
	names := make(map[string]Device, len(devices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelHandshakes)
	for _, d := range devices {
		g.Go(func() error {
			name, err := r.ConsoleName(gctx, d)
			if err != nil {
				logger.Warn("name handshake with %s failed: %v", d.ID, err)
				return nil
			}
			mu.Lock()
			names[name] = d
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

// Named lists running emulators keyed by AVD name.
func (r *Registry) Named(ctx context.Context) (map[string]Device, error) {
	devices, err := r.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	return r.ResolveNames(ctx, devices)
}

// Find returns the running emulator named name, or a DeviceNotFound error.
func (r *Registry) Find(ctx context.Context, name string) (Device, error) {
	named, err := r.Named(ctx)
	if err != nil {
		return Device{}, err
	}
	d, ok := named[name]
	if !ok {
		return Device{}, core.DeviceNotFound(name)
	}
	return d, nil
}

// QueryProperty reads a system property from d. If adb does not answer
// within the property timeout it returns PropertyTimedOut and no error.
func (r *Registry) QueryProperty(ctx context.Context, name string, d Device) (string, error) {
	lines, err := session.Output(ctx, r.spec("-s", d.ID, "shell", "getprop", name), r.propertyTimeout())
	if err != nil {
		if errors.Is(err, core.ErrTimeout) {
			logger.Debug("getprop %s on %s timed out", name, d.ID)
			return PropertyTimedOut, nil
		}
		return "", fmt.Errorf("getprop %s on %s: %w", name, d.ID, err)
	}
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
	return "", nil
}

// Kill asks adb to kill the emulator, then waits on its console port until
// the emulator closes it.
func (r *Registry) Kill(ctx context.Context, d Device) error {
	if !d.IsEmulator() {
		return fmt.Errorf("refusing to kill %s: not an emulator", d.ID)
	}
	logger.Info("Killing emulator %s", d.ID)
	if err := session.Run(ctx, r.spec("-s", d.ID, "emu", "kill"), session.DefaultRunTimeout); err != nil {
		return fmt.Errorf("adb emu kill %s: %w", d.ID, err)
	}
	return r.awaitShutdown(ctx, d)
}
