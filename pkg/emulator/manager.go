// Package emulator starts and stops emulator instances by AVD name.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devicelab-dev/avd-runner/pkg/adb"
	"github.com/devicelab-dev/avd-runner/pkg/core"
	"github.com/devicelab-dev/avd-runner/pkg/logger"
	"github.com/devicelab-dev/avd-runner/pkg/session"
)

// Manager manages emulator lifecycle
type Manager struct {
	registry     DeviceRegistry
	emulatorPath string
	sdkRoot      string

	AVDHome      string        // exported as ANDROID_AVD_HOME when set
	PollInterval time.Duration // between readiness checks
}

// NewManager creates a new emulator manager
func NewManager(registry DeviceRegistry, emulatorPath, sdkRoot string) *Manager {
	return &Manager{
		registry:     registry,
		emulatorPath: emulatorPath,
		sdkRoot:      sdkRoot,
		PollInterval: DefaultPollInterval,
	}
}

func (m *Manager) pollInterval() time.Duration {
	if m.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return m.PollInterval
}

// IsRunning reports whether an emulator for the AVD is online.
func (m *Manager) IsRunning(ctx context.Context, name string) (bool, error) {
	named, err := m.registry.Named(ctx)
	if err != nil {
		return false, err
	}
	d, ok := named[name]
	return ok && d.Status == adb.Online, nil
}

// Args returns the emulator arguments for launching name.
func (m *Manager) Args(name string, launchOptions []string) []string {
	return append([]string{"-avd", name}, launchOptions...)
}

// Start boots the AVD and returns once the boot animation has stopped.
// The emulator keeps running after Start returns; it is killed only if
// it fails to come up.
func (m *Manager) Start(ctx context.Context, name string, opts StartOptions) (adb.Device, error) {
	if named, err := m.registry.Named(ctx); err == nil {
		if d, ok := named[name]; ok && d.Status == adb.Online {
			logger.Info("Emulator %s already running (%s)", name, d.ID)
			return d, nil
		}
	}

	logger.Info("Starting emulator: %s", name)
	bootStart := time.Now()

	env := map[string]string{}
	if m.sdkRoot != "" {
		env["ANDROID_SDK_ROOT"] = m.sdkRoot
	}
	if m.AVDHome != "" {
		env["ANDROID_AVD_HOME"] = m.AVDHome
	}

	sess, err := session.Spawn(ctx, session.Spec{
		Name:     "emulator",
		Path:     m.emulatorPath,
		Args:     m.Args(name, opts.LaunchOptions),
		Env:      env,
		Detached: true,
		LogFile:  opts.LogFile,
	})
	if err != nil {
		return adb.Device{}, err
	}
	logger.Info("Emulator process started (PID: %d)", sess.Pid())

	d, err := m.waitOnline(ctx, sess, name, opts.onlineTimeout())
	if err == nil {
		err = m.waitBoot(ctx, sess, d, opts.bootTimeout())
	}
	if err != nil {
		logger.Error("Emulator %s failed to start: %v", name, err)
		_ = sess.Kill()
		return adb.Device{}, err
	}

	// Boot confirmed; let the emulator outlive us.
	_ = sess.Close()
	logger.Info("Emulator %s boot completed in %v", name, time.Since(bootStart))
	return d, nil
}

// launchEnded inspects the launch session after it ended. A non-zero exit
// fails the start; a clean exit means the launcher handed off and the
// caller keeps polling, so it returns a nil channel to stop selecting on it.
func launchEnded(sess *session.Session, name string) (<-chan struct{}, error) {
	if err := sess.Err(); err != nil {
		return nil, fmt.Errorf("emulator %s exited: %w", name, err)
	}
	logger.Info("Emulator launcher for %s exited cleanly, still waiting", name)
	return nil, nil
}

// waitOnline polls adb until a device resolving to name is online. A
// missing device or a retryable adb failure is retried; the launch process
// failing or the timeout firing stops the wait.
func (m *Manager) waitOnline(ctx context.Context, sess *session.Session, name string, timeout time.Duration) (adb.Device, error) {
	logger.Info("Waiting for %s to come online", name)
	ticker := time.NewTicker(m.pollInterval())
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	launch := sess.Done()
	for {
		select {
		case <-ctx.Done():
			return adb.Device{}, ctx.Err()
		case <-launch:
			var err error
			if launch, err = launchEnded(sess, name); err != nil {
				return adb.Device{}, err
			}
			continue
		case <-deadline.C:
			return adb.Device{}, core.Timeout(fmt.Sprintf("waiting for %s to come online after %v", name, timeout))
		case <-ticker.C:
		}

		named, err := m.registry.Named(ctx)
		if err != nil {
			if !core.CategoryOf(err).IsRetryable() {
				return adb.Device{}, fmt.Errorf("listing devices: %w", err)
			}
			logger.Debug("device poll failed: %v", err)
			continue
		}
		d, ok := named[name]
		if !ok {
			logger.Debug("%v", core.DeviceNotFound(name))
			continue
		}
		if d.Status == adb.Online {
			logger.Info("Device online: %s (%s)", name, d.ID)
			return d, nil
		}
		logger.Debug("%s is %s", d.ID, d.Status)
	}
}

// waitBoot polls the boot animation property until it reports stopped.
func (m *Manager) waitBoot(ctx context.Context, sess *session.Session, d adb.Device, timeout time.Duration) error {
	logger.Info("Waiting for emulator boot complete: %s", d.ID)
	ticker := time.NewTicker(m.pollInterval())
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	launch := sess.Done()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-launch:
			var err error
			if launch, err = launchEnded(sess, d.ID); err != nil {
				return err
			}
			continue
		case <-deadline.C:
			return core.Timeout(fmt.Sprintf("waiting for %s to boot after %v", d.ID, timeout))
		case <-ticker.C:
		}

		value, err := m.registry.QueryProperty(ctx, BootAnimProperty, d)
		if err != nil {
			logger.Debug("boot check error: %v", err)
			continue
		}
		logger.Debug("%s %s=%s", d.ID, BootAnimProperty, value)
		if value == "stopped" {
			return nil
		}
	}
}

// Stop kills the emulator running the AVD. An AVD that is not running is
// already stopped, so that is not an error.
func (m *Manager) Stop(ctx context.Context, name string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	named, err := m.registry.Named(ctx)
	if err != nil {
		return m.stopErr(ctx, name, err)
	}
	d, ok := named[name]
	if !ok {
		logger.Info("Emulator %s is not running, nothing to stop", name)
		return nil
	}

	logger.Info("Shutting down emulator: %s (%s)", name, d.ID)
	if err := m.registry.Kill(ctx, d); err != nil {
		return m.stopErr(ctx, name, err)
	}
	logger.Info("Emulator shutdown confirmed: %s", name)
	return nil
}

func (m *Manager) stopErr(ctx context.Context, name string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.Timeout("stopping " + name).WithCause(err)
	}
	return fmt.Errorf("stop %s: %w", name, err)
}

// StopAll kills every emulator that answers the name handshake, in
// parallel. It returns the names it stopped.
func (m *Manager) StopAll(ctx context.Context, timeout time.Duration) ([]string, error) {
	logger.Info("Shutting down all running emulators")
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	named, err := m.registry.Named(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		stopped []string
		errs    []error
		g       errgroup.Group
	)
	for name, d := range named {
		g.Go(func() error {
			err := m.registry.Kill(ctx, d)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return err
			}
			stopped = append(stopped, name)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(stopped)
	if len(errs) > 0 {
		return stopped, fmt.Errorf("errors during shutdown: %w", errors.Join(errs...))
	}
	return stopped, nil
}
