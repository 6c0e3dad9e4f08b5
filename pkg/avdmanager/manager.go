// Package avdmanager creates and lists Android Virtual Devices through the
// SDK's avdmanager tool.
package avdmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/avd-runner/pkg/core"
	"github.com/devicelab-dev/avd-runner/pkg/logger"
	"github.com/devicelab-dev/avd-runner/pkg/session"
)

const (
	DefaultCreateTimeout = 2 * time.Minute
	DefaultListTimeout   = 30 * time.Second

	// HardwareProfilePrompt is asked by "create avd" without a newline.
	HardwareProfilePrompt = "[no]"

	// parsingSuffix ends the "Parsing <file>.xml" noise, which is not
	// always followed by a newline.
	parsingSuffix = ".xml"
)

// Manager drives avdmanager.
type Manager struct {
	Path string

	// AVDHome is exported as ANDROID_AVD_HOME when set; otherwise AVDs
	// live in ~/.android/avd.
	AVDHome string
	Timeout time.Duration
}

// NewManager returns a Manager for the avdmanager binary at path.
func NewManager(path, avdHome string) *Manager {
	return &Manager{Path: path, AVDHome: avdHome, Timeout: DefaultCreateTimeout}
}

// CreateOptions describes one "create avd" invocation.
type CreateOptions struct {
	Name     string // escaped AVD name
	Package  string // system image key
	DeviceID string
	SDCard   string // size like 512M, or path to an existing image
	Path     string // AVD directory override
	Force    bool
	Snapshot bool

	CoreCount int
	ConfigIni [][2]string
}

// Args returns the avdmanager arguments.
func (o CreateOptions) Args() []string {
	args := []string{"create", "avd", "--name", o.Name, "--package", o.Package}
	if o.DeviceID != "" {
		args = append(args, "--device", o.DeviceID)
	}
	if o.SDCard != "" {
		args = append(args, "--sdcard", o.SDCard)
	}
	if o.Path != "" {
		args = append(args, "--path", o.Path)
	}
	if o.Force {
		args = append(args, "--force")
	}
	if o.Snapshot {
		args = append(args, "--snapshot")
	}
	return args
}

func (m *Manager) env() map[string]string {
	if m.AVDHome == "" {
		return nil
	}
	return map[string]string{"ANDROID_AVD_HOME": m.AVDHome}
}

// Dir returns the directory holding name's files.
func (m *Manager) Dir(opts CreateOptions) (string, error) {
	if opts.Path != "" {
		return opts.Path, nil
	}
	home := m.AVDHome
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locating AVD home: %w", err)
		}
		home = filepath.Join(userHome, ".android", "avd")
	}
	return filepath.Join(home, opts.Name+".avd"), nil
}

// Create runs "avdmanager create avd", declines the custom hardware
// profile and then patches the new AVD's config.ini.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) error {
	if opts.Name == "" || opts.Package == "" {
		return core.ErrMissingRequired.WithMessage("avdmanager: name and package are required")
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultCreateTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Info("Creating AVD %s from %s", opts.Name, opts.Package)
	sess, err := session.Spawn(rctx, session.Spec{
		Name:    "avdmanager",
		Path:    m.Path,
		Args:    opts.Args(),
		Env:     m.env(),
		Prompts: []string{HardwareProfilePrompt},
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	var (
		wg      sync.WaitGroup
		lastErr string
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for line := range sess.Stderr().Lines() {
			if line = strings.TrimSpace(line); line != "" {
				logger.Warn("avdmanager: %s", line)
				lastErr = line
			}
		}
	}()

	for line := range sess.Stdout().Lines() {
		if strings.HasSuffix(strings.TrimSpace(line), HardwareProfilePrompt) {
			if err := sess.WriteLine("no"); err != nil {
				logger.Warn("answering hardware profile prompt: %v", err)
			}
		}
	}
	wg.Wait()

	if _, err := sess.Wait(0); err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return core.Timeout(fmt.Sprintf("creating AVD %s after %v", opts.Name, timeout)).WithCause(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if lastErr != "" {
			return fmt.Errorf("create avd %s: %s: %w", opts.Name, lastErr, err)
		}
		return fmt.Errorf("create avd %s: %w", opts.Name, err)
	}

	dir, err := m.Dir(opts)
	if err != nil {
		return err
	}
	patch := Patch{CoreCount: opts.CoreCount, Entries: opts.ConfigIni}
	if err := PatchConfigIni(ctx, filepath.Join(dir, "config.ini"), patch); err != nil {
		logger.Error("error while modifying ini file: %v", err)
		return err
	}
	logger.Info("AVD %s created", opts.Name)
	return nil
}

// List returns the names of the AVDs avdmanager knows about.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	lines, err := session.Output(ctx, session.Spec{
		Name:    "avdmanager",
		Path:    m.Path,
		Args:    []string{"list", "avd", "-c"},
		Env:     m.env(),
		Prompts: []string{parsingSuffix},
	}, DefaultListTimeout)
	if err != nil {
		return nil, err
	}
	names := ParseList(lines)
	logger.Info("avdList %s", strings.Join(names, ", "))
	return names, nil
}

// ParseList extracts AVD names from "list avd -c" output.
func ParseList(lines []string) []string {
	var names []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Parsing ") {
			continue
		}
		names = append(names, line)
	}
	return names
}

// Exists reports whether an AVD called name is listed.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	names, err := m.List(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}
