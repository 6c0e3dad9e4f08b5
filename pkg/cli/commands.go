package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/avd-runner/pkg/adb"
	"github.com/devicelab-dev/avd-runner/pkg/config"
	"github.com/devicelab-dev/avd-runner/pkg/emulator"
	"github.com/devicelab-dev/avd-runner/pkg/logger"
)

var installCommand = &cli.Command{
	Name:      "install",
	Usage:     "Install the system images the configs need",
	ArgsUsage: "[config names...]",
	Description: `Runs sdkmanager for each config's system image and answers license
prompts according to the accept*License settings in avd.yaml.

Examples:
  avd-runner install
  avd-runner install "Pixel API 28"`,
	Action: runInstall,
}

var createCommand = &cli.Command{
	Name:      "create",
	Usage:     "Create the AVDs declared in the workspace",
	ArgsUsage: "[config names...]",
	Description: `Creates each AVD with avdmanager and patches its config.ini. An AVD
that already exists is left alone unless forceCreate is set.`,
	Action: runCreate,
}

var startCommand = &cli.Command{
	Name:      "start",
	Usage:     "Start emulators and wait for them to boot",
	ArgsUsage: "[config names...]",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "online-timeout",
			Usage: "How long adb may take to report the emulator online",
			Value: emulator.DefaultOnlineTimeout,
		},
		&cli.DurationFlag{
			Name:  "boot-timeout",
			Usage: "How long the boot animation may take to stop",
			Value: emulator.DefaultBootTimeout,
		},
		&cli.StringFlag{
			Name:  "log-dir",
			Usage: "Write each emulator's output to <log-dir>/<name>.log",
		},
	},
	Action: runStart,
}

var stopCommand = &cli.Command{
	Name:      "stop",
	Usage:     "Stop running emulators",
	ArgsUsage: "[config names...]",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "all",
			Usage: "Stop every running emulator, configured or not",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Bound on each shutdown",
			Value: time.Minute,
		},
	},
	Action: runStop,
}

var listCommand = &cli.Command{
	Name:   "list",
	Usage:  "List created AVDs and running emulators",
	Action: runList,
}

func runInstall(c *cli.Context) error {
	ws, err := loadWorkspace(c)
	if err != nil {
		return err
	}
	devices, err := ws.devices(c)
	if err != nil {
		return err
	}
	mgr, err := ws.sdkManager()
	if err != nil {
		return err
	}

	out := c.App.Writer
	done := make(map[string]bool)
	for _, d := range devices {
		key := d.SystemImageKey()
		if done[key] {
			continue
		}
		done[key] = true

		printStep(out, "Installing %s", key)
		if err := mgr.InstallWithPolicy(c.Context, key, ws.policy()); err != nil {
			printFailure(out, "%s: %v", key, err)
			return fmt.Errorf("install %s: %w", key, err)
		}
		printSuccess(out, "Installed %s", key)
	}
	return nil
}

func runCreate(c *cli.Context) error {
	ws, err := loadWorkspace(c)
	if err != nil {
		return err
	}
	devices, err := ws.devices(c)
	if err != nil {
		return err
	}
	mgr, err := ws.avdManager()
	if err != nil {
		return err
	}

	out := c.App.Writer
	for _, d := range devices {
		name := d.EscapedName()
		if !d.AVD.ForceCreate {
			exists, err := mgr.Exists(c.Context, name)
			if err != nil {
				return err
			}
			if exists {
				printSkip(out, "%s already exists", name)
				continue
			}
		}

		printStep(out, "Creating %s", name)
		if err := mgr.Create(c.Context, createOptions(d)); err != nil {
			printFailure(out, "%s: %v", name, err)
			return err
		}
		printSuccess(out, "Created %s", name)
	}
	return nil
}

func runStart(c *cli.Context) error {
	ws, err := loadWorkspace(c)
	if err != nil {
		return err
	}
	devices, err := ws.devices(c)
	if err != nil {
		return err
	}
	mgr, err := ws.emulators()
	if err != nil {
		return err
	}

	logDir := c.String("log-dir")
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	out := c.App.Writer
	for _, d := range devices {
		name := d.EscapedName()
		opts := emulator.StartOptions{
			LaunchOptions: d.LaunchArgs(),
			OnlineTimeout: c.Duration("online-timeout"),
			BootTimeout:   c.Duration("boot-timeout"),
		}
		if logDir != "" {
			opts.LogFile = filepath.Join(logDir, name+".log")
		}

		printStep(out, "Starting %s", name)
		start := time.Now()
		dev, err := mgr.Start(c.Context, name, opts)
		if err != nil {
			printFailure(out, "%s: %v", name, err)
			return fmt.Errorf("start %s: %w", name, err)
		}
		printSuccess(out, "%s booted on %s in %s", name, dev.ID, time.Since(start).Round(time.Second))
	}
	return nil
}

func runStop(c *cli.Context) error {
	ws, err := loadWorkspace(c)
	if err != nil {
		return err
	}
	mgr, err := ws.emulators()
	if err != nil {
		return err
	}
	out := c.App.Writer
	timeout := c.Duration("timeout")

	if c.Bool("all") {
		stopped, err := mgr.StopAll(c.Context, timeout)
		for _, name := range stopped {
			printSuccess(out, "Stopped %s", name)
		}
		if len(stopped) == 0 && err == nil {
			printSkip(out, "No emulators running")
		}
		return err
	}

	devices, err := ws.devices(c)
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range devices {
		name := d.EscapedName()
		if err := mgr.Stop(c.Context, name, timeout); err != nil {
			printFailure(out, "%s: %v", name, err)
			errs = append(errs, err)
			continue
		}
		printSuccess(out, "%s stopped", name)
	}
	return errors.Join(errs...)
}

func runList(c *cli.Context) error {
	ws, err := loadWorkspace(c)
	if err != nil {
		return err
	}
	avds, err := ws.avdManager()
	if err != nil {
		return err
	}
	registry, err := ws.registry()
	if err != nil {
		return err
	}

	out := c.App.Writer
	created, err := avds.List(c.Context)
	if err != nil {
		return err
	}
	running, err := registry.Named(c.Context)
	if err != nil {
		logger.Warn("listing running emulators: %v", err)
		printWarning(out, "Could not list running emulators: %v", err)
	}

	printHeader(out, "Configs")
	createdSet := make(map[string]bool, len(created))
	for _, name := range created {
		createdSet[name] = true
	}
	for _, d := range ws.cfg.Configs {
		fmt.Fprintf(out, "  %-30s %-55s %s\n", d.EscapedName(), d.SystemImageKey(), configState(d, createdSet, running))
	}

	printHeader(out, "AVDs")
	for _, name := range created {
		fmt.Fprintf(out, "  %s\n", name)
	}

	printHeader(out, "Running")
	names := make([]string, 0, len(running))
	for name := range running {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d := running[name]
		fmt.Fprintf(out, "  %-30s %s (%s)\n", name, d.ID, d.Status)
	}
	return nil
}

func configState(d config.Device, created map[string]bool, running map[string]adb.Device) string {
	name := d.EscapedName()
	if _, ok := running[name]; ok {
		return "running"
	}
	if created[name] {
		return "created"
	}
	return "missing"
}
