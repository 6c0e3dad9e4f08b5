// Package cli provides the command-line interface for avd-runner.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/avd-runner/pkg/logger"
)

// Version is set at build time.
var Version = "dev"

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Workspace file (default: avd.yaml in the current directory)",
		EnvVars: []string{"AVD_RUNNER_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "sdk",
		Usage:   "Android SDK root (overrides sdkPath, local.properties and ANDROID_HOME)",
		EnvVars: []string{"AVD_RUNNER_SDK"},
	},
	&cli.StringFlag{
		Name:    "avd-home",
		Usage:   "Directory holding AVDs (overrides avdPath and ANDROID_AVD_HOME)",
		EnvVars: []string{"AVD_RUNNER_AVD_HOME"},
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Enable verbose logging",
		EnvVars: []string{"AVD_RUNNER_VERBOSE"},
	},
	&cli.StringFlag{
		Name:    "log-file",
		Usage:   "Write the log to this file instead of stderr",
		EnvVars: []string{"AVD_RUNNER_LOG_FILE"},
	},
	&cli.BoolFlag{
		Name:  "no-ansi",
		Usage: "Disable ANSI colors",
	},
}

// NewApp builds the avd-runner application.
func NewApp() *cli.App {
	return &cli.App{
		Name:    "avd-runner",
		Usage:   "Install system images, create, start and stop Android emulators",
		Version: Version,
		Description: `avd-runner drives the Android SDK tools for the emulator configs
declared in avd.yaml. Commands take config names; no names means all configs.

Examples:
  avd-runner install
  avd-runner create "Pixel API 28"
  avd-runner start Pixel_API_28 --boot-timeout 10m
  avd-runner stop --all`,
		Flags:  GlobalFlags,
		Before: setupLogging,
		After: func(*cli.Context) error {
			logger.Close()
			return nil
		},
		Commands: []*cli.Command{
			installCommand,
			createCommand,
			startCommand,
			stopCommand,
			listCommand,
		},
	}
}

func setupLogging(c *cli.Context) error {
	if c.Bool("no-ansi") {
		colorsEnabled = false
	}
	logger.SetVerbose(c.Bool("verbose"))

	if path := c.String("log-file"); path != "" {
		if err := logger.Init(path); err != nil {
			return err
		}
	} else if c.Bool("verbose") {
		logger.SetOutput(c.App.ErrWriter)
	}
	logger.Info("avd-runner %s", Version)
	return nil
}

// Execute runs the CLI.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
