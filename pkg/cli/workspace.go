package cli

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/avd-runner/pkg/adb"
	"github.com/devicelab-dev/avd-runner/pkg/avdmanager"
	"github.com/devicelab-dev/avd-runner/pkg/config"
	"github.com/devicelab-dev/avd-runner/pkg/emulator"
	"github.com/devicelab-dev/avd-runner/pkg/logger"
	"github.com/devicelab-dev/avd-runner/pkg/sdkmanager"
)

// workspace is the validated configuration plus the resolved SDK layout.
type workspace struct {
	cfg     *config.Config
	sdkRoot string
	avdHome string
}

// loadWorkspace reads the workspace file named by --config, or avd.yaml in
// the current directory, and resolves the SDK root.
func loadWorkspace(c *cli.Context) (*workspace, error) {
	var (
		cfg        *config.Config
		projectDir string
		err        error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
		projectDir = filepath.Dir(path)
	} else {
		if projectDir, err = os.Getwd(); err != nil {
			return nil, err
		}
		cfg, err = config.LoadFromDir(projectDir)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	explicit := c.String("sdk")
	if explicit == "" {
		explicit = cfg.SDKPath
	}
	sdkRoot, err := config.ResolveSDKRoot(explicit, projectDir)
	if err != nil {
		return nil, err
	}

	avdHome := c.String("avd-home")
	if avdHome == "" {
		avdHome = cfg.AVDPath
	}

	ws := &workspace{cfg: cfg, sdkRoot: sdkRoot, avdHome: config.ResolveAVDHome(avdHome)}
	logger.Info("SDK root: %s", ws.sdkRoot)
	if ws.avdHome != "" {
		logger.Info("AVD home: %s", ws.avdHome)
	}
	return ws, nil
}

func (w *workspace) devices(c *cli.Context) ([]config.Device, error) {
	return w.cfg.Select(c.Args().Slice())
}

func (w *workspace) policy() sdkmanager.LicensePolicy {
	return sdkmanager.LicensePolicy{
		AcceptSdk:        w.cfg.AcceptAndroidSdkLicense,
		AcceptSdkPreview: w.cfg.AcceptAndroidSdkPreviewLicense,
		AcceptHaxm:       w.cfg.AcceptHaxmLicense,
	}
}

func (w *workspace) sdkManager() (*sdkmanager.Manager, error) {
	path, err := emulator.FindSDKManagerBinary(w.sdkRoot)
	if err != nil {
		return nil, err
	}
	m := sdkmanager.NewManager(path, w.sdkRoot)
	m.NoHTTPS = w.cfg.NoHTTPS
	if p := w.cfg.Proxy; p != nil {
		m.Proxy = &sdkmanager.ProxyConfig{Type: p.Type, Host: p.Host, Port: p.Port}
	}
	return m, nil
}

func (w *workspace) avdManager() (*avdmanager.Manager, error) {
	path, err := emulator.FindAVDManagerBinary(w.sdkRoot)
	if err != nil {
		return nil, err
	}
	return avdmanager.NewManager(path, w.avdHome), nil
}

func (w *workspace) registry() (*adb.Registry, error) {
	path, err := emulator.FindADBBinary(w.sdkRoot)
	if err != nil {
		return nil, err
	}
	return adb.NewRegistry(path), nil
}

func (w *workspace) emulators() (*emulator.Manager, error) {
	registry, err := w.registry()
	if err != nil {
		return nil, err
	}
	path, err := emulator.FindEmulatorBinary(w.sdkRoot)
	if err != nil {
		return nil, err
	}
	m := emulator.NewManager(registry, path, w.sdkRoot)
	m.AVDHome = w.avdHome
	return m, nil
}

// createOptions maps a device config onto an avdmanager invocation.
func createOptions(d config.Device) avdmanager.CreateOptions {
	sdcard := string(d.AVD.SDSize)
	if d.AVD.SDPath != "" {
		sdcard = d.AVD.SDPath
	}
	return avdmanager.CreateOptions{
		Name:      d.EscapedName(),
		Package:   d.SystemImageKey(),
		DeviceID:  d.AVD.DeviceID,
		SDCard:    sdcard,
		Path:      d.AVD.Path,
		Force:     d.AVD.ForceCreate,
		Snapshot:  d.AVD.Snapshot,
		CoreCount: d.AVD.CoreCount,
		ConfigIni: d.AVD.ConfigIni,
	}
}
