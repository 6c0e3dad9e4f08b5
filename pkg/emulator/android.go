package emulator

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// exe appends the Windows executable suffix where needed.
func exe(name, winExt string) string {
	if runtime.GOOS == "windows" {
		return name + winExt
	}
	return name
}

// findTool returns the first candidate under sdkRoot that exists, falling
// back to PATH lookup of name.
func findTool(sdkRoot, name string, candidates ...[]string) (string, error) {
	if sdkRoot != "" {
		for _, parts := range candidates {
			path := filepath.Join(append([]string{sdkRoot}, parts...)...)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%s not found. Set the SDK path or add %s to PATH", name, name)
}

// FindEmulatorBinary locates the Android emulator binary
func FindEmulatorBinary(sdkRoot string) (string, error) {
	name := exe("emulator", ".exe")
	return findTool(sdkRoot, name,
		[]string{"emulator", name}, // new layout
		[]string{"tools", name},    // old layout
	)
}

// FindAVDManagerBinary locates the avdmanager binary
func FindAVDManagerBinary(sdkRoot string) (string, error) {
	name := exe("avdmanager", ".bat")
	return findTool(sdkRoot, name,
		[]string{"cmdline-tools", "latest", "bin", name},
		[]string{"tools", "bin", name},
	)
}

// FindSDKManagerBinary locates the sdkmanager binary
func FindSDKManagerBinary(sdkRoot string) (string, error) {
	name := exe("sdkmanager", ".bat")
	return findTool(sdkRoot, name,
		[]string{"cmdline-tools", "latest", "bin", name},
		[]string{"tools", "bin", name},
	)
}

// FindADBBinary locates adb
func FindADBBinary(sdkRoot string) (string, error) {
	name := exe("adb", ".exe")
	return findTool(sdkRoot, name, []string{"platform-tools", name})
}
