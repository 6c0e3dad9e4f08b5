package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/devicelab-dev/avd-runner/pkg/core"
	"github.com/devicelab-dev/avd-runner/pkg/logger"
)

// sdkEnvVars are consulted in order when no explicit SDK path is given.
var sdkEnvVars = []string{"ANDROID_HOME", "ANDROID_SDK_ROOT", "ANDROID_SDK_HOME"}

// ResolveSDKRoot returns the Android SDK root.
//
// Resolution order:
//  1. explicit (flag or sdkPath in avd.yaml)
//  2. sdk.dir in <projectDir>/local.properties
//  3. $ANDROID_HOME, $ANDROID_SDK_ROOT, $ANDROID_SDK_HOME
func ResolveSDKRoot(explicit, projectDir string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	if projectDir != "" {
		propFile := filepath.Join(projectDir, "local.properties")
		if dir, err := readSDKDir(propFile); err == nil && dir != "" {
			logger.Info("Using sdk.dir path: %s", dir)
			return dir, nil
		} else if os.IsNotExist(err) {
			logger.Debug("local.properties doesn't exist at %s", propFile)
		}
	}

	for _, env := range sdkEnvVars {
		if dir := os.Getenv(env); dir != "" {
			logger.Info("Using %s path: %s", env, dir)
			return dir, nil
		}
	}

	return "", core.InvalidConfig("unable to find android sdk. Specify ANDROID_HOME env variable or sdk.dir in local.properties")
}

// ResolveAVDHome returns the AVD directory override, empty for the tools'
// default of ~/.android/avd.
func ResolveAVDHome(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return os.Getenv("ANDROID_AVD_HOME")
}

// readSDKDir reads sdk.dir from a Java properties file. Only the escapes
// Android Studio writes (\: and \\) are undone.
func readSDKDir(path string) (string, error) {
	f, err := os.Open(path) //#nosec G304 -- project file
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == '!' {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "sdk.dir" {
			continue
		}
		value = strings.NewReplacer(`\:`, ":", `\\`, `\`).Replace(strings.TrimSpace(value))
		return value, nil
	}
	return "", sc.Err()
}
