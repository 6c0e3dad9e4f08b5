//go:build !windows

package sdkmanager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/avd-runner/pkg/core"
)

// fakeSDKManager writes an sdkmanager stand-in that records its arguments
// and every stdin answer under dir.
func fakeSDKManager(t *testing.T, body string) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sdkmanager")
	script := "#!/bin/sh\necho \"$@\" > \"$FAKE_DIR/args\"\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	m := &Manager{Path: path, Env: map[string]string{"FAKE_DIR": dir}}
	return m, dir
}

const licenseScript = `printf 'License android-sdk-license:\n'
printf 'Terms and conditions\n'
printf 'Accept? (y/N): '
read answer
printf '%s\n' "$answer" >> "$FAKE_DIR/answers"
echo "Unzipping... done"
`

func TestInstall_AnswersLicense(t *testing.T) {
	m, dir := fakeSDKManager(t, licenseScript)
	key := "system-images;android-26;google_apis;x86"

	inst, err := m.Install(context.Background(), key)
	require.NoError(t, err)

	var states []State
	for st := range inst.Statuses() {
		states = append(states, st.State)
		if st.State == AwaitingLicense {
			assert.Equal(t, LicenseSdk, st.Kind)
			require.NoError(t, inst.Answer("Y"))
		}
	}
	require.NoError(t, inst.Wait())

	assert.Equal(t, []State{PrintingLicense, PrintingLicense, AwaitingLicense, InFlight}, states)

	answers, err := os.ReadFile(filepath.Join(dir, "answers"))
	require.NoError(t, err)
	assert.Equal(t, "Y\n", string(answers))

	args, err := os.ReadFile(filepath.Join(dir, "args"))
	require.NoError(t, err)
	assert.Equal(t, key, strings.TrimSpace(string(args)))
}

func TestInstallWithPolicy_Accepts(t *testing.T) {
	m, dir := fakeSDKManager(t, licenseScript)

	err := m.InstallWithPolicy(context.Background(), "system-images;android-26;google_apis;x86", LicensePolicy{AcceptSdk: true})
	require.NoError(t, err)

	answers, err := os.ReadFile(filepath.Join(dir, "answers"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Y"}, strings.Fields(string(answers)))
}

func TestInstallWithPolicy_Declines(t *testing.T) {
	m, dir := fakeSDKManager(t, `printf 'License android-sdk-preview-license:\n'
printf 'Accept? (y/N):'
read answer
printf '%s\n' "$answer" >> "$FAKE_DIR/answers"
`)

	start := time.Now()
	err := m.InstallWithPolicy(context.Background(), "system-images;android-P;google_apis;x86", LicensePolicy{AcceptSdk: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrLicenseNotApproved)
	assert.Contains(t, err.Error(), "android-sdk-preview-license")
	assert.Less(t, time.Since(start), 10*time.Second)

	_, statErr := os.Stat(filepath.Join(dir, "answers"))
	assert.True(t, os.IsNotExist(statErr), "a declined license must never be answered")
}

func TestInstall_PackageNotFoundPreemptsStdout(t *testing.T) {
	key := "system-images;android-14;google_apis;x86_64"
	m, _ := fakeSDKManager(t, `echo "Loading package information..."
echo "Failed to find package `+key+`" >&2
i=0
while [ $i -lt 200 ]; do
  echo "progress $i"
  i=$((i+1))
  sleep 0.05
done
`)

	start := time.Now()
	err := m.InstallWithPolicy(context.Background(), key, LicensePolicy{AcceptSdk: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPackageNotFound)
	assert.Equal(t, "Failed to find package "+key, err.Error())
	assert.Less(t, time.Since(start), 8*time.Second, "the tool should be killed once stderr reports a fatal error")
}

func TestInstall_UsageBanner(t *testing.T) {
	m, _ := fakeSDKManager(t, `echo "Usage:"
echo "Usage: sdkmanager [--uninstall] [<common args>] [--package_file=<file>]"
exit 1
`)
	err := m.InstallWithPolicy(context.Background(), "bogus", LicensePolicy{})
	assert.ErrorIs(t, err, core.ErrInvalidInvocation)
}

func TestInstall_NonZeroExit(t *testing.T) {
	m, _ := fakeSDKManager(t, "echo 'Warning: network unreachable' >&2\nexit 1\n")
	err := m.InstallWithPolicy(context.Background(), "platform-tools", LicensePolicy{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrProcessExit)
	code, ok := core.ExitCode(err)
	assert.True(t, ok)
	assert.Equal(t, 1, code)
}

func TestInstall_DropsBlankAndRepeatedLines(t *testing.T) {
	m, _ := fakeSDKManager(t, `printf '[=====   ] 25%%\r[=====   ] 25%%\r\n\n[========] 100%%   \n'
`)
	inst, err := m.Install(context.Background(), "platform-tools")
	require.NoError(t, err)

	var texts []string
	for st := range inst.Statuses() {
		texts = append(texts, st.Text)
	}
	require.NoError(t, inst.Wait())
	assert.Equal(t, []string{"[=====   ] 25%", "[========] 100%"}, texts)
}

func TestInstall_ContextCancel(t *testing.T) {
	m, _ := fakeSDKManager(t, "sleep 30\n")
	ctx, cancel := context.WithCancel(context.Background())

	inst, err := m.Install(ctx, "platform-tools")
	require.NoError(t, err)
	cancel()

	err = inst.Wait()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInstall_LockHeld(t *testing.T) {
	m, _ := fakeSDKManager(t, "exit 0\n")
	m.LockPath = filepath.Join(t.TempDir(), LockFileName)
	m.LockTimeout = 300 * time.Millisecond

	other := flock.New(m.LockPath)
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	_, err = m.Install(context.Background(), "platform-tools")
	assert.Error(t, err)

	require.NoError(t, other.Unlock())
	require.NoError(t, m.InstallWithPolicy(context.Background(), "platform-tools", LicensePolicy{}))
}

func TestManager_Args(t *testing.T) {
	m := &Manager{
		Proxy:   &ProxyConfig{Type: "http", Host: "proxy.local", Port: 3128},
		NoHTTPS: true,
	}
	assert.Equal(t, []string{
		"--proxy=http",
		"--proxy_host=proxy.local",
		"--proxy_port=3128",
		"--no_https",
		"platform-tools",
	}, m.Args("platform-tools"))

	assert.Equal(t, []string{"platform-tools"}, (&Manager{}).Args("platform-tools"))
}

func TestNewManager(t *testing.T) {
	m := NewManager("/sdk/cmdline-tools/latest/bin/sdkmanager", "/sdk")
	assert.Equal(t, filepath.Join("/sdk", LockFileName), m.LockPath)
	assert.Equal(t, "/sdk", m.Env["ANDROID_SDK_ROOT"])

	assert.Empty(t, NewManager("sdkmanager", "").LockPath)
}
