//go:build !windows

package avdmanager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/avd-runner/pkg/core"
)

// fakeAVDManager writes an avdmanager stand-in. It records its arguments
// and stdin answers in the AVD home, which doubles as its scratch dir.
func fakeAVDManager(t *testing.T, body string) *Manager {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "avdmanager")
	script := "#!/bin/sh\necho \"$@\" > \"$ANDROID_AVD_HOME/args\"\n" + body
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return NewManager(bin, t.TempDir())
}

const createScript = `printf 'Do you wish to create a custom hardware profile? [no]'
read answer
printf '%s\n' "$answer" > "$ANDROID_AVD_HOME/answers"
mkdir -p "$ANDROID_AVD_HOME/$4.avd"
printf 'AvdId=%s\nhw.lcd.height=1920\nhw.lcd.width=1080\n' "$4" > "$ANDROID_AVD_HOME/$4.avd/config.ini"
`

func readHome(t *testing.T, m *Manager, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(m.AVDHome, name))
	require.NoError(t, err)
	return string(data)
}

func TestCreate(t *testing.T) {
	m := fakeAVDManager(t, createScript)

	err := m.Create(context.Background(), CreateOptions{
		Name:      "Pixel_API_28",
		Package:   "system-images;android-28;google_apis;x86",
		DeviceID:  "pixel",
		CoreCount: 2,
		ConfigIni: [][2]string{{"hw.ramSize", "2048"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "no\n", readHome(t, m, "answers"))
	assert.Equal(t,
		"create avd --name Pixel_API_28 --package system-images;android-28;google_apis;x86 --device pixel",
		strings.TrimSpace(readHome(t, m, "args")))

	ini := ParseConfigIni([]byte(readHome(t, m, filepath.Join("Pixel_API_28.avd", "config.ini"))))
	for key, want := range map[string]string{
		"skin.name":    "1080x1920",
		"hw.cpu.ncore": "2",
		"hw.keyboard":  "yes",
		"hw.ramSize":   "2048",
	} {
		got, ok := ini.Get(key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
}

func TestCreate_ToolFails(t *testing.T) {
	m := fakeAVDManager(t, `echo "Error: Package path is not valid." >&2
exit 1
`)

	err := m.Create(context.Background(), CreateOptions{Name: "bad", Package: "system-images;nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Package path is not valid")
	assert.ErrorIs(t, err, core.ErrProcessExit)
	code, ok := core.ExitCode(err)
	require.True(t, ok)
	assert.Equal(t, 1, code)
}

func TestCreate_MissingConfigIni(t *testing.T) {
	m := fakeAVDManager(t, "exit 0\n")

	err := m.Create(context.Background(), CreateOptions{Name: "ghost", Package: "system-images;x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.ini")
}

func TestCreate_Timeout(t *testing.T) {
	m := fakeAVDManager(t, "sleep 30\n")
	m.Timeout = 200 * time.Millisecond

	start := time.Now()
	err := m.Create(context.Background(), CreateOptions{Name: "slow", Package: "system-images;x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCreate_RequiresNameAndPackage(t *testing.T) {
	m := NewManager("/bin/false", "")
	err := m.Create(context.Background(), CreateOptions{Name: "x"})
	assert.ErrorIs(t, err, core.ErrMissingRequired)
}

func TestList(t *testing.T) {
	m := fakeAVDManager(t, `printf 'Parsing /sdk/build-tools/package.xml'
printf 'Parsing /sdk/emulator/package.xml\n'
printf 'Nexus_5X_API_26\r\n'
printf 'Pixel_API_28\n'
`)

	names, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Nexus_5X_API_26", "Pixel_API_28"}, names)
	assert.Equal(t, "list avd -c", strings.TrimSpace(readHome(t, m, "args")))
}

func TestExists(t *testing.T) {
	m := fakeAVDManager(t, "echo Pixel_API_28\n")

	ok, err := m.Exists(context.Background(), "Pixel_API_28")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Exists(context.Background(), "Pixel")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestList_ToolFails(t *testing.T) {
	m := fakeAVDManager(t, "exit 2\n")
	_, err := m.List(context.Background())
	assert.ErrorIs(t, err, core.ErrProcessExit)
}

func TestCreateOptions_Args(t *testing.T) {
	opts := CreateOptions{
		Name: "n", Package: "p", DeviceID: "d", SDCard: "512M",
		Path: "/avd/n", Force: true, Snapshot: true,
	}
	assert.Equal(t, []string{
		"create", "avd", "--name", "n", "--package", "p",
		"--device", "d", "--sdcard", "512M", "--path", "/avd/n", "--force", "--snapshot",
	}, opts.Args())
}

func TestManager_Dir(t *testing.T) {
	m := NewManager("avdmanager", "/home/avd")
	dir, err := m.Dir(CreateOptions{Name: "n"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/avd", "n.avd"), dir)

	dir, err = m.Dir(CreateOptions{Name: "n", Path: "/custom"})
	require.NoError(t, err)
	assert.Equal(t, "/custom", dir)

	t.Setenv("HOME", "/users/me")
	dir, err = NewManager("avdmanager", "").Dir(CreateOptions{Name: "n"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/users/me", ".android", "avd", "n.avd"), dir)
}

func TestParseList(t *testing.T) {
	assert.Empty(t, ParseList(nil))
	assert.Equal(t, []string{"a"}, ParseList([]string{"", "  a  ", "Parsing x.xml", " "}))
}
