package avdmanager

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// DefaultConfigIni holds the entries written to every new AVD's config.ini
// before user patches: a frameless dynamic skin, GPS and host GPU.
var DefaultConfigIni = [][2]string{
	{"skin.dynamic", "yes"},
	{"showDeviceFrame", "no"},
	{"skin.path", "_no_skin"},
	{"skin.path.backup", "_no_skin"},
	{"hw.gps", "yes"},
	{"hw.gpu.enabled", "yes"},
	{"hw.gpu.mode", "auto"},
}

const iniLockTimeout = 30 * time.Second

// ConfigIni is an AVD config.ini: flat key=value lines. Order, comments
// and blank lines are preserved across Load and Save.
type ConfigIni struct {
	lines []string
	index map[string]int // key -> position in lines
}

// ParseConfigIni reads config.ini content.
func ParseConfigIni(data []byte) *ConfigIni {
	c := &ConfigIni{index: make(map[string]int)}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if key, _, ok := splitEntry(line); ok {
			c.index[key] = len(c.lines)
		}
		c.lines = append(c.lines, line)
	}
	return c
}

func splitEntry(line string) (string, string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	key, value, ok := strings.Cut(trimmed, "=")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(key), strings.TrimSpace(value), true
}

// Get returns the value for key.
func (c *ConfigIni) Get(key string) (string, bool) {
	i, ok := c.index[key]
	if !ok {
		return "", false
	}
	_, value, _ := splitEntry(c.lines[i])
	return value, true
}

// Set replaces key in place or appends it.
func (c *ConfigIni) Set(key, value string) {
	line := key + "=" + value
	if i, ok := c.index[key]; ok {
		c.lines[i] = line
		return
	}
	c.index[key] = len(c.lines)
	c.lines = append(c.lines, line)
}

// Bytes renders the file.
func (c *ConfigIni) Bytes() []byte {
	var buf bytes.Buffer
	for _, line := range c.lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Patch is what gets applied to a freshly created AVD.
type Patch struct {
	CoreCount int
	Entries   [][2]string // applied last, in order
}

// Apply sets the skin from the LCD size, core count, keyboard, the
// defaults and finally the user entries.
func (p Patch) Apply(c *ConfigIni) {
	width, wok := c.Get("hw.lcd.width")
	height, hok := c.Get("hw.lcd.height")
	if wok && hok {
		c.Set("skin.name", width+"x"+height)
	}
	if p.CoreCount > 0 {
		c.Set("hw.cpu.ncore", strconv.Itoa(p.CoreCount))
	}
	c.Set("hw.keyboard", "yes")
	for _, kv := range DefaultConfigIni {
		c.Set(kv[0], kv[1])
	}
	for _, kv := range p.Entries {
		c.Set(kv[0], kv[1])
	}
}

// PatchConfigIni applies p to the config.ini at path under a file lock,
// so concurrent creates of the same AVD cannot interleave writes.
func PatchConfigIni(ctx context.Context, path string, p Patch) error {
	lctx, cancel := context.WithTimeout(ctx, iniLockTimeout)
	defer cancel()

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(lctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("config.ini is locked by another process: %s", path)
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(path + ".lock")
	}()

	data, err := os.ReadFile(path) //#nosec G304 -- AVD directory we just created
	if err != nil {
		return fmt.Errorf("reading config.ini: %w", err)
	}
	ini := ParseConfigIni(data)
	p.Apply(ini)

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, ini.Bytes(), info.Mode().Perm()); err != nil {
		return fmt.Errorf("writing config.ini: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing config.ini: %w", err)
	}
	return nil
}
