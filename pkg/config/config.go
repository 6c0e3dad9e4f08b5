// Package config handles configuration for avd-runner.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/avd-runner/pkg/core"
)

// Default values applied to every device config.
const (
	DefaultABI  = "x86_64"
	DefaultAPI  = "28"
	DefaultType = "google_apis"
)

var avdNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._() -]+$`)

// Config represents the workspace configuration (avd.yaml).
type Config struct {
	// SDK settings
	SDKPath string `yaml:"sdkPath"` // Android SDK root; resolved from the environment when empty
	AVDPath string `yaml:"avdPath"` // exported as ANDROID_AVD_HOME

	// License policy for system image installs
	AcceptAndroidSdkLicense        bool `yaml:"acceptAndroidSdkLicense"`
	AcceptAndroidSdkPreviewLicense bool `yaml:"acceptAndroidSdkPreviewLicense"`
	AcceptHaxmLicense              bool `yaml:"acceptHaxmLicense"`

	// sdkmanager network settings
	Proxy   *Proxy `yaml:"proxy"`
	NoHTTPS bool   `yaml:"noHttps"`

	Configs []Device `yaml:"configs"`
}

// Proxy is passed through to sdkmanager.
type Proxy struct {
	Type string `yaml:"type"` // http or socks
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Device is one named emulator configuration.
type Device struct {
	Name          string   `yaml:"name"`
	AVD           AVD      `yaml:"avd"`
	LaunchOptions []string `yaml:"launchOptions"`
	NetDelay      Scalar   `yaml:"netDelay"`
	NetSpeed      Scalar   `yaml:"netSpeed"`
}

// AVD describes the virtual device to create.
type AVD struct {
	ABI         string     `yaml:"abi"`
	API         Scalar     `yaml:"api"` // level or letter alias
	Type        string     `yaml:"type"`
	DeviceID    string     `yaml:"deviceId"`
	SDSize      Scalar     `yaml:"sdSize"`
	SDPath      string     `yaml:"sdPath"`
	Path        string     `yaml:"path"`
	ForceCreate bool       `yaml:"forceCreate"`
	Snapshot    bool       `yaml:"snapshot"`
	CoreCount   int        `yaml:"coreCount"`
	ConfigIni   IniEntries `yaml:"configIni"`
}

// Scalar accepts any YAML scalar as its literal text, so api: 28 and
// api: "28" decode the same way.
type Scalar string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Scalar) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", node.Line)
	}
	*s = Scalar(node.Value)
	return nil
}

// IniEntries are config.ini overrides in file order.
type IniEntries [][2]string

// UnmarshalYAML implements yaml.Unmarshaler, keeping mapping order.
func (e *IniEntries) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: configIni must be a mapping", node.Line)
	}
	entries := make(IniEntries, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: configIni value for %q must be a scalar", value.Line, key.Value)
		}
		entries = append(entries, [2]string{key.Value, value.Value})
	}
	*e = entries
	return nil
}

// Load loads configuration from a file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, core.InvalidConfig("parsing %s", path).WithCause(err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// LoadFromDir looks for avd.yaml or avd.yml in the directory.
func LoadFromDir(dir string) (*Config, error) {
	// Try avd.yaml first
	configPath := filepath.Join(dir, "avd.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// Try avd.yml
	configPath = filepath.Join(dir, "avd.yml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// No config file found, return empty config
	return &Config{}, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Configs {
		avd := &c.Configs[i].AVD
		if avd.ABI == "" {
			avd.ABI = DefaultABI
		}
		if avd.API == "" {
			avd.API = DefaultAPI
		}
		if avd.Type == "" {
			avd.Type = DefaultType
		}
		if avd.CoreCount == 0 {
			avd.CoreCount = runtime.NumCPU()
		}
	}
}

// Validate checks every config and canonicalizes the values that have
// aliases: api levels become android-N, types and net presets lowercase,
// and coreCount is clamped to the available CPUs.
func (c *Config) Validate() error {
	if c.Proxy != nil {
		switch {
		case c.Proxy.Type == "":
			return core.InvalidConfig("missing proxy type for valid proxy config")
		case c.Proxy.Host == "":
			return core.InvalidConfig("missing proxy host for valid proxy config")
		case c.Proxy.Port == 0:
			return core.InvalidConfig("missing proxy port for valid proxy config")
		}
	}

	seen := make(map[string]string)
	for i := range c.Configs {
		d := &c.Configs[i]
		if err := d.validate(); err != nil {
			return err
		}
		if other, ok := seen[d.EscapedName()]; ok {
			return core.InvalidConfig("configs %q and %q resolve to the same AVD name %q", other, d.Name, d.EscapedName())
		}
		seen[d.EscapedName()] = d.Name
	}
	return nil
}

func (d *Device) validate() error {
	if !avdNameRegex.MatchString(d.Name) {
		return core.InvalidConfig("AVD name must be of form `%s`: %q", avdNameRegex.String(), d.Name)
	}

	abi, err := ParseABI(d.AVD.ABI)
	if err != nil {
		return err
	}
	d.AVD.ABI = abi

	api, err := ParseAPILevel(string(d.AVD.API))
	if err != nil {
		return err
	}
	d.AVD.API = Scalar(api)

	typ, err := ParseAPIType(d.AVD.Type)
	if err != nil {
		return err
	}
	d.AVD.Type = typ

	if d.AVD.CoreCount < 1 {
		return core.InvalidConfig("%s: coreCount must be at least 1, got %d", d.Name, d.AVD.CoreCount)
	}
	if n := runtime.NumCPU(); d.AVD.CoreCount > n {
		d.AVD.CoreCount = n
	}

	if d.NetDelay != "" {
		v, err := ParseNetDelay(string(d.NetDelay))
		if err != nil {
			return err
		}
		d.NetDelay = Scalar(v)
	}
	if d.NetSpeed != "" {
		v, err := ParseNetSpeed(string(d.NetSpeed))
		if err != nil {
			return err
		}
		d.NetSpeed = Scalar(v)
	}
	return nil
}

// EscapedName is the AVD name handed to the SDK tools.
func (d *Device) EscapedName() string {
	return strings.ReplaceAll(d.Name, " ", "_")
}

// SystemImageKey is the sdkmanager package for the device's image.
// Values must have been canonicalized by Validate.
func (d *Device) SystemImageKey() string {
	return fmt.Sprintf("system-images;%s;%s;%s", d.AVD.API, d.AVD.Type, d.AVD.ABI)
}

// LaunchArgs returns the emulator options after -avd <name>.
func (d *Device) LaunchArgs() []string {
	args := append([]string(nil), d.LaunchOptions...)
	if d.NetDelay != "" {
		args = append(args, "-netdelay", string(d.NetDelay))
	}
	if d.NetSpeed != "" {
		args = append(args, "-netspeed", string(d.NetSpeed))
	}
	return args
}

// Select returns the configs with the given names, all of them when names
// is empty. Names match either the configured or the escaped form.
func (c *Config) Select(names []string) ([]Device, error) {
	if len(names) == 0 {
		return c.Configs, nil
	}
	var out []Device
	for _, name := range names {
		found := false
		for _, d := range c.Configs {
			if d.Name == name || d.EscapedName() == name {
				out = append(out, d)
				found = true
				break
			}
		}
		if !found {
			return nil, core.InvalidConfig("no config named %q", name)
		}
	}
	return out, nil
}

var validABIs = []string{"armeabi", "armeabi-v7a", "arm64-v8a", "x86", "x86_64", "mips", "mips64"}

// ParseABI validates a CPU ABI.
func ParseABI(value string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, abi := range validABIs {
		if v == abi {
			return abi, nil
		}
	}
	return "", core.InvalidConfig("no such abi '%s'. Valid args: %s", value, strings.Join(validABIs, ", "))
}

var apiAliases = map[string]int{
	"I": 15, "J": 18, "K": 19, "L": 22, "M": 23, "N": 25, "O": 26, "P": 28,
}

// ParseAPILevel maps a level like 26 or a letter alias like O to its
// sdkmanager form, android-26.
func ParseAPILevel(value string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(value))
	v = strings.TrimPrefix(v, "ANDROID-")
	if level, ok := apiAliases[v]; ok {
		return "android-" + strconv.Itoa(level), nil
	}
	level, err := strconv.Atoi(v)
	if err != nil || level < 14 {
		return "", core.InvalidConfig("unable to match '%s' to an api level", value)
	}
	return "android-" + strconv.Itoa(level), nil
}

var apiTypes = []string{"default", "google_apis", "google_apis_playstore", "android-tv", "android-wear"}

// ParseAPIType validates a system image type.
func ParseAPIType(value string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, t := range apiTypes {
		if v == t {
			return t, nil
		}
	}
	return "", core.InvalidConfig("unable to match '%s' to an api type", value)
}

var (
	netDelays    = []string{"gsm", "hscsd", "gprs", "edge", "umts", "hsdpa", "lte", "evdo", "none"}
	netSpeeds    = []string{"gsm", "hscsd", "gprs", "edge", "umts", "hsdpa", "lte", "evdo", "full"}
	netCustomRex = regexp.MustCompile(`^[0-9]+(:[0-9]+)?$`)
)

// ParseNetDelay validates an emulator -netdelay value.
func ParseNetDelay(value string) (string, error) {
	return parseNet("NetDelay", value, netDelays)
}

// ParseNetSpeed validates an emulator -netspeed value.
func ParseNetSpeed(value string) (string, error) {
	return parseNet("NetSpeed", value, netSpeeds)
}

func parseNet(what, value string, presets []string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, p := range presets {
		if v == p {
			return p, nil
		}
	}
	if netCustomRex.MatchString(v) {
		return v, nil
	}
	return "", core.InvalidConfig("%s must be of format '[0-9]+' or '[0-9]+:[0-9]+' or be one of: %s",
		what, strings.ToUpper(strings.Join(presets, ", ")))
}
