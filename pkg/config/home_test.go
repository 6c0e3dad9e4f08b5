package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/devicelab-dev/avd-runner/pkg/core"
)

func clearSDKEnv(t *testing.T) {
	t.Helper()
	for _, env := range sdkEnvVars {
		t.Setenv(env, "")
	}
}

func TestResolveSDKRoot_Explicit(t *testing.T) {
	clearSDKEnv(t)
	t.Setenv("ANDROID_HOME", "/from/env")

	got, err := ResolveSDKRoot("/explicit", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/explicit" {
		t.Errorf("ResolveSDKRoot() = %q, want %q", got, "/explicit")
	}
}

func TestResolveSDKRoot_LocalProperties(t *testing.T) {
	clearSDKEnv(t)
	t.Setenv("ANDROID_HOME", "/from/env")
	dir := t.TempDir()
	content := "# written by Android Studio\nsdk.dir=C\\:\\\\Users\\\\me\\\\sdk\n"
	if err := os.WriteFile(filepath.Join(dir, "local.properties"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := ResolveSDKRoot("", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := `C:\Users\me\sdk`; got != want {
		t.Errorf("ResolveSDKRoot() = %q, want %q", got, want)
	}
}

func TestResolveSDKRoot_LocalPropertiesWithoutSDKDir(t *testing.T) {
	clearSDKEnv(t)
	t.Setenv("ANDROID_SDK_ROOT", "/sdk/root")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "local.properties"), []byte("ndk.dir=/ndk\n"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := ResolveSDKRoot("", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/sdk/root" {
		t.Errorf("ResolveSDKRoot() = %q, want %q", got, "/sdk/root")
	}
}

func TestResolveSDKRoot_EnvOrder(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"android home wins", map[string]string{"ANDROID_HOME": "/a", "ANDROID_SDK_ROOT": "/b", "ANDROID_SDK_HOME": "/c"}, "/a"},
		{"sdk root next", map[string]string{"ANDROID_SDK_ROOT": "/b", "ANDROID_SDK_HOME": "/c"}, "/b"},
		{"sdk home last", map[string]string{"ANDROID_SDK_HOME": "/c"}, "/c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearSDKEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			got, err := ResolveSDKRoot("", t.TempDir())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveSDKRoot() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveSDKRoot_NotFound(t *testing.T) {
	clearSDKEnv(t)

	_, err := ResolveSDKRoot("", t.TempDir())
	if !errors.Is(err, core.ErrInvalidConfig) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}

func TestResolveAVDHome(t *testing.T) {
	t.Setenv("ANDROID_AVD_HOME", "/env/avd")

	if got := ResolveAVDHome("/explicit"); got != "/explicit" {
		t.Errorf("ResolveAVDHome() = %q, want %q", got, "/explicit")
	}
	if got := ResolveAVDHome(""); got != "/env/avd" {
		t.Errorf("ResolveAVDHome() = %q, want %q", got, "/env/avd")
	}

	t.Setenv("ANDROID_AVD_HOME", "")
	if got := ResolveAVDHome(""); got != "" {
		t.Errorf("ResolveAVDHome() = %q, want empty", got)
	}
}
