package sdkmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gofrs/flock"

	"github.com/devicelab-dev/avd-runner/pkg/core"
	"github.com/devicelab-dev/avd-runner/pkg/logger"
	"github.com/devicelab-dev/avd-runner/pkg/session"
	"github.com/devicelab-dev/avd-runner/pkg/stream"
)

// LockFileName is created in the SDK root while an install runs.
const LockFileName = ".avd-runner.lock"

const (
	defaultLockTimeout = 10 * time.Minute
	lockRetryDelay     = 250 * time.Millisecond
)

// ProxyConfig is passed through to sdkmanager. All fields are required.
type ProxyConfig struct {
	Type string // http or socks
	Host string
	Port int
}

// Manager runs sdkmanager installs.
type Manager struct {
	Path    string
	Proxy   *ProxyConfig
	NoHTTPS bool
	Env     map[string]string

	// LockPath serializes installs across processes sharing an SDK root.
	// Empty disables locking.
	LockPath    string
	LockTimeout time.Duration
}

// NewManager returns a Manager for the sdkmanager binary at path, locking
// on sdkRoot when it is non-empty.
func NewManager(path, sdkRoot string) *Manager {
	m := &Manager{Path: path}
	if sdkRoot != "" {
		m.LockPath = filepath.Join(sdkRoot, LockFileName)
		m.Env = map[string]string{"ANDROID_SDK_ROOT": sdkRoot}
	}
	return m
}

// Args returns the sdkmanager arguments for installing key.
func (m *Manager) Args(key string) []string {
	var args []string
	if m.Proxy != nil {
		args = append(args,
			"--proxy="+m.Proxy.Type,
			"--proxy_host="+m.Proxy.Host,
			fmt.Sprintf("--proxy_port=%d", m.Proxy.Port),
		)
	}
	if m.NoHTTPS {
		args = append(args, "--no_https")
	}
	return append(args, key)
}

// Install starts installing key and returns immediately. The caller must
// drain Statuses (or call Wait) and answer any AwaitingLicense status.
func (m *Manager) Install(ctx context.Context, key string) (*Installation, error) {
	release, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}

	logger.Info("Attempting install: %s %s", m.Path, strings.Join(m.Args(key), " "))
	sess, err := session.Spawn(ctx, session.Spec{
		Name:    "sdkmanager",
		Path:    m.Path,
		Args:    m.Args(key),
		Env:     m.Env,
		Prompts: []string{stream.AcceptPrompt},
	})
	if err != nil {
		release()
		return nil, err
	}

	inst := &Installation{
		key:      key,
		sess:     sess,
		statuses: make(chan Status),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		release:  release,
	}
	go inst.run(ctx)
	return inst, nil
}

func (m *Manager) lock(ctx context.Context) (func(), error) {
	if m.LockPath == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(m.LockPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	timeout := m.LockTimeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lock := flock.New(m.LockPath)
	locked, err := lock.TryLockContext(lctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another install is in progress (lock held: %s)", m.LockPath)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("releasing install lock: %v", err)
		}
	}, nil
}

// Installation is one running sdkmanager install.
type Installation struct {
	key      string
	sess     *session.Session
	statuses chan Status
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
	release  func()
}

// Statuses delivers state machine events in stdout order. It is closed
// when the installation ends.
func (i *Installation) Statuses() <-chan Status {
	return i.statuses
}

// Answer writes one line to sdkmanager's stdin, typically "Y" in response
// to an AwaitingLicense status.
func (i *Installation) Answer(text string) error {
	return i.sess.WriteLine(text)
}

// Cancel stops the installation and kills sdkmanager.
func (i *Installation) Cancel() {
	i.stopOnce.Do(func() { close(i.stop) })
	_ = i.sess.Close()
}

// Wait discards any undelivered statuses and returns the final result.
func (i *Installation) Wait() error {
	for range i.statuses {
	}
	<-i.done
	return i.err
}

func (i *Installation) run(ctx context.Context) {
	defer close(i.done)
	defer i.release()
	defer i.sess.Close()
	defer close(i.statuses)

	if err := i.fold(ctx); err != nil {
		_ = i.sess.Close()
		if ctx.Err() != nil {
			err = fmt.Errorf("install %s: %w", i.key, ctx.Err())
		}
		logger.Error("Install failed %q: %v", i.key, err)
		i.err = err
		return
	}

	if _, err := i.sess.Wait(0); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("install %s: %w", i.key, ctx.Err())
		}
		logger.Error("Install failed %q: %v", i.key, err)
		i.err = err
		return
	}
	logger.Info("Install complete %q", i.key)
}

// fold consumes both streams until they end or a fatal condition is seen.
// stderr lines only feed ClassifyStderr.
func (i *Installation) fold(ctx context.Context) error {
	status := Status{State: InFlight}
	var last string

	stdout, stderr := i.sess.Stdout().Lines(), i.sess.Stderr().Lines()
	for stdout != nil || stderr != nil {
		select {
		case <-i.stop:
			return core.ErrSessionClosed.WithMessage("installation cancelled")

		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				if err := i.sess.Stderr().Err(); err != nil {
					return err
				}
				continue
			}
			if err := ClassifyStderr(i.key, line); err != nil {
				return err
			}

		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				if err := i.sess.Stdout().Err(); err != nil {
					return err
				}
				continue
			}
			line = strings.TrimRightFunc(line, unicode.IsSpace)
			if line == "" || line == last {
				continue
			}
			last = line

			next, err := Fold(status, line)
			if err != nil {
				return err
			}
			status = next

			select {
			case i.statuses <- status:
			case <-i.stop:
				return core.ErrSessionClosed.WithMessage("installation cancelled")
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// LicensePolicy says which license kinds may be accepted automatically.
type LicensePolicy struct {
	AcceptSdk        bool
	AcceptSdkPreview bool
	AcceptHaxm       bool
}

// Approves reports whether kind may be answered with "Y".
func (p LicensePolicy) Approves(kind LicenseKind) bool {
	switch kind {
	case LicenseSdk:
		return p.AcceptSdk
	case LicenseSdkPreview:
		return p.AcceptSdkPreview
	case LicenseHaxm:
		return p.AcceptHaxm
	}
	return false
}

// InstallWithPolicy installs key, accepting licenses the policy approves
// and failing with LicenseNotApproved on any other.
func (m *Manager) InstallWithPolicy(ctx context.Context, key string, policy LicensePolicy) error {
	inst, err := m.Install(ctx, key)
	if err != nil {
		return err
	}

	for st := range inst.Statuses() {
		if st.State != AwaitingLicense {
			continue
		}
		if !policy.Approves(st.Kind) {
			inst.Cancel()
			_ = inst.Wait()
			return core.LicenseNotApproved(st.Kind.String())
		}
		if err := inst.Answer("Y"); err != nil {
			inst.Cancel()
			_ = inst.Wait()
			return err
		}
	}
	return inst.Wait()
}
